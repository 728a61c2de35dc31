// Package search answers catalog queries against a promoted index.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"extmirror/internal/catalog"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// MaxResults caps the number of hits returned by any query
const MaxResults = 1000

// ErrClosed is returned by queries after Close
var ErrClosed = errors.New("searcher is closed")

// ListParams filters the catalog listing
type ListParams struct {
	Filter           string
	Provides         string
	MaxSchemaVersion int
}

// UpdateParams selects versions of known ids within a schema range
type UpdateParams struct {
	IDs              string
	MinSchemaVersion int
	MaxSchemaVersion int
}

// Searcher holds one read-only index. Queries may run concurrently with each other
// and with Reload.
type Searcher struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// Open opens the index at path read-only
func Open(path string) (*Searcher, error) {
	idx, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &Searcher{index: idx, path: path}, nil
}

func openReadOnly(path string) (bleve.Index, error) {
	idx, err := bleve.OpenUsing(path, map[string]interface{}{"read_only": true})
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", path, err)
	}
	return idx, nil
}

// Reload opens path and swaps it in. In-flight queries finish on the old index,
// which is closed afterwards.
func (s *Searcher) Reload(path string) error {
	idx, err := openReadOnly(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = idx.Close()
		return ErrClosed
	}
	old := s.index
	s.index = idx
	s.path = path
	s.mu.Unlock()

	return old.Close()
}

// Path returns the directory of the current index
func (s *Searcher) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// Close releases the index
func (s *Searcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.index.Close()
}

// Extensions lists package versions matching p
func (s *Searcher) Extensions(ctx context.Context, p ListParams) ([]catalog.Metadata, error) {
	return s.run(ctx, listQuery(p))
}

// Updates returns versions of the given comma-separated ids within the schema range
func (s *Searcher) Updates(ctx context.Context, p UpdateParams) ([]catalog.Metadata, error) {
	if len(splitList(p.IDs)) == 0 {
		return []catalog.Metadata{}, nil
	}
	return s.run(ctx, updatesQuery(p))
}

// Versions returns every indexed version of id
func (s *Searcher) Versions(ctx context.Context, id string) ([]catalog.Metadata, error) {
	return s.run(ctx, versionsQuery(id))
}

func (s *Searcher) run(ctx context.Context, q query.Query) ([]catalog.Metadata, error) {
	req := bleve.NewSearchRequestOptions(q, MaxResults, 0, false)
	req.Fields = []string{"*"}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]catalog.Metadata, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, catalog.FromFields(hit.Fields))
	}
	return out, nil
}

func listQuery(p ListParams) query.Query {
	var must []query.Query

	if p.Filter != "" {
		name := bleve.NewMatchQuery(p.Filter)
		name.SetField(catalog.FieldName)

		id := bleve.NewTermQuery(strings.ToLower(p.Filter))
		id.SetField(catalog.FieldID)

		must = append(must, bleve.NewDisjunctionQuery(name, id))
	}

	if provides := splitList(p.Provides); len(provides) > 0 {
		must = append(must, anyTerm(catalog.FieldProvides, provides))
	}

	must = append(must, schemaRange(nil, &p.MaxSchemaVersion))

	return bleve.NewConjunctionQuery(must...)
}

func updatesQuery(p UpdateParams) query.Query {
	return bleve.NewConjunctionQuery(
		anyTerm(catalog.FieldID, splitList(p.IDs)),
		schemaRange(&p.MinSchemaVersion, &p.MaxSchemaVersion),
	)
}

func versionsQuery(id string) query.Query {
	term := bleve.NewTermQuery(id)
	term.SetField(catalog.FieldID)
	return bleve.NewConjunctionQuery(term)
}

func anyTerm(field string, values []string) query.Query {
	terms := make([]query.Query, 0, len(values))
	for _, v := range values {
		term := bleve.NewTermQuery(v)
		term.SetField(field)
		terms = append(terms, term)
	}
	return bleve.NewDisjunctionQuery(terms...)
}

// schemaRange matches from <= schema_version <= to; a nil bound is open
func schemaRange(from, to *int) query.Query {
	inclusive := true
	var lo, hi *float64
	if from != nil {
		v := float64(*from)
		lo = &v
	}
	if to != nil {
		v := float64(*to)
		hi = &v
	}

	q := bleve.NewNumericRangeInclusiveQuery(lo, hi, &inclusive, &inclusive)
	q.SetField(catalog.FieldSchemaVersion)
	return q
}

// splitList splits a comma-separated parameter, trimming items and dropping empty ones
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
