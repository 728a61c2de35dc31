// Package index builds the on-disk search index over catalog records.
package index

import (
	"fmt"
	"os"
	"path/filepath"

	"extmirror/internal/catalog"
	"extmirror/internal/progress"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// StagingDir is the index location relative to the output root while a run builds it
const StagingDir = ".tmp/idx"

// Builder writes one fresh index. It is single-writer; do not share across goroutines.
type Builder struct {
	index bleve.Index
	path  string
}

// Init removes any previous staging index under root and creates an empty one
func Init(root string) (*Builder, error) {
	path := filepath.Join(root, filepath.FromSlash(StagingDir))
	return Create(path)
}

// Create builds an empty index at path, replacing whatever is there
func Create(path string) (*Builder, error) {
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to remove old index %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	idx, err := bleve.New(path, Mapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &Builder{index: idx, path: path}, nil
}

// Path returns the index directory
func (b *Builder) Path() string {
	return b.path
}

// Index writes every record in a single batch and returns the number of
// documents written. Each indexed record counts as one successful file on p. A
// record repeating an earlier id and version is counted as skipped and left out.
func (b *Builder) Index(records []catalog.Record, p *progress.Progress) (int, error) {
	if p != nil {
		p.Files.IncTotal(uint64(len(records)))
	}

	batch := b.index.NewBatch()
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		id, version, err := record.Key()
		if err != nil {
			return 0, err
		}

		docID := catalog.DocID(id, version)
		if _, dup := seen[docID]; dup {
			if p != nil {
				p.Files.IncSkipped(1)
			}
			continue
		}
		seen[docID] = struct{}{}

		if err := batch.Index(docID, record.Document()); err != nil {
			return 0, fmt.Errorf("failed to add %s to batch: %w", docID, err)
		}

		if p != nil {
			p.Files.IncSuccess(1)
		}
	}

	if err := b.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("failed to commit index batch: %w", err)
	}

	return len(seen), nil
}

// Close flushes and releases the index
func (b *Builder) Close() error {
	return b.index.Close()
}

// Mapping returns the fixed index schema. The mapping is static: keys it does not
// name are neither indexed nor stored.
func Mapping() mapping.IndexMapping {
	doc := bleve.NewDocumentStaticMapping()
	for _, name := range []string{
		catalog.FieldID,
		catalog.FieldVersion,
		catalog.FieldRepository,
		catalog.FieldProvides,
		catalog.FieldPublishedAt,
		catalog.FieldAPIVersion,
	} {
		doc.AddFieldMappingsAt(name, keywordField())
	}
	doc.AddFieldMappingsAt(catalog.FieldName, textField())
	doc.AddFieldMappingsAt(catalog.FieldAuthors, textField())
	doc.AddFieldMappingsAt(catalog.FieldSchemaVersion, bleve.NewNumericFieldMapping())
	doc.AddFieldMappingsAt(catalog.FieldDownloadCount, bleve.NewNumericFieldMapping())
	doc.AddFieldMappingsAt(catalog.FieldDescription, storedField())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	im.IndexDynamic = false
	im.StoreDynamic = false
	im.DocValuesDynamic = false

	return im
}

func keywordField() *mapping.FieldMapping {
	fm := bleve.NewKeywordFieldMapping()
	fm.Analyzer = keyword.Name
	return fm
}

func textField() *mapping.FieldMapping {
	fm := bleve.NewTextFieldMapping()
	fm.Analyzer = standard.Name
	return fm
}

// storedField is returned with hits but never searched
func storedField() *mapping.FieldMapping {
	fm := bleve.NewTextFieldMapping()
	fm.Index = false
	fm.IncludeInAll = false
	fm.IncludeTermVectors = false
	return fm
}
