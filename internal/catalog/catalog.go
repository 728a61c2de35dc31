// Package catalog holds the package metadata model and its conversions between the
// upstream catalog document, index documents and served responses.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Field names shared by the catalog document and the index schema.
const (
	FieldID            = "id"
	FieldName          = "name"
	FieldVersion       = "version"
	FieldDescription   = "description"
	FieldAuthors       = "authors"
	FieldRepository    = "repository"
	FieldSchemaVersion = "schema_version"
	FieldAPIVersion    = "wasm_api_version"
	FieldProvides      = "provides"
	FieldPublishedAt   = "published_at"
	FieldDownloadCount = "download_count"
)

// ErrMissingField is returned when a record lacks a required string field
var ErrMissingField = errors.New("record lacks required field")

// Record is a loosely typed catalog entry. Absent, null and unknown keys are tolerated.
type Record map[string]any

// List is the upstream catalog document: {"data": [record, ...]}
type List struct {
	Data []Record `json:"data"`
}

// Metadata is the served shape of one package version
type Metadata struct {
	ID            string   `json:"id"`
	PublishedAt   string   `json:"published_at"`
	DownloadCount uint64   `json:"download_count"`
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Description   *string  `json:"description"`
	Authors       []string `json:"authors"`
	Repository    string   `json:"repository"`
	SchemaVersion *int     `json:"schema_version"`
	APIVersion    *string  `json:"wasm_api_version"`
	Provides      []string `json:"provides"`
}

// Parse decodes a catalog document
func Parse(r io.Reader) (*List, error) {
	var list List
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return &list, nil
}

// String returns the string value under key, if present and a string
func (r Record) String(key string) (string, bool) {
	v, ok := r[key].(string)
	return v, ok
}

// Key returns the record's id and version, both required
func (r Record) Key() (id, version string, err error) {
	id, ok := r.String(FieldID)
	if !ok || id == "" {
		return "", "", fmt.Errorf("%w: string %s", ErrMissingField, FieldID)
	}

	version, ok = r.String(FieldVersion)
	if !ok || version == "" {
		return "", "", fmt.Errorf("%w: string %s (id %s)", ErrMissingField, FieldVersion, id)
	}

	return id, version, nil
}

// DocID is the natural key of a record in the index
func DocID(id, version string) string {
	return id + "@" + version
}

// Document returns a copy of the record ready for indexing. An explicitly null API
// version is dropped instead of being stored as a null value.
func (r Record) Document() map[string]any {
	doc := make(map[string]any, len(r))
	for k, v := range r {
		doc[k] = v
	}

	if v, ok := doc[FieldAPIVersion]; ok && v == nil {
		delete(doc, FieldAPIVersion)
	}

	return doc
}

// FromFields rebuilds Metadata from stored index fields. Multi-valued fields come back
// as a single value when only one was stored and numbers come back as float64.
func FromFields(fields map[string]any) Metadata {
	m := Metadata{
		ID:          asString(fields[FieldID]),
		Name:        asString(fields[FieldName]),
		Version:     asString(fields[FieldVersion]),
		Repository:  asString(fields[FieldRepository]),
		PublishedAt: asString(fields[FieldPublishedAt]),
		Authors:     asStrings(fields[FieldAuthors]),
		Provides:    asStrings(fields[FieldProvides]),
	}

	if v, ok := fields[FieldDescription].(string); ok {
		m.Description = &v
	}
	if v, ok := fields[FieldAPIVersion].(string); ok {
		m.APIVersion = &v
	}
	if v, ok := asNumber(fields[FieldSchemaVersion]); ok {
		sv := int(v)
		m.SchemaVersion = &sv
	}
	if v, ok := asNumber(fields[FieldDownloadCount]); ok && v > 0 {
		m.DownloadCount = uint64(v)
	}

	return m
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		if len(s) > 0 {
			return asString(s[0])
		}
	}
	return ""
}

func asStrings(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return s
	}
	return []string{}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case []any:
		if len(n) > 0 {
			return asNumber(n[0])
		}
	}
	return 0, false
}
