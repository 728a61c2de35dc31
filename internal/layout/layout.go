// Package layout names every path the mirror writes under its output root.
package layout

import (
	"errors"
	"path/filepath"
	"strings"
)

const (
	CatalogFile = "extensions.json"
	IndexDir    = "idx"
	StagingDir  = ".tmp"
	ArchivesDir = "extensions"
	ArchiveFile = "archive.tar.gz"
	JournalFile = "journal.db"
)

// ErrUnsafeSegment is returned for ids or versions that cannot be used as a path segment
var ErrUnsafeSegment = errors.New("unsafe path segment")

// Layout resolves paths relative to one output root
type Layout struct {
	Root string
}

// New returns the layout rooted at root
func New(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

func (l Layout) Catalog() string       { return filepath.Join(l.Root, CatalogFile) }
func (l Layout) Index() string         { return filepath.Join(l.Root, IndexDir) }
func (l Layout) Journal() string       { return filepath.Join(l.Root, JournalFile) }
func (l Layout) Staging() string       { return filepath.Join(l.Root, StagingDir) }
func (l Layout) StagedCatalog() string { return filepath.Join(l.Staging(), CatalogFile) }
func (l Layout) StagedIndex() string   { return filepath.Join(l.Staging(), IndexDir) }

// Archive is the archive of one id and version
func (l Layout) Archive(id, version string) string {
	return filepath.Join(l.Root, ArchivesDir, id, version, ArchiveFile)
}

// Alias is the pointer to the newest archive of id
func (l Layout) Alias(id string) string {
	return filepath.Join(l.Root, ArchivesDir, id, ArchiveFile)
}

// CheckSegment rejects values that would escape their directory
func CheckSegment(s string) error {
	if s == "" || s == "." || s == ".." ||
		strings.Contains(s, "..") ||
		strings.ContainsAny(s, `/\`) ||
		strings.ContainsRune(s, 0) {
		return ErrUnsafeSegment
	}
	return nil
}
