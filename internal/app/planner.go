package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"extmirror/internal/catalog"
	"extmirror/internal/downloader"
	"extmirror/internal/layout"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

// ArchivePlanner turns catalog records into archive download tasks and points
// each id's alias at its newest archive once they are processed
type ArchivePlanner struct {
	apiURL string
	layout layout.Layout
	fs     afero.Fs
	logger *zap.Logger
}

// Plan validates every record and returns one task per record. Nothing is
// returned unless all records are valid.
func (p *ArchivePlanner) Plan(records []catalog.Record) ([]*downloader.Task, error) {
	tasks := make([]*downloader.Task, 0, len(records))

	for i, record := range records {
		id, version, err := record.Key()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if err := layout.CheckSegment(id); err != nil {
			return nil, fmt.Errorf("record %d: id %q: %w", i, id, err)
		}
		if err := layout.CheckSegment(version); err != nil {
			return nil, fmt.Errorf("record %d: version %q of %s: %w", i, version, id, err)
		}

		tasks = append(tasks, &downloader.Task{
			ID:      id,
			Version: version,
			URL:     archiveURL(p.apiURL, id, version),
			Target:  p.layout.Archive(id, version),
		})
	}

	return tasks, nil
}

// Enqueue hands every task to the downloader, blocking while its queue is full
func (p *ArchivePlanner) Enqueue(ctx context.Context, d *downloader.Downloader, tasks []*downloader.Task) error {
	for _, task := range tasks {
		if err := d.Queue(ctx, task); err != nil {
			return fmt.Errorf("failed to queue %s@%s: %w", task.ID, task.Version, err)
		}
	}

	p.logger.Info("Archives queued", zap.Int("tasks", len(tasks)))
	return nil
}

// Aliases returns the alias path of every id mapped to the archive it should
// point at: the highest version whose archive is on disk. Ids without any
// archive on disk are left out.
func (p *ArchivePlanner) Aliases(tasks []*downloader.Task) map[string]string {
	newest := make(map[string]*downloader.Task)
	for _, task := range tasks {
		if exists, _ := afero.Exists(p.fs, task.Target); !exists {
			continue
		}
		if best, ok := newest[task.ID]; !ok || !olderThan(task.Version, best.Version) {
			newest[task.ID] = task
		}
	}

	aliases := make(map[string]string, len(newest))
	for id, task := range newest {
		aliases[p.layout.Alias(id)] = task.Target
	}
	return aliases
}

// LinkAliases points every alias at its newest archive. Failures are logged
// and leave the previous alias in place.
func (p *ArchivePlanner) LinkAliases(tasks []*downloader.Task) int {
	linked := 0
	for alias, target := range p.Aliases(tasks) {
		if err := downloader.Link(p.fs, target, alias); err != nil {
			p.logger.Warn("Failed to update alias", zap.String("alias", alias), zap.Error(err))
			continue
		}
		linked++
	}
	return linked
}

// olderThan reports whether candidate is a strictly lower semantic version than
// current. Versions that are not semver never count as older.
func olderThan(candidate, current string) bool {
	c, cur := canonical(candidate), canonical(current)
	if !semver.IsValid(c) || !semver.IsValid(cur) {
		return false
	}
	return semver.Compare(c, cur) < 0
}

func canonical(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func catalogURL(apiURL string, maxSchemaVersion int) string {
	return fmt.Sprintf("%s/extensions?max_schema_version=%d", strings.TrimRight(apiURL, "/"), maxSchemaVersion)
}

func archiveURL(apiURL, id, version string) string {
	return fmt.Sprintf("%s/extensions/%s/%s/download",
		strings.TrimRight(apiURL, "/"), url.PathEscape(id), url.PathEscape(version))
}
