package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"extmirror/internal/journal"
	"extmirror/internal/metrics"
	"extmirror/internal/progress"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const partSuffix = ".part"

// TaskProcessor handles individual task processing
type TaskProcessor struct {
	fs       afero.Fs
	client   *http.Client
	progress *progress.Progress
	journal  journal.Store
	metrics  *metrics.Collector
	runID    string
	logger   *zap.Logger
}

// Process runs a single task. Errors never leave this method: every outcome
// lands in the progress counters.
func (p *TaskProcessor) Process(ctx context.Context, task *Task) {
	startTime := time.Now()

	if p.metrics != nil {
		p.metrics.WorkerStarted()
		defer p.metrics.WorkerFinished()
	}

	written, status, err := p.fetch(ctx, task)

	// Bytes that were announced but never written are skipped
	if task.Size != nil && written < *task.Size {
		p.progress.Bytes.IncSkipped(*task.Size - written)
	}

	switch status {
	case journal.StatusDownloaded:
		p.progress.Files.IncSuccess(1)
		p.logger.Debug("Archive downloaded",
			zap.String("id", task.ID),
			zap.String("version", task.Version),
			zap.Uint64("bytes", written),
			zap.Duration("duration", time.Since(startTime)),
		)
	case journal.StatusExists:
		p.progress.Files.IncSkipped(1)
		p.logger.Debug("Skipping existing archive", zap.String("target", task.Target))
	default:
		p.progress.Files.IncSkipped(1)
		p.logger.Warn("Archive skipped",
			zap.String("id", task.ID),
			zap.String("version", task.Version),
			zap.String("url", task.URL),
			zap.Error(err),
		)
	}

	if err == nil {
		if linkErr := p.link(task); linkErr != nil {
			p.logger.Warn("Failed to update alias",
				zap.String("alias", task.AliasPath),
				zap.Error(linkErr),
			)
		}
	}

	if p.metrics != nil {
		p.metrics.IncFetch(string(status))
		p.metrics.ObserveFetch(time.Since(startTime))
	}
	p.record(task, status, written, err)
}

func (p *TaskProcessor) fetch(ctx context.Context, task *Task) (uint64, journal.FetchStatus, error) {
	if !task.Force {
		if exists, _ := afero.Exists(p.fs, task.Target); exists {
			return 0, journal.StatusExists, nil
		}
	}

	if err := p.fs.MkdirAll(filepath.Dir(task.Target), 0o755); err != nil {
		return 0, journal.StatusFailed, fmt.Errorf("failed to create directory: %w", err)
	}

	// Known empty bodies need no round trip
	if task.Size != nil && *task.Size == 0 {
		if err := afero.WriteFile(p.fs, task.Target, nil, 0o644); err != nil {
			return 0, journal.StatusFailed, err
		}
		return 0, journal.StatusDownloaded, nil
	}

	partial := task.Target + partSuffix
	written, err := p.download(ctx, task, partial)
	if err != nil {
		_ = p.fs.Remove(partial)
		if errors.Is(err, ErrNotFound) {
			return written, journal.StatusNotFound, err
		}
		return written, journal.StatusFailed, err
	}

	if err := p.fs.Rename(partial, task.Target); err != nil {
		_ = p.fs.Remove(partial)
		return written, journal.StatusFailed, fmt.Errorf("failed to finalize archive: %w", err)
	}

	return written, journal.StatusDownloaded, nil
}

func (p *TaskProcessor) download(ctx context.Context, task *Task, path string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	file, err := p.fs.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	w := &countingWriter{w: file, task: task, progress: p.progress, metrics: p.metrics}
	_, copyErr := io.Copy(w, resp.Body)
	closeErr := file.Close()

	if copyErr != nil {
		return w.written, fmt.Errorf("failed to write body: %w", copyErr)
	}
	return w.written, closeErr
}

// link points AliasPath at Target with a relative symlink
func (p *TaskProcessor) link(task *Task) error {
	if task.AliasPath == "" {
		return nil
	}
	return Link(p.fs, task.Target, task.AliasPath)
}

// Link replaces alias with a relative symlink to target. A missing target
// leaves alias untouched.
func Link(fs afero.Fs, target, alias string) error {
	if exists, _ := afero.Exists(fs, target); !exists {
		return nil
	}

	linker, ok := fs.(afero.Linker)
	if !ok {
		return fmt.Errorf("filesystem %s does not support symlinks", fs.Name())
	}

	rel, err := filepath.Rel(filepath.Dir(alias), target)
	if err != nil {
		return err
	}

	if err := fs.Remove(alias); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old alias: %w", err)
	}

	return linker.SymlinkIfPossible(rel, alias)
}

func (p *TaskProcessor) record(task *Task, status journal.FetchStatus, written uint64, err error) {
	if p.journal == nil {
		return
	}

	rec := &journal.FetchRecord{
		RunID:   p.runID,
		ID:      task.ID,
		Version: task.Version,
		URL:     task.URL,
		Target:  task.Target,
		Status:  status,
		Bytes:   int64(written),
	}
	if err != nil {
		rec.LastError = err.Error()
	}

	if saveErr := p.journal.SaveFetch(rec); saveErr != nil {
		p.logger.Error("Failed to save journal record",
			zap.String("target", task.Target),
			zap.Error(saveErr),
		)
	}
}

// countingWriter reports every chunk to the byte counters as it lands
type countingWriter struct {
	w        io.Writer
	task     *Task
	progress *progress.Progress
	metrics  *metrics.Collector
	written  uint64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	if n <= 0 {
		return n, err
	}

	chunk := uint64(n)

	// Grow the total first for bytes nobody announced
	var unannounced uint64
	switch {
	case c.task.Size == nil:
		unannounced = chunk
	case c.written >= *c.task.Size:
		unannounced = chunk
	case c.written+chunk > *c.task.Size:
		unannounced = c.written + chunk - *c.task.Size
	}
	if unannounced > 0 {
		c.progress.Bytes.IncTotal(unannounced)
	}

	c.progress.Bytes.IncSuccess(chunk)
	c.written += chunk
	if c.metrics != nil {
		c.metrics.AddBytes(chunk)
	}

	return n, err
}
