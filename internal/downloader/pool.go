package downloader

import (
	"context"
	"net/http"
	"sync"

	"extmirror/internal/journal"
	"extmirror/internal/metrics"
	"extmirror/internal/progress"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Downloader is a fixed pool of workers consuming one bounded task queue
type Downloader struct {
	tasks    chan *Task
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	progress *progress.Progress
	logger   *zap.Logger
}

// Option customizes a Downloader
type Option func(*TaskProcessor)

// WithFs sets the filesystem tasks are written to
func WithFs(fs afero.Fs) Option {
	return func(p *TaskProcessor) { p.fs = fs }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(p *TaskProcessor) { p.client = client }
}

// WithJournal records every task outcome
func WithJournal(store journal.Store, runID string) Option {
	return func(p *TaskProcessor) {
		p.journal = store
		p.runID = runID
	}
}

// WithMetrics reports task outcomes to a metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(p *TaskProcessor) { p.metrics = c }
}

// New starts cfg.Workers workers reading from a queue of cfg.QueueSize tasks.
// Cancelling ctx aborts in-flight requests; queued tasks are still drained.
func New(ctx context.Context, cfg Config, prog *progress.Progress, logger *zap.Logger, opts ...Option) *Downloader {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	d := &Downloader{
		tasks:    make(chan *Task, cfg.QueueSize),
		progress: prog,
		logger:   logger,
	}

	base := TaskProcessor{
		fs:       afero.NewOsFs(),
		client:   newHTTPClient(cfg.Workers, cfg.Timeout),
		progress: prog,
	}
	for _, opt := range opts {
		opt(&base)
	}

	for i := 0; i < cfg.Workers; i++ {
		processor := base
		processor.logger = logger.With(zap.Int("worker_id", i))

		d.wg.Add(1)
		go d.worker(ctx, &processor)
	}

	return d
}

func (d *Downloader) worker(ctx context.Context, processor *TaskProcessor) {
	defer d.wg.Done()

	processor.logger.Debug("Worker started")

	for task := range d.tasks {
		processor.Process(ctx, task)
	}

	processor.logger.Debug("Worker finished - no more tasks")
}

// Queue accounts for the task and hands it to the pool. It blocks while the
// queue is full; ctx only bounds that wait.
func (d *Downloader) Queue(ctx context.Context, task *Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	if task.Size != nil {
		d.progress.Bytes.IncTotal(*task.Size)
	}
	d.progress.Files.IncTotal(1)

	select {
	case d.tasks <- task:
		return nil
	case <-ctx.Done():
		// Not handed over: account it as skipped so waits still terminate
		d.progress.Files.IncSkipped(1)
		return ctx.Err()
	}
}

// Progress returns the shared progress tracker
func (d *Downloader) Progress() *progress.Progress {
	return d.progress
}

// Close stops accepting tasks and waits for queued ones to finish
func (d *Downloader) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()

	d.wg.Wait()
}
