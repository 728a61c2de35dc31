package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"extmirror/internal/catalog"
	"extmirror/internal/config"
	"extmirror/internal/downloader"
	"extmirror/internal/index"
	"extmirror/internal/journal"
	"extmirror/internal/layout"
	"extmirror/internal/metrics"
	"extmirror/internal/progress"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Phase names, also used as the display step names
const (
	PhaseMetadata   = "Downloading metadata"
	PhaseExtensions = "Downloading extensions"
	PhaseIndex      = "Generating index"
	PhasePromote    = "Promoting snapshot"
)

// ErrCatalogNotFetched is returned when phase one finishes without a catalog
var ErrCatalogNotFetched = errors.New("catalog was not fetched")

// Mirror represents one mirror run over an output root
type Mirror struct {
	cfg      *config.Config
	logger   *zap.Logger
	layout   layout.Layout
	fs       afero.Fs
	client   *http.Client
	journal  journal.Store
	metrics  *metrics.Collector
	progress *progress.Progress
}

// Option customizes a Mirror
type Option func(*Mirror)

// WithHTTPClient replaces the downloader's HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(m *Mirror) { m.client = client }
}

// WithMetrics reports downloads to c
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Mirror) { m.metrics = c }
}

// New creates a new mirror instance
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Mirror, error) {
	m := &Mirror{
		cfg:      cfg,
		logger:   logger,
		layout:   layout.New(cfg.Output),
		fs:       afero.NewOsFs(),
		progress: progress.New(4),
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.Mirror.Journal != "" {
		store, err := journal.NewSQLiteStore(cfg.Mirror.Journal)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		m.journal = store
	}

	return m, nil
}

// Progress returns the run's progress tracker
func (m *Mirror) Progress() *progress.Progress {
	return m.progress
}

// Run executes the three phases and promotes the result. A failed phase stops
// the run and leaves the staging area in place.
func (m *Mirror) Run(ctx context.Context) error {
	runID := uuid.NewString()
	log := m.logger.With(zap.String("run_id", runID))
	started := time.Now()

	log.Info("Starting mirror",
		zap.String("output", m.layout.Root),
		zap.String("api_url", m.cfg.Mirror.APIURL),
		zap.Int("workers", m.cfg.Mirror.Workers),
		zap.Int("max_schema_version", m.cfg.Mirror.MaxSchemaVersion),
	)

	if m.cfg.Mirror.ShowProgress && progress.IsTerminalSupported() {
		display := progress.NewDisplay(m.progress, os.Stdout, 500*time.Millisecond)
		display.Start()
		defer display.Stop()
	} else {
		log.Debug("Progress display disabled")
	}

	opts := []downloader.Option{downloader.WithFs(m.fs)}
	if m.client != nil {
		opts = append(opts, downloader.WithHTTPClient(m.client))
	}
	if m.journal != nil {
		opts = append(opts, downloader.WithJournal(m.journal, runID))
	}
	if m.metrics != nil {
		opts = append(opts, downloader.WithMetrics(m.metrics))
	}

	d := downloader.New(ctx, downloader.Config{
		Workers:   m.cfg.Mirror.Workers,
		QueueSize: m.cfg.Mirror.QueueSize,
		Timeout:   m.cfg.Mirror.HTTPTimeout,
	}, m.progress, log, opts...)
	defer d.Close()

	list, err := m.fetchCatalog(ctx, d, log)
	if err != nil {
		return fmt.Errorf("%s: %w", PhaseMetadata, err)
	}

	if err := m.fetchArchives(ctx, d, list.Data, log); err != nil {
		return fmt.Errorf("%s: %w", PhaseExtensions, err)
	}

	if err := m.buildIndex(list.Data, log); err != nil {
		return fmt.Errorf("%s: %w", PhaseIndex, err)
	}

	if err := m.promote(log); err != nil {
		return fmt.Errorf("%s: %w", PhasePromote, err)
	}

	log.Info("Mirror completed",
		zap.Int("records", len(list.Data)),
		zap.String("downloaded", humanize.IBytes(m.progress.TotalBytes())),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}

func (m *Mirror) fetchCatalog(ctx context.Context, d *downloader.Downloader, log *zap.Logger) (*catalog.List, error) {
	m.progress.NextStep(PhaseMetadata)

	target := m.layout.StagedCatalog()
	task := &downloader.Task{
		ID:     "catalog",
		URL:    catalogURL(m.cfg.Mirror.APIURL, m.cfg.Mirror.MaxSchemaVersion),
		Target: target,
		Force:  true,
	}
	if err := d.Queue(ctx, task); err != nil {
		return nil, err
	}
	if err := m.progress.WaitForCompletion(ctx); err != nil {
		return nil, err
	}

	if m.progress.Files.Success() == 0 {
		return nil, ErrCatalogNotFetched
	}

	f, err := m.fs.Open(target)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	list, err := catalog.Parse(f)
	if err != nil {
		return nil, err
	}

	log.Info("Catalog fetched", zap.Int("records", len(list.Data)))
	return list, nil
}

func (m *Mirror) fetchArchives(ctx context.Context, d *downloader.Downloader, records []catalog.Record, log *zap.Logger) error {
	m.progress.NextStep(PhaseExtensions)

	planner := &ArchivePlanner{
		apiURL: m.cfg.Mirror.APIURL,
		layout: m.layout,
		fs:     m.fs,
		logger: log,
	}

	tasks, err := planner.Plan(records)
	if err != nil {
		return err
	}
	if err := planner.Enqueue(ctx, d, tasks); err != nil {
		return err
	}
	if err := m.progress.WaitForCompletion(ctx); err != nil {
		return err
	}

	log.Info("Archives processed",
		zap.Stringer("files", &m.progress.Files),
		zap.Int("aliases", planner.LinkAliases(tasks)),
	)
	return nil
}

func (m *Mirror) buildIndex(records []catalog.Record, log *zap.Logger) error {
	m.progress.NextStep(PhaseIndex)

	b, err := index.Init(m.layout.Root)
	if err != nil {
		return err
	}

	docs, err := b.Index(records, m.progress)
	if err != nil {
		_ = b.Close()
		return err
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}

	if dups := len(records) - docs; dups > 0 {
		log.Warn("Duplicate catalog records left out of the index", zap.Int("duplicates", dups))
	}
	log.Info("Index generated", zap.Int("documents", docs), zap.String("path", b.Path()))
	return nil
}

// promote replaces the live catalog, then the live index, with the staged ones
func (m *Mirror) promote(log *zap.Logger) error {
	m.progress.NextStep(PhasePromote)

	pairs := []struct{ staged, live string }{
		{m.layout.StagedCatalog(), m.layout.Catalog()},
		{m.layout.StagedIndex(), m.layout.Index()},
	}

	for _, p := range pairs {
		if err := m.fs.RemoveAll(p.live); err != nil {
			return fmt.Errorf("failed to remove %s: %w", p.live, err)
		}
		if err := m.fs.Rename(p.staged, p.live); err != nil {
			return fmt.Errorf("failed to move %s into place: %w", p.staged, err)
		}
		log.Debug("Promoted", zap.String("path", p.live))
	}

	return nil
}

// Close cleans up resources
func (m *Mirror) Close() error {
	if m.journal != nil {
		return m.journal.Close()
	}
	return nil
}
