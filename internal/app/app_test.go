package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"extmirror/internal/catalog"
	"extmirror/internal/config"
	"extmirror/internal/journal"
	"extmirror/internal/layout"
	"extmirror/internal/metrics"
	"extmirror/internal/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testCatalog = `{"data":[
  {"id":"html","name":"HTML","version":"0.2.0","schema_version":1,"provides":["languages"],"wasm_api_version":null},
  {"id":"html","name":"HTML","version":"0.1.0","schema_version":1,"provides":["languages"]},
  {"id":"gone","name":"Gone","version":"1.0.0","schema_version":1,"provides":["themes"]}
]}`

type fakeRegistry struct {
	*httptest.Server
	catalog   string
	downloads atomic.Int64
	query     atomic.Value
}

func newFakeRegistry(t *testing.T, body string) *fakeRegistry {
	t.Helper()
	r := &fakeRegistry{catalog: body}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.URL.Path == "/extensions":
			r.query.Store(req.URL.RawQuery)
			if r.catalog == "" {
				http.NotFound(w, req)
				return
			}
			w.Write([]byte(r.catalog))
		case strings.HasPrefix(req.URL.Path, "/extensions/gone/"):
			r.downloads.Add(1)
			http.NotFound(w, req)
		case strings.HasSuffix(req.URL.Path, "/download"):
			r.downloads.Add(1)
			w.Write([]byte("archive:" + req.URL.Path))
		default:
			http.NotFound(w, req)
		}
	}))
	t.Cleanup(r.Close)
	return r
}

func testConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output = t.TempDir()
	cfg.Mirror.APIURL = apiURL
	cfg.Mirror.Workers = 2
	cfg.Mirror.ShowProgress = false
	cfg.Mirror.Journal = filepath.Join(cfg.Output, layout.JournalFile)
	return cfg
}

func runMirror(t *testing.T, cfg *config.Config) error {
	t.Helper()
	m, err := New(cfg, zap.NewNop(), WithMetrics(metrics.New()))
	require.NoError(t, err)
	defer m.Close()
	return m.Run(context.Background())
}

func TestMirror_FullRunPromotes(t *testing.T) {
	registry := newFakeRegistry(t, testCatalog)
	cfg := testConfig(t, registry.URL)
	l := layout.New(cfg.Output)

	require.NoError(t, runMirror(t, cfg))

	assert.Equal(t, "max_schema_version=1", registry.query.Load())
	assert.Equal(t, int64(3), registry.downloads.Load())

	// Live artifacts replaced the staged ones
	assert.FileExists(t, l.Catalog())
	assert.DirExists(t, l.Index())
	assert.NoFileExists(t, l.StagedCatalog())
	assert.NoDirExists(t, l.StagedIndex())

	body, err := os.ReadFile(l.Archive("html", "0.1.0"))
	require.NoError(t, err)
	assert.Equal(t, "archive:/extensions/html/0.1.0/download", string(body))
	assert.NoFileExists(t, l.Archive("gone", "1.0.0"))

	// Alias follows the highest version, not catalog order
	link, err := os.Readlink(l.Alias("html"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("0.2.0", layout.ArchiveFile), link)

	s, err := search.Open(l.Index())
	require.NoError(t, err)
	defer s.Close()

	versions, err := s.Versions(context.Background(), "html")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	themes, err := s.Extensions(context.Background(), search.ListParams{Provides: "themes", MaxSchemaVersion: 1})
	require.NoError(t, err)
	require.Len(t, themes, 1)
	assert.Equal(t, "gone", themes[0].ID, "records are indexed even when their archive is missing")

	store, err := journal.NewSQLiteStore(cfg.Mirror.Journal)
	require.NoError(t, err)
	defer store.Close()

	run, err := store.LatestRun()
	require.NoError(t, err)
	problems, err := store.ListProblems(run)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, "gone", problems[0].ID)
	assert.Equal(t, journal.StatusNotFound, problems[0].Status)
}

func TestMirror_SecondRunReusesArchives(t *testing.T) {
	registry := newFakeRegistry(t, testCatalog)
	cfg := testConfig(t, registry.URL)

	require.NoError(t, runMirror(t, cfg))
	first := registry.downloads.Load()

	require.NoError(t, runMirror(t, cfg))

	// Only the archive that was never fetched is requested again
	assert.Equal(t, first+1, registry.downloads.Load())
	assert.FileExists(t, layout.New(cfg.Output).Catalog())
}

func TestMirror_MissingIDFailsBeforeQueueing(t *testing.T) {
	registry := newFakeRegistry(t, `{"data":[
	  {"id":"html","version":"0.1.0"},
	  {"name":"anonymous","version":"1.0.0"}
	]}`)
	cfg := testConfig(t, registry.URL)
	l := layout.New(cfg.Output)

	err := runMirror(t, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, catalog.ErrMissingField))
	assert.Contains(t, err.Error(), PhaseExtensions)

	assert.Zero(t, registry.downloads.Load())
	assert.NoFileExists(t, l.Catalog())
	assert.FileExists(t, l.StagedCatalog(), "staging is left for inspection")
}

func TestMirror_CatalogNotFound(t *testing.T) {
	registry := newFakeRegistry(t, "")
	cfg := testConfig(t, registry.URL)

	err := runMirror(t, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCatalogNotFetched)
	assert.Contains(t, err.Error(), PhaseMetadata)
	assert.NoFileExists(t, layout.New(cfg.Output).Catalog())
}

func TestMirror_MalformedCatalog(t *testing.T) {
	registry := newFakeRegistry(t, `{"data": [`)
	cfg := testConfig(t, registry.URL)

	err := runMirror(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), PhaseMetadata)
}

func TestMirror_ReplacesPreviousLiveSnapshot(t *testing.T) {
	registry := newFakeRegistry(t, testCatalog)
	cfg := testConfig(t, registry.URL)
	l := layout.New(cfg.Output)

	require.NoError(t, os.MkdirAll(l.Index(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(l.Index(), "old"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(l.Catalog(), []byte(`{"data":[]}`), 0o644))

	require.NoError(t, runMirror(t, cfg))

	assert.NoFileExists(t, filepath.Join(l.Index(), "old"))
	body, err := os.ReadFile(l.Catalog())
	require.NoError(t, err)
	assert.JSONEq(t, testCatalog, string(body))
}

func TestMirror_AliasFallsBackWhenNewestIsMissing(t *testing.T) {
	registry := newFakeRegistry(t, `{"data":[
	  {"id":"gone","version":"1.0.0"},
	  {"id":"gone","version":"2.0.0"}
	]}`)
	cfg := testConfig(t, registry.URL)
	l := layout.New(cfg.Output)

	require.NoError(t, os.MkdirAll(filepath.Dir(l.Archive("gone", "1.0.0")), 0o755))
	require.NoError(t, os.WriteFile(l.Archive("gone", "1.0.0"), []byte("kept"), 0o644))

	require.NoError(t, runMirror(t, cfg))

	// Only 2.0.0 was requested, and upstream does not have it
	assert.Equal(t, int64(1), registry.downloads.Load())

	link, err := os.Readlink(l.Alias("gone"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("1.0.0", layout.ArchiveFile), link)

	body, err := os.ReadFile(l.Alias("gone"))
	require.NoError(t, err)
	assert.Equal(t, "kept", string(body))
}

func TestMirror_ReportsFetchMetrics(t *testing.T) {
	registry := newFakeRegistry(t, testCatalog)
	cfg := testConfig(t, registry.URL)
	collector := metrics.New()

	m, err := New(cfg, zap.NewNop(), WithMetrics(collector))
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Run(context.Background()))

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	// The catalog and both html archives are downloaded, gone is missing upstream
	assert.Contains(t, body, `extmirror_fetches_total{status="downloaded"} 3`)
	assert.Contains(t, body, `extmirror_fetches_total{status="not_found"} 1`)
	assert.Contains(t, body, "extmirror_inflight_workers 0")
}
