package app

import (
	"os"
	"path/filepath"
	"testing"

	"extmirror/internal/catalog"
	"extmirror/internal/layout"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPlanner() *ArchivePlanner {
	return &ArchivePlanner{
		apiURL: "https://api.example.com/",
		layout: layout.New("/out"),
		fs:     afero.NewMemMapFs(),
		logger: zap.NewNop(),
	}
}

// aliasTargets plans records, writes the archives of the versions listed in
// onDisk and returns the version each id's alias resolves to
func aliasTargets(t *testing.T, p *ArchivePlanner, records []catalog.Record, onDisk ...string) map[string]string {
	t.Helper()
	tasks, err := p.Plan(records)
	require.NoError(t, err)
	require.Len(t, tasks, len(records))

	for _, task := range tasks {
		for _, key := range onDisk {
			if key == task.ID+"@"+task.Version {
				require.NoError(t, afero.WriteFile(p.fs, task.Target, []byte(key), 0o644))
			}
		}
	}

	out := make(map[string]string)
	for alias, target := range p.Aliases(tasks) {
		for _, task := range tasks {
			if task.Target == target {
				assert.Equal(t, p.layout.Alias(task.ID), alias)
				out[task.ID] = task.Version
			}
		}
	}
	return out
}

func TestPlan_TaskShape(t *testing.T) {
	tasks, err := newPlanner().Plan([]catalog.Record{{"id": "html", "version": "0.1.2"}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, "https://api.example.com/extensions/html/0.1.2/download", task.URL)
	assert.Equal(t, layout.New("/out").Archive("html", "0.1.2"), task.Target)
	assert.Empty(t, task.AliasPath)
	assert.False(t, task.Force)
	assert.Nil(t, task.Size)
}

func TestAliases_FollowHighestVersion(t *testing.T) {
	got := aliasTargets(t, newPlanner(), []catalog.Record{
		{"id": "a", "version": "1.10.0"},
		{"id": "a", "version": "1.9.0"},
		{"id": "b", "version": "0.1.0"},
		{"id": "b", "version": "0.2.0"},
	}, "a@1.10.0", "a@1.9.0", "b@0.1.0", "b@0.2.0")

	assert.Equal(t, map[string]string{"a": "1.10.0", "b": "0.2.0"}, got)
}

func TestAliases_NonSemverLaterWins(t *testing.T) {
	got := aliasTargets(t, newPlanner(), []catalog.Record{
		{"id": "a", "version": "2.0.0"},
		{"id": "a", "version": "nightly"},
	}, "a@2.0.0", "a@nightly")

	assert.Equal(t, map[string]string{"a": "nightly"}, got)
}

func TestAliases_SkipVersionsNotOnDisk(t *testing.T) {
	got := aliasTargets(t, newPlanner(), []catalog.Record{
		{"id": "gone", "version": "1.0.0"},
		{"id": "gone", "version": "2.0.0"},
		{"id": "missing", "version": "0.1.0"},
	}, "gone@1.0.0")

	assert.Equal(t, map[string]string{"gone": "1.0.0"}, got)
}

func TestLinkAliases_FallsBackWhenNewestMissing(t *testing.T) {
	p := newPlanner()
	p.layout = layout.New(t.TempDir())
	p.fs = afero.NewOsFs()

	tasks, err := p.Plan([]catalog.Record{
		{"id": "gone", "version": "1.0.0"},
		{"id": "gone", "version": "2.0.0"},
	})
	require.NoError(t, err)
	require.NoError(t, p.fs.MkdirAll(filepath.Dir(tasks[0].Target), 0o755))
	require.NoError(t, afero.WriteFile(p.fs, tasks[0].Target, []byte("v1"), 0o644))

	assert.Equal(t, 1, p.LinkAliases(tasks))

	link, err := os.Readlink(p.layout.Alias("gone"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("1.0.0", layout.ArchiveFile), link)
}

func TestPlan_RejectsInvalidRecords(t *testing.T) {
	tests := []struct {
		name    string
		records []catalog.Record
		target  error
	}{
		{"missing version", []catalog.Record{{"id": "a", "version": "1.0.0"}, {"id": "b"}}, catalog.ErrMissingField},
		{"traversal id", []catalog.Record{{"id": "..", "version": "1.0.0"}}, layout.ErrUnsafeSegment},
		{"slash version", []catalog.Record{{"id": "a", "version": "1/2"}}, layout.ErrUnsafeSegment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := newPlanner().Plan(tt.records)
			assert.ErrorIs(t, err, tt.target)
			assert.Nil(t, tasks)
		})
	}
}

func TestCatalogURL(t *testing.T) {
	assert.Equal(t, "http://x/extensions?max_schema_version=3", catalogURL("http://x/", 3))
	assert.Equal(t, "http://x/extensions/my%20ext/1.0.0/download", archiveURL("http://x", "my ext", "1.0.0"))
}
