package workspace

import (
	"archive/zip"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedWorkspace(t *testing.T) (*Manager, string) {
	t.Helper()
	manager := NewManager(t.TempDir(), 1<<20)
	root, err := manager.Create("job-bundle")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "outputs", "charts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "outputs", "report.md"), []byte("# report\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "outputs", "charts", "overview.png"), []byte{0x89, 0x50, 0x4e, 0x47}, 0o644))
	require.NoError(t, manager.WriteRequest(root, "summarize"))
	require.NoError(t, manager.WriteExecutionPlan(root, map[string]any{"selected_skill": "data-analysis"}))
	_, err = manager.WriteLastMessage(root, "done")
	require.NoError(t, err)

	return manager, root
}

func TestCollectOutputsSorted(t *testing.T) {
	_, root := seedWorkspace(t)
	bundler := NewBundler()

	entries, err := bundler.CollectOutputs(root)
	require.NoError(t, err)

	require.Len(t, entries, 2)
	paths := []string{entries[0].RelativePath, entries[1].RelativePath}
	assert.True(t, sort.StringsAreSorted(paths))
	assert.Equal(t, "outputs/charts/overview.png", entries[0].RelativePath)
	assert.Equal(t, "outputs/report.md", entries[1].RelativePath)
}

func TestCollectOutputsMissingDir(t *testing.T) {
	bundler := NewBundler()

	entries, err := bundler.CollectOutputs(t.TempDir())

	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildBundleContents(t *testing.T) {
	_, root := seedWorkspace(t)
	bundler := NewBundler()

	bundlePath, manifest, err := bundler.BuildBundle(root, "job-bundle", "ses-1")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "bundle", "result.zip"), bundlePath)
	assert.Equal(t, "job-bundle", manifest.JobID)
	assert.Equal(t, "ses-1", manifest.SessionID)

	var paths []string
	for _, entry := range manifest.Entries {
		paths = append(paths, entry.RelativePath)
	}
	assert.True(t, sort.StringsAreSorted(paths))
	assert.Contains(t, paths, "outputs/report.md")
	assert.Contains(t, paths, "job/request.md")
	assert.Contains(t, paths, "job/execution-plan.json")
	assert.Contains(t, paths, "logs/agent-last-message.md")

	reader, err := zip.OpenReader(bundlePath)
	require.NoError(t, err)
	defer reader.Close()

	names := map[string]bool{}
	for _, f := range reader.File {
		names[f.Name] = true
	}
	assert.True(t, names["manifest.json"])
	assert.True(t, names["outputs/report.md"])
	assert.True(t, names["job/request.md"])
	assert.True(t, names["job/execution-plan.json"])
}

func TestBuildBundleManifestMatchesSidecar(t *testing.T) {
	_, root := seedWorkspace(t)
	bundler := NewBundler()

	_, manifest, err := bundler.BuildBundle(root, "job-bundle", "")
	require.NoError(t, err)

	sidecar, err := os.ReadFile(filepath.Join(root, "bundle", "manifest.json"))
	require.NoError(t, err)

	var decoded Manifest
	require.NoError(t, json.Unmarshal(sidecar, &decoded))
	assert.Equal(t, manifest.JobID, decoded.JobID)
	assert.Equal(t, len(manifest.Entries), len(decoded.Entries))
	for i := range manifest.Entries {
		assert.Equal(t, manifest.Entries[i].SHA256, decoded.Entries[i].SHA256)
	}
}

func TestBuildBundleDeterministicEntries(t *testing.T) {
	_, root := seedWorkspace(t)
	bundler := NewBundler()

	_, first, err := bundler.BuildBundle(root, "job-bundle", "")
	require.NoError(t, err)
	_, second, err := bundler.BuildBundle(root, "job-bundle", "")
	require.NoError(t, err)

	require.Equal(t, len(first.Entries), len(second.Entries))
	for i := range first.Entries {
		assert.Equal(t, first.Entries[i].RelativePath, second.Entries[i].RelativePath)
		assert.Equal(t, first.Entries[i].SHA256, second.Entries[i].SHA256)
	}
}
