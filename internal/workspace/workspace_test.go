package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), 1024)
}

func TestCreateBuildsLayout(t *testing.T) {
	manager := newTestManager(t)

	root, err := manager.Create("job-1")
	require.NoError(t, err)

	for _, segment := range []string{"job", "inputs", "outputs", "logs", "bundle"} {
		info, err := os.Stat(filepath.Join(root, segment))
		require.NoError(t, err, segment)
		assert.True(t, info.IsDir())
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.csv":          "report.csv",
		"../../etc/passwd":    "passwd",
		"my file (final).csv": "my_file_final_.csv",
		"数据.csv":              "_.csv",
		"":                    "upload.bin",
		"..":                  "upload.bin",
	}
	for input, want := range cases {
		assert.Equal(t, want, SanitizeFilename(input), "input %q", input)
	}
}

func TestStoreInputRejectsEmptyAndOversized(t *testing.T) {
	manager := newTestManager(t)
	root, err := manager.Create("job-2")
	require.NoError(t, err)

	_, err = manager.StoreInput(root, "empty.txt", nil, "text/plain")
	assert.Error(t, err)

	big := make([]byte, 2048)
	_, err = manager.StoreInput(root, "big.bin", big, "application/octet-stream")
	assert.Error(t, err)
}

func TestStoreInputCollisionSuffix(t *testing.T) {
	manager := newTestManager(t)
	root, err := manager.Create("job-3")
	require.NoError(t, err)

	first, err := manager.StoreInput(root, "data.csv", []byte("a,b\n1,2\n"), "text/csv")
	require.NoError(t, err)
	second, err := manager.StoreInput(root, "data.csv", []byte("c,d\n3,4\n"), "text/csv")
	require.NoError(t, err)

	assert.Equal(t, "inputs/data.csv", first.RelativePath)
	assert.Equal(t, "inputs/data_1.csv", second.RelativePath)
	assert.NotEqual(t, first.SHA256, second.SHA256)
}

func TestStoreInputRecordsDigestAndSize(t *testing.T) {
	manager := newTestManager(t)
	root, err := manager.Create("job-4")
	require.NoError(t, err)

	content := []byte("hello world\n")
	stored, err := manager.StoreInput(root, "greeting.txt", content, "text/plain")
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), stored.SizeBytes)
	assert.Equal(t, SHA256Bytes(content), stored.SHA256)

	onDisk, err := SHA256File(stored.AbsolutePath)
	require.NoError(t, err)
	assert.Equal(t, stored.SHA256, onDisk)
}

func TestWriteRequestTrims(t *testing.T) {
	manager := newTestManager(t)
	root, err := manager.Create("job-5")
	require.NoError(t, err)

	require.NoError(t, manager.WriteRequest(root, "  analyze the data  \n"))

	data, err := os.ReadFile(filepath.Join(root, "job", "request.md"))
	require.NoError(t, err)
	assert.Equal(t, "analyze the data\n", string(data))
}

func TestExecutionPlanRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	root, err := manager.Create("job-6")
	require.NoError(t, err)

	plan := map[string]any{"selected_skill": "general-default"}
	require.NoError(t, manager.WriteExecutionPlan(root, plan))

	raw, err := manager.ReadExecutionPlan(root)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "general-default")
}

func TestWriteLastMessage(t *testing.T) {
	manager := newTestManager(t)
	root, err := manager.Create("job-7")
	require.NoError(t, err)

	path, err := manager.WriteLastMessage(root, "all done")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "logs", "agent-last-message.md"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "all done", string(data))
}
