// Package workspace manages the per-job directory tree: layout creation,
// safe storage of uploaded inputs, job metadata files, and the packaged
// result bundle.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// filenameSafeRE matches every run of characters outside the upload
// filename whitelist.
var filenameSafeRE = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Layout directories created under DATA_ROOT/<job_id>/.
var layoutDirs = []string{"job", "inputs", "outputs", "logs", "bundle"}

// StoredFile describes an input file after it has been written to disk.
type StoredFile struct {
	RelativePath string
	AbsolutePath string
	SizeBytes    int64
	SHA256       string
	MimeType     string
}

// Manager creates and populates job workspaces under a single data root.
type Manager struct {
	dataRoot      string
	maxUploadSize int64
}

// NewManager returns a Manager rooted at dataRoot. maxUploadSize caps the
// size of a single uploaded file in bytes.
func NewManager(dataRoot string, maxUploadSize int64) *Manager {
	return &Manager{dataRoot: dataRoot, maxUploadSize: maxUploadSize}
}

// Dir returns the workspace directory of a job without creating it.
func (m *Manager) Dir(jobID string) string {
	return filepath.Join(m.dataRoot, jobID)
}

// Create builds the standard workspace layout for a job and returns its
// root directory.
func (m *Manager) Create(jobID string) (string, error) {
	root := m.Dir(jobID)
	for _, segment := range layoutDirs {
		if err := os.MkdirAll(filepath.Join(root, segment), 0o755); err != nil {
			return "", fmt.Errorf("workspace: create %s: %w", segment, err)
		}
	}
	return root, nil
}

// Remove deletes the entire workspace tree of a job.
func (m *Manager) Remove(jobID string) error {
	if err := os.RemoveAll(m.Dir(jobID)); err != nil {
		return fmt.Errorf("workspace: remove: %w", err)
	}
	return nil
}

// SanitizeFilename reduces an upload name to its basename and replaces
// every character outside the whitelist. The result is never empty.
func SanitizeFilename(name string) string {
	clean := strings.TrimSpace(filepath.Base(name))
	clean = filenameSafeRE.ReplaceAllString(clean, "_")
	if clean == "" || clean == "." || clean == ".." {
		return "upload.bin"
	}
	return clean
}

// StoreInput writes an uploaded file into inputs/. Empty uploads and files
// over the size cap are rejected. Name collisions get a numeric suffix so
// multi-file uploads never overwrite each other.
func (m *Manager) StoreInput(workspaceDir, filename string, content []byte, mimeType string) (StoredFile, error) {
	if len(content) == 0 {
		return StoredFile{}, fmt.Errorf("workspace: empty upload is not allowed: %s", filename)
	}
	if int64(len(content)) > m.maxUploadSize {
		return StoredFile{}, fmt.Errorf("workspace: file exceeds size limit: %s", filename)
	}

	safeName := SanitizeFilename(filename)
	target := filepath.Join(workspaceDir, "inputs", safeName)
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(safeName)
		stem := strings.TrimSuffix(safeName, ext)
		for idx := 1; ; idx++ {
			candidate := filepath.Join(workspaceDir, "inputs", fmt.Sprintf("%s_%d%s", stem, idx, ext))
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				target = candidate
				break
			}
		}
	}

	if err := os.WriteFile(target, content, 0o644); err != nil {
		return StoredFile{}, fmt.Errorf("workspace: store input: %w", err)
	}
	return StoredFile{
		RelativePath: filepath.ToSlash(filepath.Join("inputs", filepath.Base(target))),
		AbsolutePath: target,
		SizeBytes:    int64(len(content)),
		SHA256:       SHA256Bytes(content),
		MimeType:     mimeType,
	}, nil
}

// WriteRequest writes the user's requirement text to job/request.md.
func (m *Manager) WriteRequest(workspaceDir, requirement string) error {
	path := filepath.Join(workspaceDir, "job", "request.md")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(requirement)+"\n"), 0o644); err != nil {
		return fmt.Errorf("workspace: write request: %w", err)
	}
	return nil
}

// WriteExecutionPlan writes the skill's plan to job/execution-plan.json.
func (m *Manager) WriteExecutionPlan(workspaceDir string, plan any) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal execution plan: %w", err)
	}
	path := filepath.Join(workspaceDir, "job", "execution-plan.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("workspace: write execution plan: %w", err)
	}
	return nil
}

// ReadExecutionPlan loads job/execution-plan.json as raw JSON.
func (m *Manager) ReadExecutionPlan(workspaceDir string) (json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(workspaceDir, "job", "execution-plan.json"))
	if err != nil {
		return nil, fmt.Errorf("workspace: read execution plan: %w", err)
	}
	return json.RawMessage(data), nil
}

// WriteLastMessage stores the agent's final message under logs/.
func (m *Manager) WriteLastMessage(workspaceDir, content string) (string, error) {
	path := filepath.Join(workspaceDir, "logs", "agent-last-message.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("workspace: write last message: %w", err)
	}
	return path, nil
}

// SHA256Bytes returns the hex-encoded SHA-256 digest of content.
func SHA256Bytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SHA256File computes the digest of a file with streaming reads, so large
// artifacts do not get buffered in memory.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("workspace: hash %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("workspace: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
