package workspace

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// bundleContextFiles are the non-output files included in every bundle when
// present: the plan and request for reproducibility, the agent's last
// message for offline review.
var bundleContextFiles = []string{
	"job/execution-plan.json",
	"job/request.md",
	"logs/agent-last-message.md",
}

// ArtifactEntry describes one file inside the bundle.
type ArtifactEntry struct {
	RelativePath string `json:"relative_path"`
	SizeBytes    int64  `json:"size_bytes"`
	SHA256       string `json:"sha256"`

	absolutePath string
}

// Manifest is the deterministic index written as bundle/manifest.json and
// embedded at the top level of result.zip. Entries are sorted by relative
// path so rebuilding the bundle from the same tree yields identical entry
// digests.
type Manifest struct {
	JobID       string          `json:"job_id"`
	SessionID   string          `json:"session_id,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
	Entries     []ArtifactEntry `json:"entries"`
}

// Bundler collects outputs, builds the manifest, and zips the result.
type Bundler struct{}

// NewBundler returns a Bundler.
func NewBundler() *Bundler {
	return &Bundler{}
}

// CollectOutputs walks outputs/** and returns one entry per regular file,
// sorted by relative path. Files outside outputs/ are ignored here; the
// context files are added separately by BuildBundle.
func (b *Bundler) CollectOutputs(workspaceDir string) ([]ArtifactEntry, error) {
	outputsRoot := filepath.Join(workspaceDir, "outputs")
	var entries []ArtifactEntry

	err := filepath.WalkDir(outputsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		entry, err := b.entryFor(workspaceDir, path)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bundle: collect outputs: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelativePath < entries[j].RelativePath
	})
	return entries, nil
}

// BuildBundle assembles bundle/result.zip from outputs/**, the context
// files, and a manifest.json, and returns the bundle path with the written
// manifest. The zip entry order follows the sorted manifest.
func (b *Bundler) BuildBundle(workspaceDir, jobID, sessionID string) (string, *Manifest, error) {
	entries, err := b.CollectOutputs(workspaceDir)
	if err != nil {
		return "", nil, err
	}
	for _, relative := range bundleContextFiles {
		path := filepath.Join(workspaceDir, filepath.FromSlash(relative))
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		entry, err := b.entryFor(workspaceDir, path)
		if err != nil {
			return "", nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelativePath < entries[j].RelativePath
	})

	manifest := &Manifest{
		JobID:       jobID,
		SessionID:   sessionID,
		GeneratedAt: time.Now().UTC(),
		Entries:     entries,
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("bundle: marshal manifest: %w", err)
	}
	manifestBytes = append(manifestBytes, '\n')

	bundleDir := filepath.Join(workspaceDir, "bundle")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("bundle: create dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "manifest.json"), manifestBytes, 0o644); err != nil {
		return "", nil, fmt.Errorf("bundle: write manifest: %w", err)
	}

	bundlePath := filepath.Join(bundleDir, "result.zip")
	if err := b.writeZip(bundlePath, entries, manifestBytes); err != nil {
		return "", nil, err
	}
	return bundlePath, manifest, nil
}

func (b *Bundler) writeZip(bundlePath string, entries []ArtifactEntry, manifestBytes []byte) error {
	out, err := os.Create(bundlePath)
	if err != nil {
		return fmt.Errorf("bundle: create zip: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, entry := range entries {
		w, err := zw.Create(entry.RelativePath)
		if err != nil {
			return fmt.Errorf("bundle: add %s: %w", entry.RelativePath, err)
		}
		f, err := os.Open(entry.absolutePath)
		if err != nil {
			return fmt.Errorf("bundle: open %s: %w", entry.RelativePath, err)
		}
		if _, err := io.Copy(w, f); err != nil {
			f.Close()
			return fmt.Errorf("bundle: write %s: %w", entry.RelativePath, err)
		}
		f.Close()
	}

	w, err := zw.Create("manifest.json")
	if err != nil {
		return fmt.Errorf("bundle: add manifest: %w", err)
	}
	if _, err := w.Write(manifestBytes); err != nil {
		return fmt.Errorf("bundle: write manifest entry: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("bundle: finalize zip: %w", err)
	}
	return nil
}

func (b *Bundler) entryFor(workspaceDir, path string) (ArtifactEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ArtifactEntry{}, fmt.Errorf("bundle: stat %s: %w", path, err)
	}
	sha, err := SHA256File(path)
	if err != nil {
		return ArtifactEntry{}, err
	}
	rel, err := filepath.Rel(workspaceDir, path)
	if err != nil {
		return ArtifactEntry{}, fmt.Errorf("bundle: relativize %s: %w", path, err)
	}
	return ArtifactEntry{
		RelativePath: filepath.ToSlash(rel),
		SizeBytes:    info.Size(),
		SHA256:       sha,
		absolutePath: path,
	}, nil
}
