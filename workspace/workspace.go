// Package workspace manages the per-run filesystem directories described in
// spec.md §4.5/§6: a library of reusable input files, per-run session
// input/output scratch directories, and a promoted-artifacts tier with a
// human-readable manifest. Directories, not the persistence store, are the
// source of truth for file artifacts.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/flowforge/kernel/kernelmodel"
	"github.com/flowforge/kernel/telemetry"
)

// ArtifactRetention is how long a promoted artifact's manifest entry claims
// to remain valid (spec.md §4.5: "expires_at = now + 7 days").
const ArtifactRetention = 7 * 24 * time.Hour

// Initializer creates and populates workspace directories for runs.
type Initializer struct {
	root string
	log  telemetry.Logger
}

// New constructs an Initializer rooted at storageRoot. Directories are
// created lazily, on first use.
func New(storageRoot string, log telemetry.Logger) *Initializer {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Initializer{root: storageRoot, log: log}
}

// LibraryDir is the permanent, long-lived library of reusable input files.
func (w *Initializer) LibraryDir() string {
	return filepath.Join(w.root, "library")
}

// SessionInputDir is the per-run scratch directory agents read attached
// files from.
func (w *Initializer) SessionInputDir(runID kernelmodel.RunID) string {
	return filepath.Join(w.root, "sessions", string(runID), "input")
}

// SessionOutputDir is the per-run scratch directory agents write generated
// files to before they are promoted.
func (w *Initializer) SessionOutputDir(runID kernelmodel.RunID) string {
	return filepath.Join(w.root, "sessions", string(runID), "output")
}

// ArtifactsDir is where promoted files and the manifest for runID live.
func (w *Initializer) ArtifactsDir(runID kernelmodel.RunID) string {
	return filepath.Join(w.root, "artifacts", string(runID))
}

// PrepareRun creates a run's input/output directories and copies each
// attached library file into input. A missing library file only produces a
// warning log — attachment is best-effort, per spec.md §4.5.
func (w *Initializer) PrepareRun(ctx context.Context, runID kernelmodel.RunID, attachedFiles []string) error {
	in := w.SessionInputDir(runID)
	out := w.SessionOutputDir(runID)
	if err := os.MkdirAll(in, 0o755); err != nil {
		return fmt.Errorf("workspace: create input dir: %w", err)
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("workspace: create output dir: %w", err)
	}
	for _, name := range attachedFiles {
		safe, err := sanitizeFilename(name)
		if err != nil {
			w.log.Warn(ctx, "rejected unsafe attached filename", "run_id", string(runID), "file", name, "error", err.Error())
			continue
		}
		src := filepath.Join(w.LibraryDir(), safe)
		dst := filepath.Join(in, safe)
		if err := copyFile(src, dst); err != nil {
			w.log.Warn(ctx, "attached library file missing or unreadable", "run_id", string(runID), "file", safe, "error", err.Error())
			continue
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// GeneratedFile describes one file a node reported generating, ready for
// promotion.
type GeneratedFile struct {
	AgentID kernelmodel.NodeID `json:"agent_id"`
	Name    string             `json:"name"`
}

// Manifest is the human-readable metadata.json written alongside a run's
// promoted artifacts.
type Manifest struct {
	RunID         kernelmodel.RunID `json:"run_id"`
	WorkflowID    string            `json:"workflow_id"`
	UserDirective string            `json:"user_directive,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Files         []ManifestEntry   `json:"files"`
}

// ManifestEntry describes one promoted file.
type ManifestEntry struct {
	AgentID     kernelmodel.NodeID `json:"agent_id"`
	Filename    string             `json:"filename"`
	GeneratedAt time.Time          `json:"generated_at"`
	SizeBytes   int64              `json:"size_bytes"`
	ContentType string             `json:"content_type"`
}

// PromoteArtifacts copies each generated file from the run's session output
// directory into its artifacts directory and appends an entry to
// metadata.json. Missing source files are skipped with a warning; promotion
// never fails the run (spec.md §4.5, §7 transient-I/O policy).
func (w *Initializer) PromoteArtifacts(ctx context.Context, runID kernelmodel.RunID, workflowID, userDirective string, files []GeneratedFile) error {
	artifactsDir := w.ArtifactsDir(runID)
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return fmt.Errorf("workspace: create artifacts dir: %w", err)
	}

	manifest, err := w.readManifest(artifactsDir)
	if err != nil {
		manifest = &Manifest{
			RunID:      runID,
			WorkflowID: workflowID,
			CreatedAt:  time.Now(),
		}
	}
	manifest.UserDirective = userDirective
	manifest.ExpiresAt = time.Now().Add(ArtifactRetention)

	for _, f := range files {
		name, err := sanitizeFilename(f.Name)
		if err != nil {
			w.log.Warn(ctx, "rejected unsafe generated filename", "run_id", string(runID), "file", f.Name, "error", err.Error())
			continue
		}
		src := filepath.Join(w.SessionOutputDir(runID), name)
		dst := filepath.Join(artifactsDir, name)
		info, statErr := os.Stat(src)
		if statErr != nil {
			w.log.Warn(ctx, "generated file missing at promotion time", "run_id", string(runID), "file", name, "error", statErr.Error())
			continue
		}
		if err := copyFile(src, dst); err != nil {
			w.log.Warn(ctx, "failed to promote generated file", "run_id", string(runID), "file", name, "error", err.Error())
			continue
		}
		manifest.Files = append(manifest.Files, ManifestEntry{
			AgentID:     f.AgentID,
			Filename:    name,
			GeneratedAt: time.Now(),
			SizeBytes:   info.Size(),
			ContentType: contentTypeFor(name),
		})
	}

	return w.writeManifest(artifactsDir, manifest)
}

func (w *Initializer) manifestPath(artifactsDir string) string {
	return filepath.Join(artifactsDir, "metadata.json")
}

func (w *Initializer) readManifest(artifactsDir string) (*Manifest, error) {
	body, err := os.ReadFile(w.manifestPath(artifactsDir))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (w *Initializer) writeManifest(artifactsDir string, m *Manifest) error {
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal manifest: %w", err)
	}
	if err := os.WriteFile(w.manifestPath(artifactsDir), body, 0o644); err != nil {
		return fmt.Errorf("workspace: write manifest: %w", err)
	}
	return nil
}

// ReadManifest exposes the promoted-artifact manifest for a run, for the
// REST artifact-listing endpoints.
func (w *Initializer) ReadManifest(runID kernelmodel.RunID) (*Manifest, error) {
	return w.readManifest(w.ArtifactsDir(runID))
}

// ListLibraryFiles returns the names of files currently stored in the
// library directory, for the GET /runtime/library endpoint.
func (w *Initializer) ListLibraryFiles() ([]string, error) {
	entries, err := os.ReadDir(w.LibraryDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: read library dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// sanitizeFilename reduces an untrusted filename to its base component, so
// it can never escape the directory it is joined into (e.g. "../../etc/passwd"
// or an absolute path collapses to "passwd").
func sanitizeFilename(name string) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "", fmt.Errorf("workspace: invalid filename %q", name)
	}
	return base, nil
}

// SaveLibraryFile writes an uploaded file into the library directory,
// creating it on first use.
func (w *Initializer) SaveLibraryFile(name string, body io.Reader) error {
	name, err := sanitizeFilename(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.LibraryDir(), 0o755); err != nil {
		return fmt.Errorf("workspace: create library dir: %w", err)
	}
	dst, err := os.Create(filepath.Join(w.LibraryDir(), name))
	if err != nil {
		return fmt.Errorf("workspace: create library file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, body); err != nil {
		return fmt.Errorf("workspace: write library file: %w", err)
	}
	return nil
}

// ArtifactFilePath returns the on-disk path of one promoted artifact file,
// for the fetch endpoint. An unsafe filename resolves to the artifacts
// directory itself rather than to a file inside it.
func (w *Initializer) ArtifactFilePath(runID kernelmodel.RunID, filename string) string {
	safe, err := sanitizeFilename(filename)
	if err != nil {
		return w.ArtifactsDir(runID)
	}
	return filepath.Join(w.ArtifactsDir(runID), safe)
}

// DeleteArtifact removes one promoted file and its manifest entry. Deleting
// a file that was never promoted is a no-op.
func (w *Initializer) DeleteArtifact(runID kernelmodel.RunID, filename string) error {
	filename, err := sanitizeFilename(filename)
	if err != nil {
		return err
	}
	artifactsDir := w.ArtifactsDir(runID)
	if err := os.Remove(filepath.Join(artifactsDir, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workspace: delete artifact file: %w", err)
	}
	manifest, err := w.readManifest(artifactsDir)
	if err != nil {
		return nil
	}
	kept := manifest.Files[:0]
	for _, f := range manifest.Files {
		if f.Filename != filename {
			kept = append(kept, f)
		}
	}
	manifest.Files = kept
	return w.writeManifest(artifactsDir, manifest)
}

func contentTypeFor(filename string) string {
	switch filepath.Ext(filename) {
	case ".json":
		return "application/json"
	case ".txt", ".md":
		return "text/plain"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
