package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencurator/opencurator/pkg/engine"
)

// LocalEvidenceSink copies validated artifacts into an evidence
// directory, writing a sidecar metadata file with a content digest next
// to each artifact. Ingestion is write-once: an existing evidence file
// is never overwritten.
type LocalEvidenceSink struct {
	root string
}

// NewLocalEvidenceSink creates a sink rooted at the given directory.
func NewLocalEvidenceSink(root string) (*LocalEvidenceSink, error) {
	if root == "" {
		return nil, fmt.Errorf("evidence root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve evidence root: %w", err)
	}
	return &LocalEvidenceSink{root: abs}, nil
}

// evidenceMeta is the sidecar record written next to each ingested
// artifact.
type evidenceMeta struct {
	Path       string              `json:"path"`
	Kind       engine.ArtifactKind `json:"kind"`
	Size       int64               `json:"size"`
	SHA256     string              `json:"sha256"`
	SourceTime time.Time           `json:"source_time"`
	IngestedAt time.Time           `json:"ingested_at"`
}

// Ingest copies the artifact into the evidence tree and writes its
// sidecar. Re-ingesting an already present artifact is a no-op.
func (s *LocalEvidenceSink) Ingest(_ context.Context, desc engine.OutputDescriptor, info *engine.ArtifactInfo, r io.Reader) error {
	clean := filepath.Clean(filepath.FromSlash(desc.Path))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("evidence path %q escapes the sink root", desc.Path)
	}
	dest := filepath.Join(s.root, clean)

	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create evidence directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".ingest-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to finalize artifact: %w", err)
	}

	meta := evidenceMeta{
		Path:       desc.Path,
		Kind:       desc.Kind,
		Size:       size,
		SHA256:     hex.EncodeToString(hasher.Sum(nil)),
		SourceTime: info.ModTime,
		IngestedAt: time.Now().UTC(),
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode evidence metadata: %w", err)
	}
	if err := os.WriteFile(dest+".meta.json", encoded, 0o644); err != nil {
		return fmt.Errorf("failed to write evidence metadata: %w", err)
	}
	return nil
}
