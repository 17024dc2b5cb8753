package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencurator/opencurator/pkg/engine"
)

// TestEvidenceIngest copies an artifact and writes the sidecar digest.
func TestEvidenceIngest(t *testing.T) {
	root := t.TempDir()
	sink, err := NewLocalEvidenceSink(root)
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}

	content := []byte("%PDF-1.7 evidence body")
	modTime := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	desc := engine.OutputDescriptor{Path: "documents/acme/filing-001.pdf", Kind: engine.ArtifactKindDocument}
	info := &engine.ArtifactInfo{Path: desc.Path, Size: int64(len(content)), ModTime: modTime}

	if err := sink.Ingest(context.Background(), desc, info, strings.NewReader(string(content))); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	dest := filepath.Join(root, "documents", "acme", "filing-001.pdf")
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("failed to read ingested artifact: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("ingested content mismatch: %q", got)
	}

	raw, err := os.ReadFile(dest + ".meta.json")
	if err != nil {
		t.Fatalf("failed to read sidecar: %v", err)
	}
	var meta evidenceMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("failed to decode sidecar: %v", err)
	}
	if meta.Path != desc.Path {
		t.Errorf("sidecar path = %s, want %s", meta.Path, desc.Path)
	}
	if meta.Kind != engine.ArtifactKindDocument {
		t.Errorf("sidecar kind = %s", meta.Kind)
	}
	if meta.Size != int64(len(content)) {
		t.Errorf("sidecar size = %d, want %d", meta.Size, len(content))
	}
	sum := sha256.Sum256(content)
	if meta.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sidecar digest mismatch: %s", meta.SHA256)
	}
	if !meta.SourceTime.Equal(modTime) {
		t.Errorf("sidecar source time = %v, want %v", meta.SourceTime, modTime)
	}
	if meta.IngestedAt.IsZero() {
		t.Error("sidecar ingested_at not set")
	}

	// No temp files should survive the ingest.
	entries, err := os.ReadDir(filepath.Dir(dest))
	if err != nil {
		t.Fatalf("failed to list evidence dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".ingest-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

// TestEvidenceIngestWriteOnce verifies re-ingestion never overwrites.
func TestEvidenceIngestWriteOnce(t *testing.T) {
	root := t.TempDir()
	sink, err := NewLocalEvidenceSink(root)
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}

	desc := engine.OutputDescriptor{Path: "data/acme/index.json", Kind: engine.ArtifactKindData}
	info := &engine.ArtifactInfo{Path: desc.Path, Size: 4, ModTime: time.Now().UTC()}

	if err := sink.Ingest(context.Background(), desc, info, strings.NewReader(`[1]`)); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if err := sink.Ingest(context.Background(), desc, info, strings.NewReader(`[2]`)); err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "data", "acme", "index.json"))
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if string(got) != `[1]` {
		t.Errorf("second ingest overwrote artifact: %q", got)
	}
}

// TestEvidenceIngestRejectsEscapingPaths guards the sink root.
func TestEvidenceIngestRejectsEscapingPaths(t *testing.T) {
	sink, err := NewLocalEvidenceSink(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	for _, path := range []string{"../outside.pdf", "/etc/passwd"} {
		desc := engine.OutputDescriptor{Path: path, Kind: engine.ArtifactKindDocument}
		info := &engine.ArtifactInfo{Path: path, ModTime: time.Now().UTC()}
		err := sink.Ingest(context.Background(), desc, info, strings.NewReader("x"))
		if err == nil || !strings.Contains(err.Error(), "escapes") {
			t.Errorf("Ingest(%s): expected escape rejection, got %v", path, err)
		}
	}
}

// TestNewLocalEvidenceSinkRequiresRoot rejects an empty root.
func TestNewLocalEvidenceSinkRequiresRoot(t *testing.T) {
	if _, err := NewLocalEvidenceSink(""); err == nil {
		t.Error("expected empty root to be rejected")
	}
}
