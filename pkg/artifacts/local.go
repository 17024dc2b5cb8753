package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencurator/opencurator/pkg/engine"
)

// LocalStore reads executor artifacts from a local directory tree,
// keyed by logical path relative to the root.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at the given directory.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// resolve maps a logical path to a filesystem path, rejecting anything
// that would escape the root.
func (s *LocalStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes the store root", path)
	}
	return filepath.Join(s.root, clean), nil
}

// Stat returns artifact metadata, or engine.ErrNotFound if absent.
func (s *LocalStore) Stat(_ context.Context, path string) (*engine.ArtifactInfo, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s: %w", path, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("artifact %s is a directory", path)
	}
	return &engine.ArtifactInfo{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// DetectKind classifies an artifact by extension, confirmed against
// leading magic bytes where the format has them.
func (s *LocalStore) DetectKind(ctx context.Context, path string) (engine.ArtifactKind, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	head, err := readHead(full, 16)
	if err != nil {
		return "", err
	}
	return detectKind(path, head)
}

func detectKind(path string, head []byte) (engine.ArtifactKind, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		if bytes.HasPrefix(head, []byte("ID3")) || (len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0) {
			return engine.ArtifactKindAudio, nil
		}
		return "", fmt.Errorf("artifact %s has .mp3 extension but no MP3 header", path)
	case ".wav", ".flac", ".m4a", ".ogg":
		return engine.ArtifactKindAudio, nil
	case ".mp4", ".mov":
		if len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp")) {
			return engine.ArtifactKindVideo, nil
		}
		return "", fmt.Errorf("artifact %s has a video extension but no ftyp box", path)
	case ".mkv", ".webm", ".avi":
		return engine.ArtifactKindVideo, nil
	case ".pdf":
		if bytes.HasPrefix(head, []byte("%PDF")) {
			return engine.ArtifactKindDocument, nil
		}
		return "", fmt.Errorf("artifact %s has .pdf extension but no PDF header", path)
	case ".txt", ".html", ".md", ".doc", ".docx":
		return engine.ArtifactKindDocument, nil
	case ".vtt", ".srt":
		return engine.ArtifactKindTranscript, nil
	case ".json":
		// Transcripts and structured data share the extension; the
		// directory convention separates them.
		if strings.Contains(path, "transcript") {
			return engine.ArtifactKindTranscript, nil
		}
		return engine.ArtifactKindData, nil
	case ".csv", ".xml", ".ndjson":
		return engine.ArtifactKindData, nil
	default:
		return "", fmt.Errorf("artifact %s has an unsupported format", path)
	}
}

// Validate performs a kind-appropriate structural check.
func (s *LocalStore) Validate(_ context.Context, path string, kind engine.ArtifactKind) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("artifact %s is empty", path)
	}

	switch kind {
	case engine.ArtifactKindTranscript, engine.ArtifactKindData:
		if strings.ToLower(filepath.Ext(path)) == ".json" {
			data, err := os.ReadFile(full)
			if err != nil {
				return fmt.Errorf("failed to read artifact: %w", err)
			}
			if !json.Valid(data) {
				return fmt.Errorf("artifact %s is not valid JSON", path)
			}
		}
		return nil
	case engine.ArtifactKindAudio, engine.ArtifactKindVideo, engine.ArtifactKindDocument:
		// The magic check in DetectKind covers header corruption; a
		// zero-size check above covers truncated writes.
		return nil
	default:
		return fmt.Errorf("unknown artifact kind: %s", kind)
	}
}

// Open returns the artifact contents for ingestion.
func (s *LocalStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s: %w", path, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, nil
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	head := make([]byte, n)
	read, err := io.ReadFull(f, head)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return head[:read], nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact header: %w", err)
	}
	return head, nil
}
