// Package executor implements the file-spool client for the external
// collection executor. Task specs are dropped into an outbox directory
// the executor watches; the executor reports back by writing status
// files into a status directory. Neither side ever calls the other.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencurator/opencurator/pkg/engine"
)

// SpoolClient implements engine.ExecutorClient over two shared
// directories.
type SpoolClient struct {
	outboxDir string
	statusDir string
}

// NewSpoolClient creates a client over the given spool directories,
// creating them if needed.
func NewSpoolClient(outboxDir, statusDir string) (*SpoolClient, error) {
	if outboxDir == "" || statusDir == "" {
		return nil, fmt.Errorf("outbox and status directories are required")
	}
	for _, dir := range []string{outboxDir, statusDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
		}
	}
	return &SpoolClient{
		outboxDir: outboxDir,
		statusDir: statusDir,
	}, nil
}

// Submit writes the task spec into the outbox under the handoff id. The
// write goes through a temp file and a rename so the executor never
// observes a partial spec.
func (c *SpoolClient) Submit(_ context.Context, handoffID string, spec *engine.TaskSpec) error {
	encoded, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task spec: %w", err)
	}

	tmp, err := os.CreateTemp(c.outboxDir, ".task-*")
	if err != nil {
		return fmt.Errorf("failed to create temp task file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(encoded); err != nil {
		return fmt.Errorf("failed to write task spec: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush task spec: %w", err)
	}

	final := filepath.Join(c.outboxDir, handoffID+".task.json")
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("failed to publish task spec: %w", err)
	}
	return nil
}

// statusReport is the executor's status file format.
type statusReport struct {
	Status engine.HandoffStatus `json:"status"`
	Result json.RawMessage      `json:"result,omitempty"`
}

// Status reads the executor's status file for a handoff. A missing file
// means the executor has not reported yet and maps to engine.ErrNotFound.
func (c *SpoolClient) Status(_ context.Context, handoffID string) (engine.HandoffStatus, json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(c.statusDir, handoffID+".status.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("status for handoff %s: %w", handoffID, engine.ErrNotFound)
		}
		return "", nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var report statusReport
	if err := json.Unmarshal(data, &report); err != nil {
		return "", nil, fmt.Errorf("failed to parse status file: %w", err)
	}
	if err := report.Status.Validate(); err != nil {
		return "", nil, fmt.Errorf("status file for handoff %s: %w", handoffID, err)
	}
	return report.Status, report.Result, nil
}

// StatusDir returns the directory the executor writes reports into,
// for callers that watch it for changes.
func (c *SpoolClient) StatusDir() string {
	return c.statusDir
}
