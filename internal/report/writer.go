// Package report writes the per-run result document and hosts the run's
// screenshots in the same directory.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// FileName is the result document written into each run directory.
const FileName = "result.json"

// Document is the persisted result of one run. It is written even when the
// run failed before producing a TestResult.
type Document struct {
	RunID       string             `json:"run_id"`
	Status      schema.Status      `json:"status"`
	Project     string             `json:"project,omitempty"`
	TestFile    string             `json:"test_file,omitempty"`
	Input       string             `json:"input"`
	Scenario    *schema.Scenario   `json:"scenario,omitempty"`
	Result      *schema.TestResult `json:"execution_result,omitempty"`
	Analysis    *schema.Analysis   `json:"analysis,omitempty"`
	Error       string             `json:"error,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Writer lays out run artifacts as <dir>/<run-id>/.
type Writer struct {
	dir string
}

// NewWriter returns a Writer rooted at dir. Directories are created on write.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// RunDir returns the artifact directory of a run.
func (w *Writer) RunDir(runID string) string {
	return filepath.Join(w.dir, runID)
}

// Write stores doc as <dir>/<run-id>/result.json and returns the path.
func (w *Writer) Write(doc Document) (string, error) {
	if doc.RunID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "report: run id is required")
	}
	if doc.GeneratedAt.IsZero() {
		doc.GeneratedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("report: marshal: %w", err)
	}

	path := filepath.Join(w.RunDir(doc.RunID), FileName)
	if err := atomicWrite(path, data); err != nil {
		return "", fmt.Errorf("report: write %s: %w", path, err)
	}
	return path, nil
}

// Read loads the result document of a run.
func (w *Writer) Read(runID string) (*Document, error) {
	path := filepath.Join(w.RunDir(runID), FileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "report for run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("report: read %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("report: decode %s: %w", path, err)
	}
	return &doc, nil
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
