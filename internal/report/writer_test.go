package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	doc := Document{
		RunID:  "run-1",
		Status: schema.StatusFailed,
		Input:  "Go to /login",
		Scenario: &schema.Scenario{
			ID:    "scn-1",
			Steps: []string{"Go to /login"},
		},
		Result: &schema.TestResult{
			RunID:  "run-1",
			Status: schema.StatusFailed,
			Steps: []schema.StepResult{
				{StepID: "step-1", Index: 1, Status: schema.StatusFailed, Error: "boom", Duration: time.Second},
			},
			Outcomes:    []schema.OutcomeResult{},
			Screenshots: []string{filepath.Join(dir, "run-1", "step-1-failure.png")},
		},
		Error: "step 1 failed: boom",
	}

	path, err := w.Write(doc)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-1", FileName), path)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	got, err := w.Read("run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Equal(t, "scn-1", got.Scenario.ID)
	require.Len(t, got.Result.Steps, 1)
	assert.Equal(t, "boom", got.Result.Steps[0].Error)
	assert.False(t, got.GeneratedAt.IsZero())
}

func TestWrite_UsesExecutionResultKey(t *testing.T) {
	w := NewWriter(t.TempDir())
	path, err := w.Write(Document{RunID: "run-2", Status: schema.StatusPassed, Result: &schema.TestResult{RunID: "run-2"}})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "execution_result")
	assert.NotContains(t, raw, "analysis")
}

func TestWrite_WithoutResult(t *testing.T) {
	w := NewWriter(t.TempDir())
	_, err := w.Write(Document{RunID: "run-3", Status: schema.StatusFailed, Error: "parse scenario: empty"})
	require.NoError(t, err)

	got, err := w.Read("run-3")
	require.NoError(t, err)
	assert.Nil(t, got.Result)
	assert.Equal(t, "parse scenario: empty", got.Error)
}

func TestWrite_RequiresRunID(t *testing.T) {
	_, err := NewWriter(t.TempDir()).Write(Document{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRead_NotFound(t *testing.T) {
	_, err := NewWriter(t.TempDir()).Read("missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
