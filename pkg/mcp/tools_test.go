package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	runs   []*store.Run
	events []*store.Event

	lastRunFilter   store.RunFilter
	lastEventFilter store.EventFilter
}

func (m *mockStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "run not found")
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	m.lastRunFilter = filter
	result := make([]*store.Run, 0)
	for _, r := range m.runs {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.Project != "" && r.Project != filter.Project {
			continue
		}
		result = append(result, r)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) GetEvents(_ context.Context, runID string, _ int64) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if e.RunID == runID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *mockStore) QueryEvents(_ context.Context, filter store.EventFilter) ([]*store.Event, error) {
	m.lastEventFilter = filter
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if filter.EventType != "" && e.Type != filter.EventType {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// --- Mock Runner ---

type mockRunService struct {
	out  *engine.RunOutcome
	err  error
	reqs []engine.RunRequest
}

func (m *mockRunService) Run(_ context.Context, req engine.RunRequest) (*engine.RunOutcome, error) {
	m.reqs = append(m.reqs, req)
	if m.out != nil {
		m.out.RunID = req.RunID
	}
	return m.out, m.err
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func seededStore() *mockStore {
	now := time.Now().UTC()
	return &mockStore{
		runs: []*store.Run{
			{ID: "run-1", Project: "shop", TestFile: "login.md", Status: store.RunStatusPassed, CreatedAt: now},
			{ID: "run-2", Project: "shop", TestFile: "cart.md", Status: store.RunStatusFailed, Error: "step 2 failed", CreatedAt: now},
			{ID: "run-3", Project: "blog", TestFile: "post.md", Status: store.RunStatusPassed, CreatedAt: now},
		},
		events: []*store.Event{
			{ID: 1, RunID: "run-1", Type: schema.EventRunStarted, Sequence: 1},
			{ID: 2, RunID: "run-1", Type: schema.EventStepPassed, StepID: "step-1", Sequence: 2},
			{ID: 3, RunID: "run-2", Type: schema.EventStepFailed, StepID: "step-2", Sequence: 1},
		},
	}
}

// --- Tests ---

func TestRunToolWithInput(t *testing.T) {
	runner := &mockRunService{out: &engine.RunOutcome{
		Status:     schema.StatusPassed,
		ReportPath: "/tmp/out/result.json",
		State: schema.WorkflowState{
			Scenario: &schema.Scenario{ID: "sc-1", Steps: []string{"Open /login"}},
			Result: &schema.TestResult{
				Status: schema.StatusPassed,
				Steps:  []schema.StepResult{{StepID: "step-1", Index: 1, Status: schema.StatusPassed}},
			},
			Analysis: &schema.Analysis{Summary: "all good"},
		},
	}}
	s := NewStepwiseServer(StepwiseServerDeps{Runner: runner})

	result, err := s.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
		"input": "Open /login\nExpect the form",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.Len(t, runner.reqs, 1)
	assert.Equal(t, "Open /login\nExpect the form", runner.reqs[0].Input)
	assert.NotEmpty(t, runner.reqs[0].RunID)

	var sum runSummary
	unmarshalResult(t, result, &sum)
	assert.Equal(t, runner.reqs[0].RunID, sum.RunID)
	assert.Equal(t, schema.StatusPassed, sum.Status)
	assert.Equal(t, "/tmp/out/result.json", sum.ReportPath)
	assert.Len(t, sum.Steps, 1)
	assert.Contains(t, sum.Analysis, "all good")
}

func TestRunToolWithProjectFile(t *testing.T) {
	runner := &mockRunService{out: &engine.RunOutcome{Status: schema.StatusFailed, State: schema.WorkflowState{
		Result: &schema.TestResult{Status: schema.StatusFailed, Error: "step 1 failed: timeout"},
	}}}
	s := NewStepwiseServer(StepwiseServerDeps{Runner: runner})

	result, err := s.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
		"project":   "shop",
		"test_file": "login.md",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "a failing test is still a successful tool call")

	assert.Equal(t, "shop", runner.reqs[0].Project)
	assert.Equal(t, "login.md", runner.reqs[0].TestFile)

	var sum runSummary
	unmarshalResult(t, result, &sum)
	assert.Equal(t, schema.StatusFailed, sum.Status)
	assert.Equal(t, "step 1 failed: timeout", sum.Error)
}

func TestRunToolMissingParams(t *testing.T) {
	s := NewStepwiseServer(StepwiseServerDeps{Runner: &mockRunService{}})

	result, err := s.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{"project": "shop"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolRunnerError(t *testing.T) {
	runner := &mockRunService{err: schema.NewError(schema.ErrCodeValidation, "unknown project")}
	s := NewStepwiseServer(StepwiseServerDeps{Runner: runner})

	result, err := s.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
		"project": "nope", "test_file": "a.md",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "unknown project")
}

func TestRunToolWithoutSessionLeavesNoMapping(t *testing.T) {
	runner := &mockRunService{out: &engine.RunOutcome{Status: schema.StatusPassed}}
	s := NewStepwiseServer(StepwiseServerDeps{Runner: runner})

	_, err := s.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{"input": "x"}))
	require.NoError(t, err)

	_, ok := s.sessions.SessionFor(runner.reqs[0].RunID)
	assert.False(t, ok)
}

func TestStatusTool(t *testing.T) {
	s := NewStepwiseServer(StepwiseServerDeps{Store: seededStore()})

	result, err := s.handleStatus(context.Background(), buildRequest("stepwise.status", map[string]any{
		"run_id": "run-2",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "run-2")
	assert.Contains(t, text, "step 2 failed")
	assert.NotContains(t, text, `"events"`)
}

func TestStatusToolWithEvents(t *testing.T) {
	s := NewStepwiseServer(StepwiseServerDeps{Store: seededStore()})

	result, err := s.handleStatus(context.Background(), buildRequest("stepwise.status", map[string]any{
		"run_id":         "run-1",
		"include_events": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Run    store.Run     `json:"run"`
		Events []store.Event `json:"events"`
	}
	unmarshalResult(t, result, &resp)
	assert.Equal(t, "run-1", resp.Run.ID)
	assert.Len(t, resp.Events, 2)
}

func TestStatusToolErrors(t *testing.T) {
	s := NewStepwiseServer(StepwiseServerDeps{Store: seededStore()})

	result, err := s.handleStatus(context.Background(), buildRequest("stepwise.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(context.Background(), buildRequest("stepwise.status", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	noStore := NewStepwiseServer(StepwiseServerDeps{})
	result, err = noStore.handleStatus(context.Background(), buildRequest("stepwise.status", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryRuns(t *testing.T) {
	ms := seededStore()
	s := NewStepwiseServer(StepwiseServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{
		"resource": "runs",
		"filter": map[string]any{
			"project": "shop",
			"status":  "failed",
			"limit":   float64(10),
			"since":   "2026-01-01T00:00:00Z",
		},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Runs []store.Run `json:"runs"`
	}
	unmarshalResult(t, result, &resp)
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "run-2", resp.Runs[0].ID)

	assert.Equal(t, 10, ms.lastRunFilter.Limit)
	require.NotNil(t, ms.lastRunFilter.Since)
	assert.Equal(t, 2026, ms.lastRunFilter.Since.Year())
}

func TestQueryRunsDefaultLimit(t *testing.T) {
	ms := seededStore()
	s := NewStepwiseServer(StepwiseServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{"resource": "runs"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, 50, ms.lastRunFilter.Limit)
	assert.Nil(t, ms.lastRunFilter.Status)
}

func TestQueryEvents(t *testing.T) {
	ms := seededStore()
	s := NewStepwiseServer(StepwiseServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": schema.EventStepFailed},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Events []store.Event `json:"events"`
	}
	unmarshalResult(t, result, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "run-2", resp.Events[0].RunID)
	assert.Equal(t, 100, ms.lastEventFilter.Limit)
}

func TestQueryEventsRequiresScope(t *testing.T) {
	s := NewStepwiseServer(StepwiseServerDeps{Store: seededStore()})

	result, err := s.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{
		"resource": "events",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewStepwiseServer(StepwiseServerDeps{Store: seededStore()})

	result, err := s.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{
		"resource": "templates",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	f := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(f, "a", 0))
	assert.Equal(t, 4, extractInt(f, "b", 0))
	assert.Equal(t, 5, extractInt(f, "c", 0))
	assert.Equal(t, 9, extractInt(f, "d", 9))
	assert.Equal(t, 7, extractInt(nil, "a", 7))
}

func TestExtractTime(t *testing.T) {
	f := map[string]any{"ok": "2026-03-01T10:00:00Z", "bad": "yesterday"}
	got := extractTime(f, "ok")
	require.NotNil(t, got)
	assert.Equal(t, time.March, got.Month())
	assert.Nil(t, extractTime(f, "bad"))
	assert.Nil(t, extractTime(nil, "ok"))
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
