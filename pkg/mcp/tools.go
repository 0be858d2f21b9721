package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// runSummary is what stepwise.run returns to the agent.
type runSummary struct {
	RunID      string                   `json:"run_id"`
	Status     schema.Status            `json:"status"`
	ReportPath string                   `json:"report_path,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Scenario   *schema.Scenario         `json:"scenario,omitempty"`
	Steps      []schema.StepResult      `json:"steps,omitempty"`
	Outcomes   []schema.OutcomeResult   `json:"outcomes,omitempty"`
	Assertions []schema.AssertionResult `json:"assertions,omitempty"`
	Analysis   string                   `json:"analysis,omitempty"`
}

// handleRun runs a test document or project test file to completion.
func (s *StepwiseServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runReq := engine.RunRequest{
		Input:    req.GetString("input", ""),
		Project:  req.GetString("project", ""),
		TestFile: req.GetString("test_file", ""),
	}
	if runReq.Input == "" && (runReq.Project == "" || runReq.TestFile == "") {
		return mcp.NewToolResultError("either input or project and test_file are required"), nil
	}
	if s.runner == nil {
		return mcp.NewToolResultError("no runner configured"), nil
	}

	runReq.RunID = uuid.NewString()
	if s.captureSession(ctx, runReq.RunID) {
		defer s.sessions.Forget(runReq.RunID)
	}

	out, err := s.runner.Run(ctx, runReq)
	if out == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "run finished with storage error",
			slog.String("run_id", out.RunID),
			slog.String("error", err.Error()),
		)
	}
	return marshalResult(summarize(out))
}

func summarize(out *engine.RunOutcome) runSummary {
	state := out.State
	sum := runSummary{
		RunID:      out.RunID,
		Status:     out.Status,
		ReportPath: out.ReportPath,
		Error:      state.Error,
		Scenario:   state.Scenario,
	}
	if res := state.Result; res != nil {
		sum.Steps = res.Steps
		sum.Outcomes = res.Outcomes
		sum.Assertions = res.Assertions
		if sum.Error == "" {
			sum.Error = res.Error
		}
	}
	if state.Analysis != nil {
		sum.Analysis = state.Analysis.String()
	}
	return sum
}

// handleStatus returns the stored record of a run.
func (s *StepwiseServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("run history is not configured"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}

	resp := map[string]any{"run": run}
	if req.GetBool("include_events", false) {
		events, err := s.store.GetEvents(ctx, runID, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
		}
		resp["events"] = events
	}
	return marshalResult(resp)
}

// handleQuery lists runs or events based on filters.
func (s *StepwiseServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("run history is not configured"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *StepwiseServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := store.RunStatus(status)
		rf.Status = &rs
	}
	if project, ok := filter["project"].(string); ok {
		rf.Project = project
	}
	if since := extractTime(filter, "since"); since != nil {
		rf.Since = since
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *StepwiseServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if stepID, ok := filter["step_id"].(string); ok {
		ef.StepID = stepID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.EventType = eventType
	}
	if since := extractTime(filter, "since"); since != nil {
		ef.Since = since
	}

	if ef.RunID == "" && ef.EventType == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}

	events, err := s.store.QueryEvents(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractTime parses an RFC 3339 timestamp from a filter map.
func extractTime(filter map[string]any, key string) *time.Time {
	raw, ok := filter[key].(string)
	if !ok || raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// captureSession maps the run ID to the caller's MCP session for progress
// notifications. It reports whether a session was found.
func (s *StepwiseServer) captureSession(ctx context.Context, runID string) bool {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	s.sessions.Register(runID, session.SessionID())
	return true
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
