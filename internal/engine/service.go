package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/report"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// TestLoader returns the document of a project's test file.
type TestLoader func(project, testFile string) (string, error)

// RunRequest describes one run. Either Input or Project and TestFile are set.
// RunID is optional; a new one is generated when empty.
type RunRequest struct {
	RunID    string `json:"run_id,omitempty"`
	Input    string `json:"input,omitempty"`
	Project  string `json:"project,omitempty"`
	TestFile string `json:"test_file,omitempty"`
}

// RunOutcome is what a caller gets back from Runner.Run.
type RunOutcome struct {
	RunID      string               `json:"run_id"`
	Status     schema.Status        `json:"status"`
	State      schema.WorkflowState `json:"state"`
	ReportPath string               `json:"report_path,omitempty"`
}

// Passed reports whether the run passed.
func (o *RunOutcome) Passed() bool { return o != nil && o.Status == schema.StatusPassed }

// RunnerConfig wires a Runner. Only Deps is required.
type RunnerConfig struct {
	Deps     RunDeps
	Loader   TestLoader
	Store    store.Store
	Reports  *report.Writer
	Observer Observer
	Logger   *slog.Logger
}

// Runner is the entry point shared by the CLI, the MCP server and the
// scheduler: build deps, orchestrate, write the report, persist the run.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Run executes one test. The returned error reports problems outside the
// test itself (bad request, history or report storage); a failing test is
// a RunOutcome with status failed.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunOutcome, error) {
	input, err := r.resolveInput(req)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, runID)

	if r.cfg.Store != nil {
		run := &store.Run{
			ID:       runID,
			Project:  req.Project,
			TestFile: req.TestFile,
			Status:   store.RunStatusRunning,
			Input:    input,
		}
		if err := r.cfg.Store.CreateRun(ctx, run); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
		}
	}

	r.logger.InfoContext(ctx, "run started", slog.String("project", req.Project), slog.String("test_file", req.TestFile))
	orch := NewOrchestrator(r.withRunDefaults, WithObserver(r.cfg.Observer), WithOrchestratorLogger(r.logger))
	state := orch.Run(ctx, runID, input)

	out := &RunOutcome{RunID: runID, Status: schema.StatusFailed, State: state}
	if state.Result.Passed() {
		out.Status = schema.StatusPassed
	}

	var firstErr error
	if r.cfg.Reports != nil {
		path, err := r.cfg.Reports.Write(report.Document{
			RunID:    runID,
			Status:   out.Status,
			Project:  req.Project,
			TestFile: req.TestFile,
			Input:    input,
			Scenario: state.Scenario,
			Result:   state.Result,
			Analysis: state.Analysis,
			Error:    state.Error,
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "write report failed", slog.String("error", err.Error()))
			firstErr = err
		}
		out.ReportPath = path
	}

	if err := r.persist(ctx, out); err != nil && firstErr == nil {
		firstErr = err
	}

	r.logger.InfoContext(ctx, "run finished", slog.String("status", string(out.Status)), slog.String("report", out.ReportPath))
	return out, firstErr
}

func (r *Runner) resolveInput(req RunRequest) (string, error) {
	if strings.TrimSpace(req.Input) != "" {
		return req.Input, nil
	}
	if req.Project == "" || req.TestFile == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "either input or project and test file are required")
	}
	if r.cfg.Loader == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "no test loader configured")
	}
	doc, err := r.cfg.Loader(req.Project, req.TestFile)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(doc) == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "test file %s/%s is empty", req.Project, req.TestFile)
	}
	return doc, nil
}

// withRunDefaults wraps the configured RunDeps so every run records events in
// the history store and keeps its screenshots next to its report.
func (r *Runner) withRunDefaults(ctx context.Context, runID string) (*RunContext, error) {
	if r.cfg.Deps == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no run dependencies configured")
	}
	rc, err := r.cfg.Deps(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rc.Events == nil && r.cfg.Store != nil {
		rc.Events = r.cfg.Store
	}
	if rc.Config.ArtifactDir == "" && r.cfg.Reports != nil {
		rc.Config.ArtifactDir = r.cfg.Reports.RunDir(runID)
	}
	if rc.Logger == nil {
		rc.Logger = r.logger
	}
	return rc, nil
}

func (r *Runner) persist(ctx context.Context, out *RunOutcome) error {
	if r.cfg.Store == nil {
		return nil
	}
	state := out.State

	status := store.RunStatusFailed
	if out.Passed() {
		status = store.RunStatusPassed
	}
	now := time.Now().UTC()
	update := store.RunUpdate{
		Status:      &status,
		Error:       state.Error,
		ReportPath:  out.ReportPath,
		CompletedAt: &now,
	}
	if state.Scenario != nil {
		update.ScenarioID = state.Scenario.ID
		update.Description = state.Scenario.Description
	}
	if state.Result != nil {
		raw, err := json.Marshal(state.Result)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "encode result: %s", err.Error()).WithCause(err)
		}
		update.Result = raw
	}
	if state.Analysis != nil {
		update.Analysis = state.Analysis.String()
	}

	if err := r.cfg.Store.UpdateRun(ctx, out.RunID, update); err != nil {
		r.logger.ErrorContext(ctx, "persist run failed", slog.String("error", err.Error()))
		return schema.NewErrorf(schema.ErrCodeStore, "update run: %s", err.Error()).WithCause(err)
	}

	if state.Error != "" {
		payload, _ := json.Marshal(map[string]string{"error": state.Error})
		if err := r.cfg.Store.AppendEvent(ctx, &store.Event{RunID: out.RunID, Type: schema.EventRunFailed, Payload: payload}); err != nil {
			r.logger.WarnContext(ctx, "record run failure failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
