package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/rendis/stepwise/internal/browser"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/oracle"
	"github.com/rendis/stepwise/pkg/schema"
)

const (
	// DefaultStepTimeout bounds one step: snapshot, planning and every call.
	DefaultStepTimeout = 2 * time.Minute

	screenshotTimeout = 15 * time.Second
	finalScreenshot   = "final.png"
)

// Automation is the browser surface the step loop drives.
// Satisfied by *browser.Facade.
type Automation interface {
	Connect(ctx context.Context) error
	Disconnect() error
	ListOperations(ctx context.Context) ([]browser.OperationInfo, error)
	Invoke(ctx context.Context, op browser.Operation) (*browser.Result, error)
	Snapshot(ctx context.Context) (*schema.Snapshot, error)
	Screenshot(ctx context.Context, path string) (string, error)
}

// ArgsValidator checks planned call arguments against the input schema the
// backend advertised for the operation. Satisfied by *validation.Validator.
type ArgsValidator interface {
	ValidateArgs(operation string, args map[string]any, inputSchema []byte) error
}

// AssertionEvaluator runs deterministic assertions against a snapshot.
// Satisfied by *expressions.Evaluator.
type AssertionEvaluator interface {
	Evaluate(ctx context.Context, snap *schema.Snapshot, assertions []schema.Assertion) []schema.AssertionResult
}

// ExecutorConfig holds the per-run execution settings.
type ExecutorConfig struct {
	StepTimeout time.Duration
	// ArtifactDir receives screenshots. Empty disables them.
	ArtifactDir string
}

// Executor runs one scenario against one backend connection: steps in order
// with fail-fast, then outcomes and assertions against the final page.
type Executor struct {
	automation Automation
	oracle     oracle.Gateway
	verifier   *Verifier
	args       ArgsValidator
	assertions AssertionEvaluator
	appender   EventAppender
	cfg        ExecutorConfig
	logger     *slog.Logger
}

// NewExecutor creates an Executor from the run's dependencies.
func NewExecutor(rc *RunContext) *Executor {
	cfg := rc.Config
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		automation: rc.Automation,
		oracle:     rc.Oracle,
		verifier:   NewVerifier(rc.Oracle, logger),
		args:       rc.Args,
		assertions: rc.Assertions,
		appender:   rc.Events,
		cfg:        cfg,
		logger:     logger,
	}
}

// Execute connects to the backend, runs sc and always closes the connection
// before returning. The returned result is never nil. A non-nil error means
// the run could not get started (connect or discovery failed); step and
// outcome failures are reported through the result only.
func (e *Executor) Execute(ctx context.Context, runID string, sc *schema.Scenario) (*schema.TestResult, error) {
	ctx = logging.WithScenarioID(logging.WithRunID(ctx, runID), sc.ID)
	fsm := NewRunFSM(runID, e.appender)

	result := &schema.TestResult{
		RunID:       runID,
		ScenarioID:  sc.ID,
		Status:      schema.StatusFailed,
		Steps:       []schema.StepResult{},
		Outcomes:    []schema.OutcomeResult{},
		Screenshots: []string{},
		StartedAt:   time.Now().UTC(),
	}

	connected := false
	defer func() { e.cleanup(ctx, fsm, result, connected) }()

	if err := e.automation.Connect(ctx); err != nil {
		result.Error = "connect backend: " + err.Error()
		return result, err
	}
	connected = true

	ops, err := e.automation.ListOperations(ctx)
	if err != nil {
		result.Error = "list backend operations: " + err.Error()
		return result, err
	}
	byName := make(map[string]browser.OperationInfo, len(ops))
	for _, op := range ops {
		byName[op.Name] = op
	}

	e.transition(ctx, fsm, schema.RunStateRunning, "", map[string]any{"steps": len(sc.Steps)})

	for i, text := range sc.Steps {
		sr := e.runStep(ctx, i+1, len(sc.Steps), text, ops, byName)
		result.Steps = append(result.Steps, sr)

		if sr.Status == schema.StatusFailed {
			e.transition(ctx, fsm, schema.RunStateStepFailed, sr.StepID, map[string]any{"index": sr.Index, "error": sr.Error})
			if path := e.screenshot(ctx, fmt.Sprintf("step-%d-failure.png", sr.Index)); path != "" {
				result.Steps[len(result.Steps)-1].ScreenshotPath = path
				result.Screenshots = append(result.Screenshots, path)
			}
			result.Error = fmt.Sprintf("step %d failed: %s", sr.Index, sr.Error)
			return result, nil
		}
		if err := fsm.Record(ctx, schema.EventStepPassed, sr.StepID, map[string]any{"index": sr.Index, "calls": len(sr.Calls)}); err != nil {
			e.logger.WarnContext(ctx, "record step event failed", slog.String("error", err.Error()))
		}
	}
	e.transition(ctx, fsm, schema.RunStateAllStepsDone, "", nil)

	if len(sc.Outcomes) == 0 && len(sc.Assertions) == 0 {
		result.Status = schema.StatusPassed
		return result, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()
	snap, snapErr := e.automation.Snapshot(checkCtx)
	if snapErr != nil {
		e.logger.ErrorContext(ctx, "final snapshot failed", slog.String("error", snapErr.Error()))
	}

	if len(sc.Outcomes) > 0 {
		e.transition(ctx, fsm, schema.RunStateVerifyingOutcomes, "", map[string]any{"outcomes": len(sc.Outcomes)})
		if snapErr != nil {
			result.Outcomes = failedOutcomes(sc.Outcomes, snapErr)
		} else {
			result.Outcomes = e.verifier.Verify(checkCtx, snap, sc.Outcomes)
		}
		if OutcomesPassed(result.Outcomes) {
			e.transition(ctx, fsm, schema.RunStateOutcomesPassed, "", nil)
		} else {
			e.transition(ctx, fsm, schema.RunStateOutcomesFailed, "", map[string]any{"outcomes": result.Outcomes})
		}
	}

	if len(sc.Assertions) > 0 {
		result.Assertions = e.evaluateAssertions(checkCtx, snap, snapErr, sc.Assertions)
	}

	if OutcomesPassed(result.Outcomes) && assertionsPassed(result.Assertions) {
		result.Status = schema.StatusPassed
	}
	return result, nil
}

func (e *Executor) runStep(ctx context.Context, index, total int, text string, ops []browser.OperationInfo, byName map[string]browser.OperationInfo) schema.StepResult {
	sr := schema.StepResult{
		StepID:      fmt.Sprintf("step-%d", index),
		Index:       index,
		Description: text,
		Status:      schema.StatusPassed,
	}
	ctx = logging.WithStepID(ctx, sr.StepID)
	e.logger.InfoContext(ctx, "step started", slog.Int("index", index), slog.String("step", text))

	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	start := time.Now()
	err := e.performStep(stepCtx, &sr, total, ops, byName)
	sr.Duration = time.Since(start)

	if err != nil {
		sr.Status = schema.StatusFailed
		sr.Error = err.Error()
		e.logger.ErrorContext(ctx, "step failed",
			slog.String("error", sr.Error),
			slog.String("code", schema.CodeOf(err)),
			slog.Duration("duration", sr.Duration),
		)
		return sr
	}
	e.logger.InfoContext(ctx, "step passed", slog.Int("calls", len(sr.Calls)), slog.Duration("duration", sr.Duration))
	return sr
}

// performStep takes a fresh snapshot, asks the oracle for a plan and invokes
// the planned calls in order. The first failing call aborts the step.
func (e *Executor) performStep(ctx context.Context, sr *schema.StepResult, total int, ops []browser.OperationInfo, byName map[string]browser.OperationInfo) error {
	snap, err := e.automation.Snapshot(ctx)
	if err != nil {
		return err
	}

	plan, err := e.oracle.PlanStep(ctx, oracle.PlanRequest{
		Step:       sr.Description,
		Index:      sr.Index,
		Total:      total,
		Snapshot:   snap,
		Operations: ops,
	})
	if err != nil {
		return err
	}
	if len(plan.Calls) == 0 {
		e.logger.WarnContext(ctx, "oracle planned no calls for step", slog.String("reasoning", plan.Reasoning))
		return nil
	}

	for _, call := range plan.Calls {
		op, err := browser.Decode(call)
		if err != nil {
			return err
		}
		if info, ok := byName[op.Name()]; ok && e.args != nil {
			if err := e.args.ValidateArgs(op.Name(), call.Args, info.InputSchema); err != nil {
				return err
			}
		}

		sr.Calls = append(sr.Calls, call)
		e.logger.DebugContext(ctx, "invoking operation", slog.String("operation", browser.String(op)))
		if _, err := e.automation.Invoke(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) evaluateAssertions(ctx context.Context, snap *schema.Snapshot, snapErr error, assertions []schema.Assertion) []schema.AssertionResult {
	reason := ""
	switch {
	case snapErr != nil:
		reason = "no final snapshot: " + snapErr.Error()
	case e.assertions == nil:
		reason = "no assertion evaluator configured"
	default:
		return e.assertions.Evaluate(ctx, snap, assertions)
	}

	results := make([]schema.AssertionResult, len(assertions))
	for i, a := range assertions {
		results[i] = schema.AssertionResult{Engine: a.Engine, Expression: a.Expression, Status: schema.StatusFailed, Error: reason}
	}
	return results
}

func assertionsPassed(results []schema.AssertionResult) bool {
	for _, r := range results {
		if r.Status != schema.StatusPassed {
			return false
		}
	}
	return true
}

// cleanup finalizes the result and closes the backend exactly once. It runs
// on every exit path of Execute, including cancellation.
func (e *Executor) cleanup(ctx context.Context, fsm *RunFSM, result *schema.TestResult, connected bool) {
	if connected {
		if path := e.screenshot(ctx, finalScreenshot); path != "" {
			result.Screenshots = append(result.Screenshots, path)
		}
	}

	result.EndedAt = time.Now().UTC()
	result.Duration = result.EndedAt.Sub(result.StartedAt)

	if connected {
		if err := e.automation.Disconnect(); err != nil {
			e.logger.WarnContext(ctx, "disconnect backend failed", slog.String("error", err.Error()))
		}
	}

	if s := fsm.State(); s != schema.RunStateReady && !IsTerminal(s) {
		e.transition(ctx, fsm, schema.RunStateDone, "", map[string]any{"status": result.Status})
	}
	e.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(result.Status)),
		slog.Int("steps", len(result.Steps)),
		slog.Duration("duration", result.Duration),
	)
}

// screenshot captures the page into the artifact dir. Errors are logged only.
func (e *Executor) screenshot(ctx context.Context, name string) string {
	if e.cfg.ArtifactDir == "" {
		return ""
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), screenshotTimeout)
	defer cancel()

	path, err := e.automation.Screenshot(sctx, filepath.Join(e.cfg.ArtifactDir, name))
	if err != nil {
		e.logger.WarnContext(ctx, "screenshot failed", slog.String("file", name), slog.String("error", err.Error()))
		return ""
	}
	return path
}

func (e *Executor) transition(ctx context.Context, fsm *RunFSM, to schema.RunState, stepID string, payload any) {
	if err := fsm.Transition(ctx, to, stepID, payload); err != nil {
		e.logger.WarnContext(ctx, "run transition failed",
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
	}
}
