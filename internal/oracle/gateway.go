// Package oracle turns natural-language test text into structured,
// schema-validated decisions by consulting a language model.
package oracle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/rendis/stepwise/internal/browser"
	"github.com/rendis/stepwise/internal/snapshot"
	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

const defaultCallTimeout = 2 * time.Minute

// Gateway is the narrow interface the engine consults for decisions.
type Gateway interface {
	// PlanStep returns the calls that carry out one step on the current page.
	PlanStep(ctx context.Context, req PlanRequest) (*schema.CallPlan, error)

	// VerifyOutcomes judges every statement against snap in one call. The
	// verdicts are returned in statement order.
	VerifyOutcomes(ctx context.Context, snap *schema.Snapshot, statements []string) ([]schema.OutcomeVerdict, error)

	// ParseScenario splits a natural-language test document into steps and
	// expected outcomes.
	ParseScenario(ctx context.Context, document string) (*schema.Scenario, error)

	// Analyze explains a finished run.
	Analyze(ctx context.Context, scenario *schema.Scenario, result *schema.TestResult) (*schema.Analysis, error)
}

// PlanRequest is the input of Gateway.PlanStep.
type PlanRequest struct {
	Step       string
	Index      int // 1-based
	Total      int
	Snapshot   *schema.Snapshot
	Operations []browser.OperationInfo
}

// LLMGateway implements Gateway over an LLMClient.
type LLMGateway struct {
	client    LLMClient
	validator *validation.Validator
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures an LLMGateway.
type Option func(*LLMGateway)

// WithCallTimeout bounds every model call.
func WithCallTimeout(d time.Duration) Option {
	return func(g *LLMGateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *LLMGateway) { g.logger = l }
}

// NewLLMGateway creates a gateway. validator supplies the response contracts.
func NewLLMGateway(client LLMClient, validator *validation.Validator, opts ...Option) *LLMGateway {
	g := &LLMGateway{
		client:    client,
		validator: validator,
		timeout:   defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return g
}

// PlanStep asks the model for the call plan of one step.
func (g *LLMGateway) PlanStep(ctx context.Context, req PlanRequest) (*schema.CallPlan, error) {
	user, err := render(planTmpl, struct {
		PlanRequest
		Snapshot string
	}{PlanRequest: req, Snapshot: snapshot.Format(req.Snapshot)})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeOracle, "render plan prompt").WithCause(err)
	}

	var plan schema.CallPlan
	if err := g.ask(ctx, validation.ContractCallPlan, planSystemPrompt, user, &plan); err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(req.Operations))
	for _, op := range req.Operations {
		known[op.Name] = struct{}{}
	}
	for i, call := range plan.Calls {
		if len(known) == 0 {
			break
		}
		if _, ok := known[call.Operation]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeOracleContract, "call %d: unknown operation %q", i, call.Operation).
				WithDetails(map[string]any{"operation": call.Operation})
		}
	}

	g.logger.DebugContext(ctx, "step planned",
		slog.Int("calls", len(plan.Calls)),
		slog.String("reasoning", plan.Reasoning),
	)
	return &plan, nil
}

// VerifyOutcomes asks the model to judge all statements at once.
func (g *LLMGateway) VerifyOutcomes(ctx context.Context, snap *schema.Snapshot, statements []string) ([]schema.OutcomeVerdict, error) {
	if len(statements) == 0 {
		return []schema.OutcomeVerdict{}, nil
	}
	user, err := render(verifyTmpl, map[string]any{
		"Snapshot":   snapshot.Format(snap),
		"Statements": statements,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeOracle, "render verify prompt").WithCause(err)
	}

	var out struct {
		Verdicts []schema.OutcomeVerdict `json:"verdicts"`
	}
	if err := g.ask(ctx, validation.ContractOutcomeVerdicts, verifySystemPrompt, user, &out); err != nil {
		return nil, err
	}
	if len(out.Verdicts) != len(statements) {
		return nil, schema.NewErrorf(schema.ErrCodeOracleContract,
			"expected %d verdicts, got %d", len(statements), len(out.Verdicts))
	}

	return matchVerdicts(statements, out.Verdicts)
}

// matchVerdicts pairs each statement with the verdict that echoes it. Verdicts
// in the given order are accepted as is; a reordered list is mapped back by
// statement text. Anything else is a contract error.
func matchVerdicts(statements []string, verdicts []schema.OutcomeVerdict) ([]schema.OutcomeVerdict, error) {
	inOrder := true
	for i, v := range verdicts {
		if normalizeStatement(v.Statement) != normalizeStatement(statements[i]) {
			inOrder = false
			break
		}
	}

	byText := make(map[string]int, len(verdicts))
	if !inOrder {
		for i, v := range verdicts {
			key := normalizeStatement(v.Statement)
			if _, dup := byText[key]; dup {
				return nil, schema.NewErrorf(schema.ErrCodeOracleContract,
					"verdict for %q returned twice", v.Statement)
			}
			byText[key] = i
		}
	}

	matched := make([]schema.OutcomeVerdict, len(statements))
	for i, stmt := range statements {
		v := verdicts[i]
		if !inOrder {
			idx, ok := byText[normalizeStatement(stmt)]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeOracleContract,
					"no verdict for statement %q", stmt).
					WithDetails(map[string]any{"statement": stmt})
			}
			v = verdicts[idx]
		}
		v.Statement = stmt
		matched[i] = v
	}
	return matched, nil
}

// normalizeStatement folds case, whitespace and trailing punctuation.
func normalizeStatement(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return strings.TrimRight(s, ".!;:")
}

// ParseScenario asks the model to structure a test document. The returned
// scenario gets a fresh ID.
func (g *LLMGateway) ParseScenario(ctx context.Context, document string) (*schema.Scenario, error) {
	if strings.TrimSpace(document) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "test document is empty")
	}
	user, err := render(parseTmpl, map[string]any{"Document": document})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeOracle, "render parse prompt").WithCause(err)
	}

	var sc schema.Scenario
	if err := g.ask(ctx, validation.ContractScenario, parseSystemPrompt, user, &sc); err != nil {
		return nil, err
	}
	sc.ID = uuid.NewString()
	return &sc, nil
}

// Analyze asks the model to explain a finished run.
func (g *LLMGateway) Analyze(ctx context.Context, scenario *schema.Scenario, result *schema.TestResult) (*schema.Analysis, error) {
	if scenario == nil || result == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "analysis needs a scenario and a result")
	}
	user, err := render(analyzeTmpl, map[string]any{"Scenario": scenario, "Result": result})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeOracle, "render analysis prompt").WithCause(err)
	}

	var a schema.Analysis
	if err := g.ask(ctx, validation.ContractAnalysis, analyzeSystemPrompt, user, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ask runs one bounded model call and decodes the reply against contract.
func (g *LLMGateway) ask(ctx context.Context, contract validation.Contract, system, user string, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	reply, err := g.client.Complete(callCtx, system, user)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return schema.NewErrorf(schema.ErrCodeTimeout, "%s: model did not answer within %s", contract, g.timeout).
				WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeOracle, "%s: %s", contract, err.Error()).WithCause(err)
	}
	g.logger.DebugContext(ctx, "oracle answered",
		slog.String("contract", string(contract)),
		slog.String("model", g.client.ModelName()),
		slog.Duration("elapsed", time.Since(start)),
	)

	body := extractJSON(reply)
	err = g.validator.Decode(contract, []byte(body), out)
	if err == nil || !errors.Is(err, validation.ErrMalformed) {
		return err
	}

	repaired, rerr := jsonrepair.JSONRepair(body)
	if rerr != nil {
		return err
	}
	g.logger.WarnContext(ctx, "repaired malformed oracle JSON",
		slog.String("contract", string(contract)),
		slog.String("parse_error", err.Error()),
		slog.String("original", body),
	)
	return g.validator.Decode(contract, []byte(repaired), out)
}

// extractJSON strips a wrapping code fence and any prose around the
// outermost JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if last := strings.LastIndex(s, "```"); last != -1 {
			s = s[:last]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
