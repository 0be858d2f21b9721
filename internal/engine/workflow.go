package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/oracle"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// RunContext carries the dependencies of one run. Nothing in it is shared
// between runs.
type RunContext struct {
	RunID      string
	Automation Automation
	Oracle     oracle.Gateway
	Args       ArgsValidator
	Assertions AssertionEvaluator
	// Events receives run events; nil discards them.
	Events EventAppender
	Config ExecutorConfig
	Logger *slog.Logger
}

// RunDeps builds a fresh RunContext for runID.
type RunDeps func(ctx context.Context, runID string) (*RunContext, error)

// Observer is notified synchronously after every node with the merged state.
type Observer interface {
	OnStateChange(ctx context.Context, state schema.WorkflowState)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, state schema.WorkflowState)

func (f ObserverFunc) OnStateChange(ctx context.Context, state schema.WorkflowState) { f(ctx, state) }

// NodeFunc runs one orchestrator node. It receives the state by value and
// returns the changes; failures go into StatePatch.Error.
type NodeFunc func(ctx context.Context, rc *RunContext, state schema.WorkflowState) schema.StatePatch

// Orchestrator runs parse -> execute -> analyze -> complete for one input.
type Orchestrator struct {
	deps     RunDeps
	observer Observer
	nodes    map[schema.Node]NodeFunc
	logger   *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithObserver sets the state observer.
func WithObserver(obs Observer) OrchestratorOption {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithNode replaces the implementation of one node.
func WithNode(node schema.Node, fn NodeFunc) OrchestratorOption {
	return func(o *Orchestrator) { o.nodes[node] = fn }
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an Orchestrator that builds its dependencies with deps.
func NewOrchestrator(deps RunDeps, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		deps: deps,
		nodes: map[schema.Node]NodeFunc{
			schema.NodeParse:   ParseNode,
			schema.NodeExecute: ExecuteNode,
			schema.NodeAnalyze: AnalyzeNode,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Run drives input through the node graph and returns the final state. It
// never returns an error: every failure ends up in the state's Error.
func (o *Orchestrator) Run(ctx context.Context, runID, input string) schema.WorkflowState {
	ctx = logging.WithRunID(ctx, runID)
	state := schema.WorkflowState{RunID: runID, Input: input, CurrentStep: schema.NodeParse}

	rc, err := o.deps(ctx, runID)
	if err != nil {
		state = state.Merge(schema.StatePatch{Error: "build run dependencies: " + err.Error()})
		o.notify(ctx, state)
		return state
	}
	if rc.RunID == "" {
		rc.RunID = runID
	}

	for state.CurrentStep != schema.NodeComplete {
		node := state.CurrentStep
		patch := o.runNode(ctx, rc, node, state)
		state = state.Merge(patch)
		if state.Error == "" {
			state.CurrentStep = nextNode(node)
		}

		o.recordNode(ctx, rc, node, state)
		o.notify(ctx, state)
	}
	return state
}

func (o *Orchestrator) runNode(ctx context.Context, rc *RunContext, node schema.Node, state schema.WorkflowState) (patch schema.StatePatch) {
	fn, ok := o.nodes[node]
	if !ok {
		return schema.StatePatch{Error: fmt.Sprintf("no implementation for node %q", node)}
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "node panicked", slog.String("node", string(node)), slog.Any("panic", r))
			patch = schema.StatePatch{Error: fmt.Sprintf("node %s panicked: %v", node, r)}
		}
	}()
	o.logger.DebugContext(ctx, "node started", slog.String("node", string(node)))
	return fn(ctx, rc, state)
}

func (o *Orchestrator) recordNode(ctx context.Context, rc *RunContext, node schema.Node, state schema.WorkflowState) {
	if rc.Events == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"node":  node,
		"next":  state.CurrentStep,
		"error": state.Error,
	})
	event := &store.Event{RunID: rc.RunID, Type: schema.EventNodeCompleted, Payload: payload}
	if err := rc.Events.AppendEvent(ctx, event); err != nil {
		o.logger.WarnContext(ctx, "record node event failed", slog.String("node", string(node)), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) notify(ctx context.Context, state schema.WorkflowState) {
	if o.observer != nil {
		o.observer.OnStateChange(ctx, state)
	}
}

func nextNode(n schema.Node) schema.Node {
	switch n {
	case schema.NodeParse:
		return schema.NodeExecute
	case schema.NodeExecute:
		return schema.NodeAnalyze
	default:
		return schema.NodeComplete
	}
}

// ParseNode strips assertion lines from the input and has the oracle split
// the rest into steps and outcomes.
func ParseNode(ctx context.Context, rc *RunContext, state schema.WorkflowState) schema.StatePatch {
	doc, assertions := expressions.ExtractAssertions(state.Input)
	if strings.TrimSpace(doc) == "" {
		return schema.StatePatch{Error: "parse scenario: test document has no steps"}
	}

	sc, err := rc.Oracle.ParseScenario(ctx, doc)
	if err != nil {
		return schema.StatePatch{Error: "parse scenario: " + err.Error()}
	}
	sc.Assertions = append(sc.Assertions, assertions...)
	return schema.StatePatch{Scenario: sc}
}

// ExecuteNode runs the scenario's steps, outcomes and assertions.
func ExecuteNode(ctx context.Context, rc *RunContext, state schema.WorkflowState) schema.StatePatch {
	if state.Scenario == nil {
		return schema.StatePatch{Error: "execute: no scenario"}
	}
	result, err := NewExecutor(rc).Execute(ctx, rc.RunID, state.Scenario)
	patch := schema.StatePatch{Result: result}
	if err != nil {
		patch.Error = "execute: " + err.Error()
	}
	return patch
}

// AnalyzeNode asks the oracle to explain the finished run.
func AnalyzeNode(ctx context.Context, rc *RunContext, state schema.WorkflowState) schema.StatePatch {
	analysis, err := rc.Oracle.Analyze(ctx, state.Scenario, state.Result)
	if err != nil {
		return schema.StatePatch{Error: "analyze: " + err.Error()}
	}
	return schema.StatePatch{Analysis: analysis}
}
