package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rendis/stepwise/internal/browser"
	"github.com/rendis/stepwise/internal/oracle"
	"github.com/rendis/stepwise/pkg/schema"
)

// mockAutomation is a scripted browser. Invocations of operations listed in
// failOn return the mapped error; those in block wait for the context.
type mockAutomation struct {
	mu          sync.Mutex
	ops         []browser.OperationInfo
	snap        *schema.Snapshot
	connectErr  error
	listErr     error
	snapshotErr error
	failOn      map[string]error
	block       map[string]bool
	// failSnapshotAfter > 0 lets that many snapshots succeed before snapshotErr applies.
	failSnapshotAfter int

	connects    int
	disconnects int
	snapshots   int
	invoked     []browser.Operation
	screenshots []string
}

func newMockAutomation() *mockAutomation {
	return &mockAutomation{
		ops: []browser.OperationInfo{
			{Name: browser.OpNavigate},
			{Name: browser.OpClick},
			{Name: browser.OpType},
			{Name: browser.OpPressKey},
		},
		snap:   &schema.Snapshot{URL: "http://app.test/", Title: "App"},
		failOn: make(map[string]error),
		block:  make(map[string]bool),
	}
}

func (m *mockAutomation) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	return m.connectErr
}

func (m *mockAutomation) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	return nil
}

func (m *mockAutomation) ListOperations(context.Context) ([]browser.OperationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops, m.listErr
}

func (m *mockAutomation) Invoke(ctx context.Context, op browser.Operation) (*browser.Result, error) {
	m.mu.Lock()
	m.invoked = append(m.invoked, op)
	err := m.failOn[op.Name()]
	blocked := m.block[op.Name()]
	m.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "%s: deadline exceeded", op.Name()).WithCause(ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return &browser.Result{Text: "ok"}, nil
}

func (m *mockAutomation) Snapshot(context.Context) (*schema.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots++
	if m.snapshotErr != nil && m.snapshots > m.failSnapshotAfter {
		return nil, m.snapshotErr
	}
	return m.snap, nil
}

func (m *mockAutomation) Screenshot(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.screenshots = append(m.screenshots, path)
	return path, nil
}

func (m *mockAutomation) invokedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.invoked))
	for i, op := range m.invoked {
		names[i] = op.Name()
	}
	return names
}

// mockOracle returns scripted answers. Steps without a plan press Tab.
type mockOracle struct {
	mu         sync.Mutex
	plans      map[int]*schema.CallPlan
	planErr    map[int]error
	verdicts   []schema.OutcomeVerdict
	verifyErr  error
	scenario   *schema.Scenario
	parseErr   error
	analysis   *schema.Analysis
	analyzeErr error

	planned     []int
	verifyCalls int
	statements  []string
	parsedDoc   string
	analyzed    *schema.TestResult
}

func newMockOracle() *mockOracle {
	return &mockOracle{
		plans:    make(map[int]*schema.CallPlan),
		planErr:  make(map[int]error),
		analysis: &schema.Analysis{Summary: "looks fine"},
	}
}

func (m *mockOracle) PlanStep(_ context.Context, req oracle.PlanRequest) (*schema.CallPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planned = append(m.planned, req.Index)
	if err := m.planErr[req.Index]; err != nil {
		return nil, err
	}
	if plan, ok := m.plans[req.Index]; ok {
		return plan, nil
	}
	return &schema.CallPlan{Calls: []schema.Call{{Operation: browser.OpPressKey, Args: map[string]any{"key": "Tab"}}}}, nil
}

func (m *mockOracle) VerifyOutcomes(_ context.Context, _ *schema.Snapshot, statements []string) ([]schema.OutcomeVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifyCalls++
	m.statements = statements
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	if m.verdicts != nil {
		return m.verdicts, nil
	}
	out := make([]schema.OutcomeVerdict, len(statements))
	for i, s := range statements {
		out[i] = schema.OutcomeVerdict{Statement: s, Passed: true}
	}
	return out, nil
}

func (m *mockOracle) ParseScenario(_ context.Context, doc string) (*schema.Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parsedDoc = doc
	if m.parseErr != nil {
		return nil, m.parseErr
	}
	if m.scenario == nil {
		return nil, errors.New("no scenario scripted")
	}
	cp := *m.scenario
	return &cp, nil
}

func (m *mockOracle) Analyze(_ context.Context, _ *schema.Scenario, result *schema.TestResult) (*schema.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyzed = result
	if m.analyzeErr != nil {
		return nil, m.analyzeErr
	}
	return m.analysis, nil
}

func (m *mockOracle) plannedSteps() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.planned...)
}
