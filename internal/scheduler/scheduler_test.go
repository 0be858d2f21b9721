package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu   sync.Mutex
	jobs map[string]*store.ScheduledJob
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{jobs: make(map[string]*store.ScheduledJob)}
}

func (m *mockSchedulerStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetScheduledJob(_ context.Context, id string) (*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	if update.LastRunID != "" {
		j.LastRunID = update.LastRunID
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledJobs(_ context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.Project != "" && j.Project != filter.Project {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// mockRunner records Run calls and answers with a fixed status.
type mockRunner struct {
	mu     sync.Mutex
	calls  []engine.RunRequest
	status schema.Status
	err    error
	nilOut bool
}

func (r *mockRunner) Run(_ context.Context, req engine.RunRequest) (*engine.RunOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.nilOut {
		return nil, r.err
	}
	status := r.status
	if status == "" {
		status = schema.StatusPassed
	}
	return &engine.RunOutcome{RunID: "run-" + req.TestFile, Status: status}, r.err
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.Store, runner TestRunner) *Scheduler {
	return NewScheduler(s, runner, slog.Default())
}

func dueJob(id, testFile string, next *time.Time) *store.ScheduledJob {
	return &store.ScheduledJob{
		ID:             id,
		Project:        "shop",
		TestFile:       testFile,
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      next,
	}
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestAddJob(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockRunner{})
	ctx := context.Background()

	job, err := sched.AddJob(ctx, "shop", "login.txt", "*/5 * * * *")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.True(t, job.Enabled)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC().Add(-time.Second)))

	got, _ := ms.GetScheduledJob(ctx, job.ID)
	require.NotNil(t, got)
	assert.Equal(t, "login.txt", got.TestFile)
}

func TestAddJobRejectsBadInput(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})
	ctx := context.Background()

	_, err := sched.AddJob(ctx, "shop", "login.txt", "every minute")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = sched.AddJob(ctx, "", "login.txt", "* * * * *")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTickRunsDueJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-1", "login.txt", &past)))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, engine.RunRequest{Project: "shop", TestFile: "login.txt"}, runner.calls[0])

	got, _ := ms.GetScheduledJob(ctx, "job-1")
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, StatusPassed, got.LastRunStatus)
	assert.Equal(t, "run-login.txt", got.LastRunID)
}

func TestTickSkipsNotDueJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-future", "login.txt", &future)))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-missed", "checkout.txt", &past)))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, runner.callCount())

	got, _ := ms.GetScheduledJob(ctx, "job-missed")
	assert.Equal(t, StatusPassed, got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestMissedRecoverySkipsJobsWithoutNextRun(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-new", "login.txt", nil)))

	require.NoError(t, sched.RecoverMissed(ctx))
	assert.Equal(t, 0, runner.callCount())
}

func TestDisabledJobsSkipped(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	job := dueJob("job-disabled", "login.txt", &past)
	job.Enabled = false
	require.NoError(t, ms.CreateScheduledJob(ctx, job))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestFailedRunRecordsFailedStatus(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{status: schema.StatusFailed}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-red", "login.txt", &past)))

	sched.tick(ctx)

	got, _ := ms.GetScheduledJob(ctx, "job-red")
	assert.Equal(t, StatusFailed, got.LastRunStatus)
	assert.Equal(t, "run-login.txt", got.LastRunID)
}

func TestRunnerErrorRecordsErrorStatus(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{nilOut: true, err: assert.AnError}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-fail", "missing.txt", &past)))

	sched.tick(ctx)

	got, _ := ms.GetScheduledJob(ctx, "job-fail")
	assert.Equal(t, StatusError, got.LastRunStatus)
	assert.Empty(t, got.LastRunID)
	assert.NotNil(t, got.NextRunAt)
}

func TestStartStop(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := NewScheduler(ms, &mockRunner{}, slog.Default(), WithInterval(10*time.Millisecond))

	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestLoopRunsJobAfterStart(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := NewScheduler(ms, runner, slog.Default(), WithInterval(10*time.Millisecond))

	ctx := context.Background()
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-loop", "login.txt", nil)))

	require.NoError(t, sched.Start(ctx))
	assert.Eventually(t, func() bool { return runner.callCount() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sched.Stop())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-nil-next", "login.txt", nil)))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-dedup", "login.txt", &past)))

	assert.True(t, sched.tryAcquire("job-dedup"))

	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	sched.releaseJob("job-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestDedupReleasedAfterTick(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("job-release", "login.txt", &past)))

	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())

	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateScheduledJob(ctx, "job-release", store.ScheduledJobUpdate{
		NextRunAt: &past2,
	}))

	sched.tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestMultipleJobsSomeDue(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("due-1", "alpha.txt", &past)))
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("not-due", "beta.txt", &future)))
	require.NoError(t, ms.CreateScheduledJob(ctx, dueJob("due-2", "gamma.txt", nil)))

	sched.tick(ctx)

	assert.Equal(t, 2, runner.callCount())
	runner.mu.Lock()
	files := make([]string, len(runner.calls))
	for i, c := range runner.calls {
		files[i] = c.TestFile
	}
	runner.mu.Unlock()
	assert.Contains(t, files, "alpha.txt")
	assert.Contains(t, files, "gamma.txt")
	assert.NotContains(t, files, "beta.txt")
}
