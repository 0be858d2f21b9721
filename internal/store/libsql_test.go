package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *LibSQLStore, project string) *Run {
	t.Helper()
	r := &Run{
		ID:      uuid.NewString(),
		Project: project,
		Input:   "Go to /login and sign in",
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

// --- Migration Tests ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestSplitStatements(t *testing.T) {
	script := `-- header comment
CREATE TABLE a (id TEXT);

-- only a comment;
CREATE INDEX idx_a ON a(id);
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id TEXT)", stmts[0])
	assert.Equal(t, "CREATE INDEX idx_a ON a(id)", stmts[1])
}

// --- Run Tests ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := seedRun(t, s, "shop")

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "shop", got.Project)
	assert.Equal(t, RunStatusRunning, got.Status)
	assert.Equal(t, "Go to /login and sign in", got.Input)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.CompletedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")

	passed := RunStatusPassed
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, r.ID, RunUpdate{
		Status:      &passed,
		ScenarioID:  "scn-1",
		Description: "login works",
		Result:      json.RawMessage(`{"success":true}`),
		Analysis:    "all good",
		ReportPath:  "/tmp/report/result.json",
		CompletedAt: &now,
	}))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusPassed, got.Status)
	assert.Equal(t, "scn-1", got.ScenarioID)
	assert.Equal(t, "login works", got.Description)
	assert.JSONEq(t, `{"success":true}`, string(got.Result))
	assert.Equal(t, "all good", got.Analysis)
	assert.Equal(t, "/tmp/report/result.json", got.ReportPath)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateRun_EmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.UpdateRun(context.Background(), "missing", RunUpdate{}))
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	failed := RunStatusFailed
	err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: &failed})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, project := range []string{"shop", "shop", "blog"} {
		r := &Run{ID: uuid.NewString(), Project: project, Input: "x", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.CreateRun(ctx, r))
	}

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "blog", all[0].Project, "newest first")

	shop, err := s.ListRuns(ctx, RunFilter{Project: "shop"})
	require.NoError(t, err)
	assert.Len(t, shop, 2)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "shop", limited[0].Project)

	running := RunStatusRunning
	byStatus, err := s.ListRuns(ctx, RunFilter{Status: &running})
	require.NoError(t, err)
	assert.Len(t, byStatus, 3)
}

func TestDeleteRun_CascadesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")

	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, Type: "run_started"}))
	require.NoError(t, s.DeleteRun(ctx, r.ID))

	_, err := s.GetRun(ctx, r.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	events, err := s.GetEvents(ctx, r.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.True(t, schema.IsCode(s.DeleteRun(ctx, r.ID), schema.ErrCodeNotFound))
}

// --- Event Tests ---

func TestAppendEvent_Sequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedRun(t, s, "")
	b := seedRun(t, s, "")

	for i := 0; i < 3; i++ {
		e := &Event{RunID: a.ID, StepID: "1", Type: "step_completed", Payload: json.RawMessage(`{"n":1}`)}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.NotZero(t, e.ID)
	}
	other := &Event{RunID: b.ID, Type: "run_started"}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence, "sequences are per run")

	events, err := s.GetEvents(ctx, a.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, "1", events[0].StepID)
	assert.JSONEq(t, `{"n":1}`, string(events[0].Payload))
}

func TestQueryEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "")

	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, Type: "run_started"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, StepID: "1", Type: "step_failed"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r.ID, Type: "run_failed"}))

	failed, err := s.QueryEvents(ctx, EventFilter{RunID: r.ID, EventType: "step_failed"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "1", failed[0].StepID)

	byStep, err := s.QueryEvents(ctx, EventFilter{StepID: "1"})
	require.NoError(t, err)
	assert.Len(t, byStep, 1)

	limited, err := s.QueryEvents(ctx, EventFilter{RunID: r.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// --- Scheduled Job Tests ---

func TestScheduledJobCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour)
	job := &ScheduledJob{
		ID:             uuid.NewString(),
		Project:        "shop",
		TestFile:       "checkout.md",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "shop", got.Project)
	assert.Equal(t, "checkout.md", got.TestFile)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.Nil(t, got.LastRunAt)

	disabled := false
	ran := time.Now().UTC()
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		Enabled:       &disabled,
		LastRunAt:     &ran,
		LastRunStatus: "passed",
		LastRunID:     "run-1",
	}))

	got, err = s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "passed", got.LastRunStatus)
	assert.Equal(t, "run-1", got.LastRunID)
	require.NotNil(t, got.LastRunAt)

	enabled := true
	jobs, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = s.ListScheduledJobs(ctx, ScheduledJobFilter{Project: "shop"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Vacuum(context.Background()))
}
