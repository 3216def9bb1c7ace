package plan

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidekit/aide/internal/db"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database, nil)
}

func newTestPlan(t *testing.T, e *Engine) *db.Plan {
	t.Helper()
	p, err := e.Create(&db.Plan{
		UserID: "user-1",
		Name:   "trip planning",
		Goal:   "book flights and hotel",
	})
	require.NoError(t, err)
	return p
}

func addStep(t *testing.T, e *Engine, planID, name string, deps ...string) *db.PlanStep {
	t.Helper()
	step, err := e.AddStep(planID, &db.PlanStep{
		Name:         name,
		Type:         db.StepTypeToolCall,
		Dependencies: deps,
	})
	require.NoError(t, err)
	return step
}

func statusPatch(s db.StepStatus) StepPatch {
	return StepPatch{Status: &s}
}

func planStatusPatch(s db.PlanStatus) PlanPatch {
	return PlanPatch{Status: &s}
}

func TestCreate_ZeroesCounters(t *testing.T) {
	e := newTestEngine(t)

	p, err := e.Create(&db.Plan{
		UserID:     "user-1",
		Name:       "n",
		Status:     db.PlanStatusRunning, // caller-set status is ignored
		Progress:   55,
		RetryCount: 3,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, db.PlanStatusPending, p.Status)
	assert.Zero(t, p.CurrentStep)
	assert.Zero(t, p.TotalSteps)
	assert.Zero(t, p.Progress)
	assert.Zero(t, p.RetryCount)
	assert.Nil(t, p.StartedAt)
	assert.Nil(t, p.CompletedAt)

	got, err := e.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
}

func TestUpdate_EmptyPatchIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)

	stored, err := e.Get(p.ID)
	require.NoError(t, err)

	got, err := e.Update(p.ID, PlanPatch{})
	require.NoError(t, err)
	assert.Equal(t, stored.UpdatedAt.UnixNano(), got.UpdatedAt.UnixNano())
}

func TestUpdateStep_EmptyPatchIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)
	s := addStep(t, e, p.ID, "work")

	stored, err := e.GetStep(s.ID)
	require.NoError(t, err)

	got, err := e.UpdateStep(s.ID, StepPatch{})
	require.NoError(t, err)
	assert.Equal(t, db.StepStatusPending, got.Status)
	assert.Equal(t, stored.UpdatedAt.UnixNano(), got.UpdatedAt.UnixNano())
}

func TestUpdate_PlanTransitions(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)

	// pending -> paused is not a legal edge
	_, err := e.Update(p.ID, planStatusPatch(db.PlanStatusPaused))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	running, err := e.Update(p.ID, planStatusPatch(db.PlanStatusRunning))
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)
	started := *running.StartedAt

	paused, err := e.Update(p.ID, planStatusPatch(db.PlanStatusPaused))
	require.NoError(t, err)
	assert.Equal(t, db.PlanStatusPaused, paused.Status)

	// Resuming keeps the original start time
	resumed, err := e.Update(p.ID, planStatusPatch(db.PlanStatusRunning))
	require.NoError(t, err)
	require.NotNil(t, resumed.StartedAt)
	assert.Equal(t, started.UnixMilli(), resumed.StartedAt.UnixMilli())

	done, err := e.Update(p.ID, planStatusPatch(db.PlanStatusCompleted))
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	// Terminal plans are locked
	_, err = e.Update(p.ID, planStatusPatch(db.PlanStatusRunning))
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestUpdate_CancelFromPending(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)

	cancelled, err := e.Update(p.ID, planStatusPatch(db.PlanStatusCancelled))
	require.NoError(t, err)
	assert.Equal(t, db.PlanStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
	assert.Nil(t, cancelled.StartedAt)
}

func TestAddStep_AssignsOrderAndRecountsPlan(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)

	s1 := addStep(t, e, p.ID, "search flights")
	s2 := addStep(t, e, p.ID, "book flight", s1.ID)

	assert.Equal(t, 1, s1.OrderNum)
	assert.Equal(t, 2, s2.OrderNum)
	assert.Equal(t, db.StepStatusPending, s1.Status)

	got, err := e.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalSteps)
	assert.Zero(t, got.CurrentStep)
}

func TestAreDependenciesMet(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)

	s1 := addStep(t, e, p.ID, "search")
	s2 := addStep(t, e, p.ID, "book", s1.ID)

	// No dependencies is always eligible
	met, err := e.AreDependenciesMet(s1.ID)
	require.NoError(t, err)
	assert.True(t, met)

	met, err = e.AreDependenciesMet(s2.ID)
	require.NoError(t, err)
	assert.False(t, met)

	_, err = e.UpdateStep(s1.ID, statusPatch(db.StepStatusRunning))
	require.NoError(t, err)

	// running is not completed
	met, err = e.AreDependenciesMet(s2.ID)
	require.NoError(t, err)
	assert.False(t, met)

	_, err = e.UpdateStep(s1.ID, statusPatch(db.StepStatusCompleted))
	require.NoError(t, err)

	met, err = e.AreDependenciesMet(s2.ID)
	require.NoError(t, err)
	assert.True(t, met)
}

func TestAreDependenciesMet_UnresolvedDependency(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)

	s := addStep(t, e, p.ID, "orphan", "no-such-step")

	met, err := e.AreDependenciesMet(s.ID)
	require.NoError(t, err)
	assert.False(t, met)
}

func TestUpdateStep_RunningRequiresDependencies(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)

	s1 := addStep(t, e, p.ID, "first")
	s2 := addStep(t, e, p.ID, "second", s1.ID)

	_, err := e.UpdateStep(s2.ID, statusPatch(db.StepStatusRunning))
	assert.ErrorIs(t, err, ErrDependenciesNotMet)

	// Still pending after the rejected transition
	got, err := e.GetStep(s2.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StepStatusPending, got.Status)
}

func TestUpdateStep_TerminalStampsDuration(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)
	s := addStep(t, e, p.ID, "work")

	running, err := e.UpdateStep(s.ID, statusPatch(db.StepStatusRunning))
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)

	done, err := e.UpdateStep(s.ID, statusPatch(db.StepStatusCompleted))
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.DurationMs)
	assert.GreaterOrEqual(t, *done.DurationMs, int64(0))
}

func TestUpdateStep_SkippedWithoutStartHasNoDuration(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)
	s := addStep(t, e, p.ID, "optional")

	skipped, err := e.UpdateStep(s.ID, statusPatch(db.StepStatusSkipped))
	require.NoError(t, err)
	require.NotNil(t, skipped.CompletedAt)
	assert.Nil(t, skipped.DurationMs)
}

func TestClaimStep(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)

	s1 := addStep(t, e, p.ID, "first")
	s2 := addStep(t, e, p.ID, "second", s1.ID)

	// Dependencies unmet: claim refused without error
	claimed, err := e.ClaimStep(s2.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = e.ClaimStep(s1.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim loses: the step is no longer pending
	claimed, err = e.ClaimStep(s1.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := e.GetStep(s1.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StepStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestGetNextStep(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)

	s1 := addStep(t, e, p.ID, "first")
	s2 := addStep(t, e, p.ID, "second")

	next, err := e.GetNextStep(p.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, s1.ID, next.ID)

	_, err = e.UpdateStep(s1.ID, statusPatch(db.StepStatusRunning))
	require.NoError(t, err)
	_, err = e.UpdateStep(s1.ID, statusPatch(db.StepStatusCompleted))
	require.NoError(t, err)

	next, err = e.GetNextStep(p.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, s2.ID, next.ID)

	_, err = e.UpdateStep(s2.ID, statusPatch(db.StepStatusSkipped))
	require.NoError(t, err)

	next, err = e.GetNextStep(p.ID)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRecalculateProgress(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)

	// Zero steps: progress stays zero rather than dividing by zero
	got, err := e.RecalculateProgress(p.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Progress)
	assert.Zero(t, got.TotalSteps)

	s1 := addStep(t, e, p.ID, "a")
	s2 := addStep(t, e, p.ID, "b")
	addStep(t, e, p.ID, "c")
	s4 := addStep(t, e, p.ID, "d")

	for _, id := range []string{s1.ID, s2.ID} {
		_, err = e.UpdateStep(id, statusPatch(db.StepStatusRunning))
		require.NoError(t, err)
		_, err = e.UpdateStep(id, statusPatch(db.StepStatusCompleted))
		require.NoError(t, err)
	}
	_, err = e.UpdateStep(s4.ID, statusPatch(db.StepStatusFailed))
	require.NoError(t, err)

	got, err = e.RecalculateProgress(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalSteps)
	assert.Equal(t, 2, got.CurrentStep)
	assert.InDelta(t, 50.0, got.Progress, 0.001)
}

func TestLogEvent_AppendOnlyHistory(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)

	_, err := e.LogEvent(p.ID, db.PlanEventStarted, "", "")
	require.NoError(t, err)
	_, err = e.LogEvent(p.ID, db.PlanEventStepCompleted, "step-1", "flights found")
	require.NoError(t, err)
	_, err = e.LogEvent(p.ID, db.PlanEventCompleted, "", "")
	require.NoError(t, err)

	events, err := e.GetHistory(p.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Oldest first
	assert.Equal(t, db.PlanEventStarted, events[0].EventType)
	assert.Equal(t, db.PlanEventStepCompleted, events[1].EventType)
	assert.Equal(t, "step-1", events[1].StepID)
	assert.Equal(t, db.PlanEventCompleted, events[2].EventType)
}

func TestGetStats(t *testing.T) {
	e := newTestEngine(t)

	// Empty: all aggregates zero
	stats, err := e.GetStats("user-1")
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.CompletionRate)

	p1 := newTestPlan(t, e)
	addStep(t, e, p1.ID, "a")
	addStep(t, e, p1.ID, "b")
	_, err = e.Update(p1.ID, planStatusPatch(db.PlanStatusRunning))
	require.NoError(t, err)
	_, err = e.Update(p1.ID, planStatusPatch(db.PlanStatusCompleted))
	require.NoError(t, err)

	p2 := newTestPlan(t, e)
	addStep(t, e, p2.ID, "a")
	_, err = e.Update(p2.ID, planStatusPatch(db.PlanStatusRunning))
	require.NoError(t, err)
	_, err = e.Update(p2.ID, planStatusPatch(db.PlanStatusFailed))
	require.NoError(t, err)

	// A different user's plan is excluded
	_, err = e.Create(&db.Plan{UserID: "user-2", Name: "other"})
	require.NoError(t, err)

	stats, err = e.GetStats("user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[db.PlanStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[db.PlanStatusFailed])
	assert.InDelta(t, 0.5, stats.CompletionRate, 0.001)
	assert.InDelta(t, 1.5, stats.AvgSteps, 0.001)
	assert.GreaterOrEqual(t, stats.AvgDurationMs, 0.0)
}

func TestDelete_CascadesStepsAndHistory(t *testing.T) {
	e := newTestEngine(t)
	p := newTestPlan(t, e)
	addStep(t, e, p.ID, "a")
	_, err := e.LogEvent(p.ID, db.PlanEventStarted, "", "")
	require.NoError(t, err)

	require.NoError(t, e.Delete(p.ID))

	_, err = e.Get(p.ID)
	assert.Error(t, err)

	steps, err := e.GetSteps(p.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)

	events, err := e.GetHistory(p.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
