package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidekit/aide/internal/db"
	"github.com/aidekit/aide/internal/executor"
	"github.com/aidekit/aide/internal/notify"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func newTestTask(t *testing.T, database *db.DB) *db.Task {
	t.Helper()
	task := &db.Task{
		UserID: "user-1",
		Name:   "daily summary",
		Payload: db.TaskPayload{
			Type:   db.TaskTypePrompt,
			Prompt: "summarize",
		},
		Enabled: true,
	}
	require.NoError(t, database.CreateTask(task))
	return task
}

func completedResult(output string) ExecuteFunc {
	return func(ctx context.Context, task *db.Task) *executor.Result {
		now := time.Now()
		return &executor.Result{
			TaskID:      task.ID,
			Status:      db.RunStatusCompleted,
			Output:      output,
			StartedAt:   now,
			CompletedAt: now,
		}
	}
}

func TestDispatch_RecordsCompletedRun(t *testing.T) {
	database := newTestDB(t)
	task := newTestTask(t, database)

	sched := New(database, DefaultConfig(), nil)
	sched.SetExecutor(completedResult("all quiet"))

	sched.dispatch(task)

	run, err := database.GetLatestTaskRun(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCompleted, run.Status)
	assert.Equal(t, "all quiet", run.Output)
	require.NotNil(t, run.CompletedAt)

	got, err := database.GetTask(task.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
}

func TestDispatch_RecordsFailedRun(t *testing.T) {
	database := newTestDB(t)
	task := newTestTask(t, database)

	sched := New(database, DefaultConfig(), nil)
	sched.SetExecutor(func(ctx context.Context, task *db.Task) *executor.Result {
		now := time.Now()
		return &executor.Result{
			Status:      db.RunStatusFailed,
			Error:       "agent unavailable",
			StartedAt:   now,
			CompletedAt: now,
		}
	})

	sched.dispatch(task)

	run, err := database.GetLatestTaskRun(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, run.Status)
	assert.Equal(t, "agent unavailable", run.Error)
}

func TestDispatch_SingleFlight(t *testing.T) {
	database := newTestDB(t)
	task := newTestTask(t, database)

	started := make(chan struct{})
	block := make(chan struct{})
	var calls atomic.Int64

	sched := New(database, DefaultConfig(), nil)
	sched.SetExecutor(func(ctx context.Context, task *db.Task) *executor.Result {
		calls.Add(1)
		close(started)
		<-block
		now := time.Now()
		return &executor.Result{Status: db.RunStatusCompleted, StartedAt: now, CompletedAt: now}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.dispatch(task)
	}()
	<-started

	// Overlapping dispatch of the same task is dropped, not queued
	sched.dispatch(task)

	close(block)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	runs, err := database.GetTaskRuns(task.ID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDispatch_Timeout(t *testing.T) {
	database := newTestDB(t)
	task := newTestTask(t, database)
	timeoutMs := int64(50)
	task.TimeoutMs = &timeoutMs
	require.NoError(t, database.UpdateTask(task))

	block := make(chan struct{})
	defer close(block)

	sched := New(database, DefaultConfig(), nil)
	sched.SetExecutor(func(ctx context.Context, task *db.Task) *executor.Result {
		<-block
		now := time.Now()
		return &executor.Result{Status: db.RunStatusCompleted, StartedAt: now, CompletedAt: now}
	})

	sched.dispatch(task)

	run, err := database.GetLatestTaskRun(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, run.Status)
	assert.Equal(t, "Task execution timed out after 50ms", run.Error)
	require.NotNil(t, run.CompletedAt)
}

func TestDispatch_TrimsRunHistory(t *testing.T) {
	database := newTestDB(t)
	task := newTestTask(t, database)

	sched := New(database, DefaultConfig(), nil)
	sched.SetExecutor(completedResult("ok"))

	require.NoError(t, database.SetHistoryKeep(2))

	for i := 0; i < 5; i++ {
		sched.dispatch(task)
	}

	runs, err := database.GetTaskRuns(task.ID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestDispatch_HistoryKeepSettingOverridesConfig(t *testing.T) {
	database := newTestDB(t)
	task := newTestTask(t, database)

	cfg := DefaultConfig()
	cfg.HistoryKeep = 10
	sched := New(database, cfg, nil)
	sched.SetExecutor(completedResult("ok"))

	require.NoError(t, database.SetHistoryKeep(1))

	for i := 0; i < 5; i++ {
		sched.dispatch(task)
	}

	runs, err := database.GetTaskRuns(task.ID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStop_WaitsForRunTaskNow(t *testing.T) {
	database := newTestDB(t)
	task := newTestTask(t, database)

	started := make(chan struct{})
	release := make(chan struct{})
	sched := New(database, DefaultConfig(), nil)
	sched.SetExecutor(func(ctx context.Context, task *db.Task) *executor.Result {
		close(started)
		<-release
		now := time.Now()
		return &executor.Result{Status: db.RunStatusCompleted, StartedAt: now, CompletedAt: now}
	})

	require.NoError(t, sched.Start())
	require.NoError(t, sched.RunTaskNow(task.ID))
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	sched.Stop()

	// Stop returns only after the in-flight run is recorded
	run, err := database.GetLatestTaskRun(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCompleted, run.Status)
}

// recordingChannels observes the latest recorded run at delivery time.
type recordingChannels struct {
	database     *db.DB
	taskID       int64
	statusAtSend db.RunStatus
	sendErr      error
	deliveries   int
}

func (r *recordingChannels) Channel(id string) (*db.Channel, error) {
	if id == "ch-1" {
		return &db.Channel{ID: "ch-1", Platform: "slack", Status: db.ChannelStatusConnected}, nil
	}
	return nil, errors.New("not found")
}

func (r *recordingChannels) Channels() ([]*db.Channel, error) {
	return []*db.Channel{{ID: "ch-1", Platform: "slack", Status: db.ChannelStatusConnected}}, nil
}

func (r *recordingChannels) Send(target string, msg notify.Message) error {
	r.deliveries++
	if run, err := r.database.GetLatestTaskRun(r.taskID); err == nil {
		r.statusAtSend = run.Status
	}
	return r.sendErr
}

func TestDispatch_NotifiesAfterRecording(t *testing.T) {
	database := newTestDB(t)
	task := newTestTask(t, database)
	task.NotifyChannels = []string{"ch-1"}
	require.NoError(t, database.UpdateTask(task))

	channels := &recordingChannels{database: database, taskID: task.ID}
	sched := New(database, DefaultConfig(), nil)
	sched.SetExecutor(completedResult("done"))
	sched.SetBridge(notify.New(channels, nil))

	sched.dispatch(task)

	// The run outcome is durable before any delivery is attempted
	assert.Equal(t, 1, channels.deliveries)
	assert.Equal(t, db.RunStatusCompleted, channels.statusAtSend)
}

func TestDispatch_NotificationFailureLeavesRunUntouched(t *testing.T) {
	database := newTestDB(t)
	task := newTestTask(t, database)
	task.NotifyChannels = []string{"ch-1"}
	require.NoError(t, database.UpdateTask(task))

	channels := &recordingChannels{database: database, taskID: task.ID, sendErr: errors.New("webhook down")}
	sched := New(database, DefaultConfig(), nil)
	sched.SetExecutor(completedResult("done"))
	sched.SetBridge(notify.New(channels, nil))

	sched.dispatch(task)

	run, err := database.GetLatestTaskRun(task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusCompleted, run.Status)
}

func TestDispatch_UsesDefaultChannels(t *testing.T) {
	database := newTestDB(t)
	task := newTestTask(t, database)
	require.NoError(t, database.SetDefaultChannels([]string{"ch-1"}))

	channels := &recordingChannels{database: database, taskID: task.ID}
	sched := New(database, DefaultConfig(), nil)
	sched.SetExecutor(completedResult("done"))
	sched.SetBridge(notify.New(channels, nil))

	sched.dispatch(task)

	assert.Equal(t, 1, channels.deliveries)
}

func TestInitialize_MarksStaleRuns(t *testing.T) {
	database := newTestDB(t)
	task := newTestTask(t, database)

	stale := &db.TaskRun{
		TaskID:    task.ID,
		Status:    db.RunStatusRunning,
		StartedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, database.CreateTaskRun(stale))

	sched := New(database, DefaultConfig(), nil)
	require.NoError(t, sched.Initialize())

	run, err := database.GetTaskRun(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, run.Status)
	assert.Equal(t, "Server restarted during execution", run.Error)
	assert.NotNil(t, run.CompletedAt)
}

func TestRunTaskNow_UnknownTask(t *testing.T) {
	database := newTestDB(t)
	sched := New(database, DefaultConfig(), nil)
	sched.SetExecutor(completedResult("ok"))

	err := sched.RunTaskNow(9999)
	assert.Error(t, err)
}

func TestStart_RequiresExecutor(t *testing.T) {
	database := newTestDB(t)
	sched := New(database, DefaultConfig(), nil)

	err := sched.Start()
	assert.Error(t, err)
}

func TestStartStop_Idempotent(t *testing.T) {
	database := newTestDB(t)
	sched := New(database, DefaultConfig(), nil)
	sched.SetExecutor(completedResult("ok"))

	require.NoError(t, sched.Start())
	require.NoError(t, sched.Start())
	sched.Stop()
	sched.Stop()
}
