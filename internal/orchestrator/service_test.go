package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labflow/internal/domain"
	"labflow/internal/notify"
	"labflow/internal/queue"
	"labflow/internal/retry"
	"labflow/internal/store"
	"labflow/internal/transport"
)

// fakeTransport answers by action name:
//
//	hold    blocks until the attempt is cancelled
//	gate    blocks until release is closed or the attempt is cancelled
//	broken  always FAILURE
//
// anything else pops the next scripted result for that action, or SUCCESS.
type fakeTransport struct {
	mu      sync.Mutex
	script  map[string][]transport.Result
	calls   []transport.Request
	release chan struct{}

	interrupted atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{script: make(map[string][]transport.Result), release: make(chan struct{})}
}

func (f *fakeTransport) then(action string, results ...transport.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[action] = append(f.script[action], results...)
}

func (f *fakeTransport) Send(ctx context.Context, req transport.Request) (transport.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	res := transport.Result{Outcome: transport.Success, Output: map[string]any{"action": req.Action}}
	if q := f.script[req.Action]; len(q) > 0 {
		res, f.script[req.Action] = q[0], q[1:]
	}
	f.mu.Unlock()

	switch req.Action {
	case "hold":
		<-ctx.Done()
		f.interrupted.Add(1)
		return transport.Result{}, ctx.Err()
	case "gate":
		select {
		case <-f.release:
		case <-ctx.Done():
			f.interrupted.Add(1)
			return transport.Result{}, ctx.Err()
		}
	case "broken":
		return transport.Result{Outcome: transport.Failure, Message: "pipette jammed"}, nil
	}
	return res, nil
}

func (f *fakeTransport) requests() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.calls...)
}

// startOrder lists task ids in the order their first command was sent.
func (f *fakeTransport) startOrder() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range f.requests() {
		if !seen[r.TaskID] {
			seen[r.TaskID] = true
			out = append(out, r.TaskID)
		}
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc    *Service
	store  *store.Store
	queue  *queue.Manager
	tr     *fakeTransport
	events *recorder
}

func openPersistence(t *testing.T) store.Persistence {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "labflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	return store.NewSQLite(db)
}

func newHarness(t *testing.T, clock func() time.Time) *harness {
	t.Helper()
	return newHarnessOn(t, openPersistence(t), clock)
}

func newHarnessOn(t *testing.T, persist store.Persistence, clock func() time.Time) *harness {
	t.Helper()
	st := store.New(persist, zerolog.Nop())
	require.NoError(t, st.Load(context.Background()))
	h := &harness{
		store:  st,
		queue:  queue.NewManager(),
		tr:     newFakeTransport(),
		events: &recorder{},
	}
	h.svc = New(Config{
		TickInterval:     5 * time.Millisecond,
		HeartbeatTimeout: 90 * time.Second,
		Retry: retry.Policy{
			Command: retry.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
			Task:    retry.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
		},
		Version: "test",
	}, Deps{
		Store:     st,
		Queue:     h.queue,
		Transport: h.tr,
		Notifier:  h.events,
		Logger:    zerolog.Nop(),
		Clock:     clock,
	})
	t.Cleanup(h.svc.Close)
	return h
}

// runLoop starts the dispatcher until the test ends.
func (h *harness) runLoop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// onlineWorkstation registers a workstation and brings it ONLINE with a heartbeat.
func (h *harness) onlineWorkstation(t *testing.T, capacity int) string {
	t.Helper()
	id := h.workstation(t, capacity)
	ws, err := h.svc.Heartbeat(context.Background(), id, Heartbeat{Status: "online"})
	require.NoError(t, err)
	require.Equal(t, domain.WorkstationOnline, ws.Status)
	return id
}

func (h *harness) workstation(t *testing.T, capacity int) string {
	t.Helper()
	ws, err := h.svc.CreateWorkstation(context.Background(), "admin", domain.NewWorkstation{
		Name:               "liquid handler",
		Endpoint:           "sim://liquid-handler",
		MaxConcurrentTasks: capacity,
	})
	require.NoError(t, err)
	require.Equal(t, domain.WorkstationOffline, ws.Status)
	return ws.ID
}

func (h *harness) task(t *testing.T, wsID string, prio domain.Priority, maxRetries int, commands ...domain.Command) string {
	t.Helper()
	task, err := h.svc.CreateTask(context.Background(), "alice", domain.NewTask{
		Name:          "plate run",
		WorkstationID: wsID,
		Priority:      prio,
		Commands:      commands,
		MaxRetries:    domain.Ptr(maxRetries),
	})
	require.NoError(t, err)
	require.Equal(t, domain.TaskPending, task.Status)
	return task.ID
}

func (h *harness) get(t *testing.T, id string) TaskView {
	t.Helper()
	v, err := h.svc.GetTask(id)
	require.NoError(t, err)
	return v
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.get(t, id).Status == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
}

func cmd(action string) domain.Command { return domain.Command{Action: action} }

func TestCreateTaskQueuesImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	wsID := h.workstation(t, 1)

	id := h.task(t, wsID, domain.PriorityHigh, 3, cmd("aspirate"))

	v := h.get(t, id)
	assert.Equal(t, domain.TaskQueued, v.Status)
	assert.Equal(t, 1, v.QueuePosition)
	assert.Equal(t, "alice", v.UserID)
	assert.NotNil(t, v.EnqueuedAt)
	assert.Equal(t, []string{id}, h.queue.Snapshot(wsID))
}

func TestCreateTaskRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	wsID := h.workstation(t, 1)

	_, err := h.svc.CreateTask(ctx, "alice", domain.NewTask{Name: "x", WorkstationID: "ws_missing", Commands: []domain.Command{cmd("a")}})
	assert.True(t, domain.IsKind(err, domain.KindNotFound), "got %v", err)

	_, err = h.svc.CreateTask(ctx, "alice", domain.NewTask{Name: "x", WorkstationID: wsID})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "got %v", err)

	_, err = h.svc.DeactivateWorkstation(ctx, wsID)
	require.NoError(t, err)
	_, err = h.svc.CreateTask(ctx, "alice", domain.NewTask{Name: "x", WorkstationID: wsID, Commands: []domain.Command{cmd("a")}})
	assert.True(t, domain.IsKind(err, domain.KindConflict), "got %v", err)
}

func TestCommandRetryDoesNotConsumeTaskRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	wsID := h.onlineWorkstation(t, 1)
	failure := transport.Result{Outcome: transport.Failure, Message: "bubble detected"}
	h.tr.then("dispense", failure, failure)

	id := h.task(t, wsID, domain.PriorityNormal, 3, domain.Command{Action: "dispense", RetryCount: 2}, cmd("shake"))
	require.Equal(t, 1, h.svc.DispatchOnce(context.Background()))
	h.waitStatus(t, id, domain.TaskCompleted)

	v := h.get(t, id)
	assert.Equal(t, 0, v.RetryCount)
	assert.Equal(t, 100.0, v.Progress)
	require.Len(t, v.Outputs, 2)
	assert.Equal(t, 3, v.Outputs[0].Attempts)
	assert.Equal(t, 1, v.Outputs[1].Attempts)
	assert.Len(t, h.tr.requests(), 4)
	assert.Zero(t, h.events.count(notify.TaskRetryScheduled))

	ws, err := h.store.Workstation(wsID)
	require.NoError(t, err)
	assert.Zero(t, ws.CurrentTaskCount)
	assert.Equal(t, 1, ws.TotalCompletedTasks)
}

func TestTaskRetriesAreBounded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	wsID := h.onlineWorkstation(t, 1)
	h.runLoop(t)

	id := h.task(t, wsID, domain.PriorityNormal, 2, cmd("broken"))

	require.Eventually(t, func() bool {
		return h.events.count(notify.MaxRetriesExceeded) == 1
	}, 3*time.Second, 5*time.Millisecond)

	v := h.get(t, id)
	assert.Equal(t, domain.TaskFailed, v.Status)
	assert.Equal(t, 2, v.RetryCount)
	assert.True(t, v.IsTerminal())
	require.NotNil(t, v.Error)
	assert.Equal(t, domain.KindCommandExecution, v.Error.Kind)
	assert.Len(t, h.tr.requests(), 3, "one run plus two retries")
	h.svc.Close()
	assert.Equal(t, 2, h.events.count(notify.TaskRetryScheduled))

	_, err := h.svc.Control(context.Background(), id, ControlRequest{Action: ActionRetry})
	assert.True(t, domain.IsKind(err, domain.KindMaxRetriesExceeded), "got %v", err)
}

func TestManualRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	wsID := h.onlineWorkstation(t, 1)

	// With no task retries the first failure is final; manual retry is then refused too.
	id := h.task(t, wsID, domain.PriorityNormal, 0, cmd("broken"))
	h.svc.DispatchOnce(ctx)
	h.waitStatus(t, id, domain.TaskFailed)
	_, err := h.svc.Control(ctx, id, ControlRequest{Action: ActionRetry})
	assert.True(t, domain.IsKind(err, domain.KindMaxRetriesExceeded))

	_, err = h.svc.Control(ctx, id, ControlRequest{Action: ActionStart})
	assert.True(t, domain.IsKind(err, domain.KindConflict))
}

func TestConcurrentDispatchNeverExceedsCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	wsID := h.onlineWorkstation(t, 2)
	for i := 0; i < 10; i++ {
		h.task(t, wsID, domain.PriorityNormal, 3, cmd("hold"))
	}

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Add(int32(h.svc.DispatchOnce(ctx)))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 2, started.Load())
	ws, err := h.store.Workstation(wsID)
	require.NoError(t, err)
	assert.Equal(t, 2, ws.CurrentTaskCount)
	assert.Equal(t, domain.WorkstationBusy, ws.Status)
	assert.Len(t, h.store.ListTasks(store.TaskFilter{WorkstationID: wsID, Status: domain.TaskRunning}), 2)
	assert.Equal(t, 8, h.queue.Depth(wsID))
}

func TestUrgentTaskRunsFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	wsID := h.workstation(t, 1)

	a := h.task(t, wsID, domain.PriorityNormal, 3, cmd("weigh"))
	b := h.task(t, wsID, domain.PriorityUrgent, 3, cmd("weigh"))
	c := h.task(t, wsID, domain.PriorityNormal, 3, cmd("weigh"))
	assert.Equal(t, 1, h.get(t, b).QueuePosition)
	assert.Equal(t, 2, h.get(t, a).QueuePosition)
	assert.Equal(t, 3, h.get(t, c).QueuePosition)

	// OFFLINE until the first heartbeat, so nothing ran yet.
	_, err := h.svc.Heartbeat(context.Background(), wsID, Heartbeat{Status: "online"})
	require.NoError(t, err)
	h.runLoop(t)

	for _, id := range []string{a, b, c} {
		h.waitStatus(t, id, domain.TaskCompleted)
	}
	assert.Equal(t, []string{b, a, c}, h.tr.startOrder())
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	wsID := h.workstation(t, 1)
	id := h.task(t, wsID, domain.PriorityNormal, 3, cmd("aspirate"))

	got, err := h.svc.Control(ctx, id, ControlRequest{Action: ActionCancel, Reason: "wrong plate"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)
	assert.Zero(t, h.queue.Depth(wsID))

	got, err = h.svc.Control(ctx, id, ControlRequest{Action: ActionCancel})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)

	h.svc.Close()
	assert.Equal(t, 1, h.events.count(notify.TaskCancelled))

	_, err = h.svc.Control(ctx, id, ControlRequest{Action: ActionResume})
	assert.True(t, domain.IsKind(err, domain.KindConflict))
}

func TestCancelRunningInterruptsCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	wsID := h.onlineWorkstation(t, 1)
	id := h.task(t, wsID, domain.PriorityNormal, 3, cmd("hold"), cmd("never"))
	require.Equal(t, 1, h.svc.DispatchOnce(ctx))

	_, err := h.svc.Control(ctx, id, ControlRequest{Action: ActionCancel})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.tr.interrupted.Load() == 1 }, time.Second, 5*time.Millisecond)

	ws, err := h.store.Workstation(wsID)
	require.NoError(t, err)
	assert.Zero(t, ws.CurrentTaskCount)
	assert.Equal(t, domain.WorkstationOnline, ws.Status)
	for _, r := range h.tr.requests() {
		assert.NotEqual(t, "never", r.Action)
	}
}

func TestPauseAndResumeContinuesFromNextCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	wsID := h.onlineWorkstation(t, 1)
	id := h.task(t, wsID, domain.PriorityNormal, 3, cmd("aspirate"), cmd("gate"))
	require.Equal(t, 1, h.svc.DispatchOnce(ctx))

	require.Eventually(t, func() bool { return h.get(t, id).CompletedCommands == 1 }, time.Second, 5*time.Millisecond)
	paused, err := h.svc.Control(ctx, id, ControlRequest{Action: ActionPause})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPaused, paused.Status)
	require.Eventually(t, func() bool { return h.tr.interrupted.Load() == 1 }, time.Second, 5*time.Millisecond)

	ws, err := h.store.Workstation(wsID)
	require.NoError(t, err)
	assert.Zero(t, ws.CurrentTaskCount)

	close(h.tr.release)
	resumed, err := h.svc.Control(ctx, id, ControlRequest{Action: ActionResume})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, resumed.Status)
	h.waitStatus(t, id, domain.TaskCompleted)

	aspirations := 0
	for _, r := range h.tr.requests() {
		if r.Action == "aspirate" {
			aspirations++
		}
	}
	assert.Equal(t, 1, aspirations)
}

func TestResumeNeedsFreeSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	wsID := h.onlineWorkstation(t, 1)
	first := h.task(t, wsID, domain.PriorityNormal, 3, cmd("hold"))
	require.Equal(t, 1, h.svc.DispatchOnce(ctx))
	_, err := h.svc.Control(ctx, first, ControlRequest{Action: ActionPause})
	require.NoError(t, err)

	second := h.task(t, wsID, domain.PriorityNormal, 3, cmd("hold"))
	require.Equal(t, 1, h.svc.DispatchOnce(ctx))
	assert.Equal(t, domain.TaskRunning, h.get(t, second).Status)

	_, err = h.svc.Control(ctx, first, ControlRequest{Action: ActionResume})
	assert.True(t, domain.IsKind(err, domain.KindConflict), "got %v", err)
	assert.Equal(t, domain.TaskPaused, h.get(t, first).Status)
}

func TestCapacityCannotDropBelowRunningCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	wsID := h.onlineWorkstation(t, 3)
	for i := 0; i < 3; i++ {
		h.task(t, wsID, domain.PriorityNormal, 3, cmd("hold"))
	}
	require.Equal(t, 3, h.svc.DispatchOnce(ctx))

	_, err := h.svc.UpdateWorkstation(ctx, wsID, domain.WorkstationUpdate{MaxConcurrentTasks: domain.Ptr(1)})
	assert.True(t, domain.IsKind(err, domain.KindConflict), "got %v", err)

	ws, err := h.store.Workstation(wsID)
	require.NoError(t, err)
	assert.Equal(t, 3, ws.MaxConcurrentTasks)
	assert.Equal(t, 3, ws.CurrentTaskCount)

	ws, err = h.svc.UpdateWorkstation(ctx, wsID, domain.WorkstationUpdate{MaxConcurrentTasks: domain.Ptr(5)})
	require.NoError(t, err)
	assert.Equal(t, 5, ws.MaxConcurrentTasks)
	assert.Equal(t, domain.WorkstationOnline, ws.Status)
}

func TestEmptyOutcomeCountsAsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	wsID := h.onlineWorkstation(t, 1)
	h.tr.then("mute", transport.Result{}, transport.Result{})

	id := h.task(t, wsID, domain.PriorityNormal, 0, domain.Command{Action: "mute", RetryCount: 1})
	require.Equal(t, 1, h.svc.DispatchOnce(context.Background()))
	h.waitStatus(t, id, domain.TaskFailed)

	v := h.get(t, id)
	require.NotNil(t, v.Error)
	assert.Equal(t, domain.KindCommandExecution, v.Error.Kind)
	assert.Contains(t, v.Error.Message, "unknown outcome")
	assert.Zero(t, v.CompletedCommands)
	assert.Len(t, h.tr.requests(), 2)
}

func TestControlRejectsUnknownAction(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	wsID := h.workstation(t, 1)
	id := h.task(t, wsID, domain.PriorityNormal, 3, cmd("aspirate"))

	_, err := h.svc.Control(context.Background(), id, ControlRequest{Action: "explode"})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
	_, err = h.svc.Control(context.Background(), "tsk_missing", ControlRequest{Action: ActionCancel})
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}
