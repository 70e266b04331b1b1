package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labflow/internal/domain"
	"labflow/internal/notify"
	"labflow/internal/store"
)

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func TestHeartbeatExpiryFailsInFlightTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newClock()
	h := newHarness(t, clock.Now)
	wsID := h.onlineWorkstation(t, 2)
	a := h.task(t, wsID, domain.PriorityNormal, 3, cmd("hold"))
	b := h.task(t, wsID, domain.PriorityHigh, 3, cmd("hold"))
	require.Equal(t, 2, h.svc.DispatchOnce(ctx))

	clock.Advance(30 * time.Second)
	demoted, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, demoted, "heartbeat still fresh")

	clock.Advance(2 * time.Minute)
	demoted, err = h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{wsID}, demoted)

	ws, err := h.store.Workstation(wsID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkstationOffline, ws.Status)
	assert.Zero(t, ws.CurrentTaskCount)
	assert.True(t, ws.ReconcilePending)

	for _, id := range []string{a, b} {
		v := h.get(t, id)
		assert.Equal(t, domain.TaskQueued, v.Status, "failed in flight and requeued")
		assert.Equal(t, 1, v.RetryCount)
		require.NotNil(t, v.Error)
		assert.Equal(t, domain.KindWorkstationUnavailable, v.Error.Kind)
	}
	require.Eventually(t, func() bool { return h.tr.interrupted.Load() == 2 }, time.Second, 5*time.Millisecond)

	// Liveness alone does not bring it back.
	ws, err = h.svc.Heartbeat(ctx, wsID, Heartbeat{Status: "online"})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkstationOffline, ws.Status)
	assert.True(t, ws.AwaitingAck)
	clock.Advance(time.Second)
	assert.Zero(t, h.svc.DispatchOnce(ctx))

	ws, err = h.svc.Acknowledge(ctx, wsID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkstationOnline, ws.Status)
	assert.False(t, ws.ReconcilePending)
	assert.False(t, ws.AwaitingAck)
	assert.Equal(t, 2, h.svc.DispatchOnce(ctx))

	h.svc.Close()
	assert.Equal(t, 1, h.events.count(notify.WorkstationOffline))
	assert.Equal(t, 1, h.events.count(notify.WorkstationReconcile))
	assert.Equal(t, 2, h.events.count(notify.TaskRetryScheduled))
}

func TestAcknowledgeWithoutPendingReconciliation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newClock().Now)
	wsID := h.onlineWorkstation(t, 1)

	_, err := h.svc.Acknowledge(context.Background(), wsID)
	assert.True(t, domain.IsKind(err, domain.KindConflict), "got %v", err)
}

func TestAcknowledgeBeforeHeartbeatWaitsOffline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newClock()
	h := newHarness(t, clock.Now)
	wsID := h.onlineWorkstation(t, 1)
	clock.Advance(5 * time.Minute)
	_, err := h.svc.Sweep(ctx)
	require.NoError(t, err)

	ws, err := h.svc.Acknowledge(ctx, wsID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkstationOffline, ws.Status)
	assert.False(t, ws.ReconcilePending)

	ws, err = h.svc.Heartbeat(ctx, wsID, Heartbeat{Status: "online"})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkstationOnline, ws.Status)
}

func TestHeartbeatStatusTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, newClock().Now)
	wsID := h.workstation(t, 1)

	steps := []struct {
		report string
		want   domain.WorkstationStatus
	}{
		{"error", domain.WorkstationError},
		{"online", domain.WorkstationOnline},
		{"busy", domain.WorkstationOnline},
		{"error", domain.WorkstationError},
		{"ERROR", domain.WorkstationError},
		{"online", domain.WorkstationOnline},
	}
	for i, step := range steps {
		ws, err := h.svc.Heartbeat(ctx, wsID, Heartbeat{Status: step.report})
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.want, ws.Status, "step %d (%s)", i, step.report)
	}

	_, err := h.svc.Heartbeat(ctx, wsID, Heartbeat{Status: "asleep"})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
	_, err = h.svc.Heartbeat(ctx, "ws_missing", Heartbeat{Status: "online"})
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestHeartbeatRecordsMetrics(t *testing.T) {
	t.Parallel()
	clock := newClock()
	h := newHarness(t, clock.Now)
	wsID := h.workstation(t, 1)

	ws, err := h.svc.Heartbeat(context.Background(), wsID, Heartbeat{
		Status:  "online",
		Metrics: &domain.ResourceMetrics{CPUUsage: domain.Ptr(41.5), ErrorMessages: []string{"door ajar"}},
	})
	require.NoError(t, err)
	require.NotNil(t, ws.LastHeartbeat)
	assert.True(t, ws.LastHeartbeat.Equal(clock.Now()))
	require.NotNil(t, ws.LastMetrics)
	assert.Equal(t, 41.5, *ws.LastMetrics.CPUUsage)
}

func TestMaintenanceBlocksDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, newClock().Now)
	wsID := h.onlineWorkstation(t, 1)

	maintenance := domain.WorkstationMaintenance
	ws, err := h.svc.UpdateWorkstation(ctx, wsID, domain.WorkstationUpdate{Status: &maintenance})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkstationMaintenance, ws.Status)

	id := h.task(t, wsID, domain.PriorityUrgent, 3, cmd("aspirate"))
	_, err = h.svc.Heartbeat(ctx, wsID, Heartbeat{Status: "online"})
	require.NoError(t, err)
	assert.Zero(t, h.svc.DispatchOnce(ctx))
	assert.Equal(t, domain.TaskQueued, h.get(t, id).Status)

	online := domain.WorkstationOnline
	ws, err = h.svc.UpdateWorkstation(ctx, wsID, domain.WorkstationUpdate{Status: &online})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkstationOnline, ws.Status)
	assert.Equal(t, 1, h.svc.DispatchOnce(ctx))

	offline := domain.WorkstationOffline
	_, err = h.svc.UpdateWorkstation(ctx, wsID, domain.WorkstationUpdate{Status: &offline})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestLeavingMaintenanceWithStaleHeartbeatGoesOffline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newClock()
	h := newHarness(t, clock.Now)
	wsID := h.onlineWorkstation(t, 1)

	maintenance, online := domain.WorkstationMaintenance, domain.WorkstationOnline
	_, err := h.svc.UpdateWorkstation(ctx, wsID, domain.WorkstationUpdate{Status: &maintenance})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	ws, err := h.svc.UpdateWorkstation(ctx, wsID, domain.WorkstationUpdate{Status: &online})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkstationOffline, ws.Status)
}

func TestFailureOnDeactivatedWorkstationWaitsForManualRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newClock()
	h := newHarness(t, clock.Now)
	wsID := h.onlineWorkstation(t, 1)
	id := h.task(t, wsID, domain.PriorityNormal, 3, cmd("hold"))
	require.Equal(t, 1, h.svc.DispatchOnce(ctx))

	_, err := h.svc.DeactivateWorkstation(ctx, wsID)
	require.NoError(t, err)
	assert.Empty(t, h.svc.ListWorkstations(false))
	assert.Len(t, h.svc.ListWorkstations(true), 1)

	clock.Advance(5 * time.Minute)
	_, err = h.svc.Sweep(ctx)
	require.NoError(t, err)

	v := h.get(t, id)
	assert.Equal(t, domain.TaskFailed, v.Status)
	assert.False(t, v.IsTerminal())
	assert.Equal(t, 0, v.RetryCount)

	active := true
	_, err = h.svc.UpdateWorkstation(ctx, wsID, domain.WorkstationUpdate{IsActive: &active})
	require.NoError(t, err)
	got, err := h.svc.Control(ctx, id, ControlRequest{Action: ActionRetry})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.NotBefore)
	assert.Equal(t, []string{id}, h.queue.Snapshot(wsID))
}

func TestSweepSkippedWhileStoreUnhealthy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newClock()
	persist := &failingPersistence{Persistence: openPersistence(t)}
	h := newHarnessOn(t, persist, clock.Now)
	wsID := h.onlineWorkstation(t, 1)

	persist.fail.Store(true)
	_, err := h.svc.Heartbeat(ctx, wsID, Heartbeat{Status: "error"})
	assert.True(t, domain.IsKind(err, domain.KindInternal))

	clock.Advance(5 * time.Minute)
	demoted, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, demoted)
	assert.Zero(t, h.svc.DispatchOnce(ctx))
	assert.Equal(t, "degraded", h.svc.Health().Status)

	persist.fail.Store(false)
	require.NoError(t, h.svc.CheckStore(ctx))
	assert.Equal(t, "ok", h.svc.Health().Status)
	demoted, err = h.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{wsID}, demoted)
}

func TestDetailedHealth(t *testing.T) {
	t.Parallel()
	clock := newClock()
	h := newHarness(t, clock.Now)
	online := h.onlineWorkstation(t, 1)
	h.workstation(t, 1)
	h.task(t, online, domain.PriorityNormal, 3, cmd("hold"))
	h.task(t, online, domain.PriorityNormal, 3, cmd("hold"))
	require.Equal(t, 1, h.svc.DispatchOnce(context.Background()))
	clock.Advance(time.Minute)

	r := h.svc.DetailedHealth()
	assert.Equal(t, "ok", r.Status)
	assert.Equal(t, "test", r.Version)
	assert.Equal(t, "1m0s", r.Uptime)
	assert.True(t, r.StoreHealthy)
	assert.Equal(t, map[string]int{"BUSY": 1, "OFFLINE": 1}, r.Workstations)
	assert.Equal(t, 1, r.RunningTasks)
	assert.Equal(t, 1, r.QueueDepths[online])

	require.NoError(t, h.svc.RefreshMetrics(context.Background()))
	tasks := h.svc.ListTasks(store.TaskFilter{WorkstationID: online, Status: domain.TaskQueued})
	assert.Len(t, tasks, 1)
}
