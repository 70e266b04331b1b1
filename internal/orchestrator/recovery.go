package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"labflow/internal/domain"
	"labflow/internal/queue"
	"labflow/internal/store"
)

// Recover rebuilds runtime state after Store.Load. Workstations restart OFFLINE
// (MAINTENANCE is kept) with no claimed slots. Tasks persisted as RUNNING have
// an unknown outcome and are failed into the retry policy, which also leaves
// their workstation waiting for a reconciliation ack. QUEUED tasks go back on
// their queues in their original order, and PENDING tasks are queued.
func (s *Service) Recover(ctx context.Context) error {
	var failed, queued int
	for _, wsID := range s.store.WorkstationIDs() {
		err := s.store.Update(ctx, wsID, func(tx *store.Tx) error {
			now := s.now()
			ws := tx.Workstation()
			if ws.Status != domain.WorkstationMaintenance {
				ws.Status = domain.WorkstationOffline
			}
			ws.CurrentTaskCount = 0
			ws.AwaitingAck = false
			ws.UpdatedAt = now

			// Restore surviving QUEUED entries before failInTx adds retries behind them.
			var restored []*domain.Task
			for _, id := range tx.TaskIDs(domain.TaskQueued) {
				t, _ := tx.PeekTask(id)
				restored = append(restored, t)
			}
			sort.SliceStable(restored, func(i, j int) bool { return queuedBefore(restored[i], restored[j]) })
			for _, t := range restored {
				s.queue.Restore(wsID, queue.ItemFor(t))
				id := t.ID
				tx.OnRollback(func() { s.queue.Remove(wsID, id) })
			}
			queued += len(restored)

			running := tx.TaskIDs(domain.TaskRunning)
			for _, id := range running {
				t, err := tx.Task(id)
				if err != nil {
					return err
				}
				// The slot was zeroed above; failInTx releases it again, which floors at zero.
				if err := s.failInTx(tx, t, domain.KindWorkstationUnavailable, "outcome unknown after restart"); err != nil {
					return err
				}
				failed++
			}
			if len(running) > 0 {
				ws.ReconcilePending = true
			}

			if ws.IsActive {
				for _, id := range tx.TaskIDs(domain.TaskPending) {
					t, err := tx.Task(id)
					if err != nil {
						return err
					}
					if err := s.queueInTx(tx, t, "queued on recovery"); err != nil {
						return err
					}
					queued++
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("recover workstation %s: %w", wsID, err)
		}
	}
	s.log.Info().Int("failed_in_flight", failed).Int("queued", queued).Msg("recovery complete")
	s.Kick()
	return nil
}

// queuedBefore orders QUEUED tasks the way they arrived on the queue. Ties on
// the ordering time fall back to enqueue time, then creation time.
func queuedBefore(a, b *domain.Task) bool {
	if at, bt := a.OrderTime(), b.OrderTime(); !at.Equal(bt) {
		return at.Before(bt)
	}
	if ae, be := timeOrZero(a.EnqueuedAt), timeOrZero(b.EnqueuedAt); !ae.Equal(be) {
		return ae.Before(be)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
