package orchestrator

import (
	"time"

	"labflow/internal/domain"
	"labflow/internal/notify"
	"labflow/internal/queue"
	"labflow/internal/store"
)

// failInTx moves t to FAILED and applies the task-level retry policy inside
// the caller's transaction. A RUNNING task gives back its capacity slot and
// its executor is cancelled once the transaction commits. While retries remain
// and the workstation is active the task goes straight back to QUEUED with a
// not-before delay; otherwise it stays FAILED.
func (s *Service) failInTx(tx *store.Tx, t *domain.Task, kind domain.ErrorKind, msg string) error {
	now := s.now()
	wasRunning := t.Status == domain.TaskRunning
	if err := t.Transition(domain.TaskFailed); err != nil {
		return err
	}
	token := t.RunToken
	t.Error = &domain.TaskError{Kind: kind, Message: msg}
	t.CompletedAt = domain.Ptr(now)
	if t.StartedAt != nil {
		t.ActualDuration = now.Sub(*t.StartedAt).Seconds()
	}
	t.RunToken = ""
	t.UpdatedAt = now
	t.AppendLog(now, "failed (%s): %s", kind, msg)

	if wasRunning {
		ws := tx.Workstation()
		ws.Release()
		ws.UpdatedAt = now
		id := t.ID
		tx.OnCommit(func() { s.endRun(id, token) })
	}

	wsID := t.WorkstationID
	decision := s.cfg.Retry.OnTaskFailure(t.RetryCount, t.MaxRetries)
	view := tx.View()
	switch {
	case decision.Requeue && view.IsActive:
		if err := t.Transition(domain.TaskQueued); err != nil {
			return err
		}
		t.RetryCount = decision.RetryCount
		t.EnqueuedAt = domain.Ptr(now)
		t.NotBefore = domain.Ptr(now.Add(decision.Delay))
		t.CompletedAt = nil
		t.ResetProgress()
		t.AppendLog(now, "retry %d/%d scheduled in %s", t.RetryCount, t.MaxRetries, decision.Delay.Round(time.Millisecond))
		if err := s.enqueueInTx(tx, t); err != nil {
			return err
		}
		ev := taskEvent(notify.TaskRetryScheduled, t)
		ev.ErrorKind, ev.Message = string(kind), msg
		retries := t.RetryCount
		tx.OnCommit(func() {
			s.metrics.TaskRetries.WithLabelValues(wsID, string(kind)).Inc()
			s.log.Warn().Str("task_id", ev.TaskID).Str("workstation_id", wsID).Str("kind", string(kind)).
				Int("retry_count", retries).Dur("delay", decision.Delay).Msg("task failed, retry scheduled")
			s.emit(ev)
		})

	case !decision.Requeue:
		ws := tx.Workstation()
		ws.RecordOutcome(false, 0)
		exceeded := domain.MaxRetriesExceeded(t.ID, t.RetryCount, t.MaxRetries)
		t.AppendLog(now, "%s", exceeded.Message)
		ev := taskEvent(notify.MaxRetriesExceeded, t)
		ev.Message = exceeded.Message + ": " + msg
		tx.OnCommit(func() {
			s.metrics.TasksFinished.WithLabelValues(wsID, string(domain.TaskFailed)).Inc()
			s.log.Error().Err(exceeded).Str("task_id", ev.TaskID).Str("workstation_id", wsID).Str("kind", string(kind)).Msg("task failed permanently")
			s.emit(ev)
		})

	default:
		t.AppendLog(now, "workstation %s is deactivated, not retrying automatically", wsID)
		ev := taskEvent(notify.TaskFailed, t)
		tx.OnCommit(func() {
			s.metrics.TasksFinished.WithLabelValues(wsID, string(domain.TaskFailed)).Inc()
			s.log.Warn().Str("task_id", ev.TaskID).Str("workstation_id", wsID).Str("kind", string(kind)).Msg("task failed on deactivated workstation")
			s.emit(ev)
		})
	}
	return nil
}

// enqueueInTx puts t (already QUEUED) on its workstation queue; the entry is
// withdrawn again if the transaction does not commit.
func (s *Service) enqueueInTx(tx *store.Tx, t *domain.Task) error {
	item := queue.ItemFor(t)
	if err := s.queue.Enqueue(tx.View(), item); err != nil {
		return err
	}
	wsID, id := t.WorkstationID, t.ID
	tx.OnRollback(func() { s.queue.Remove(wsID, id) })
	tx.OnCommit(s.Kick)
	return nil
}
