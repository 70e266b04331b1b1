package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"labflow/internal/domain"
	"labflow/internal/store"
)

// Kick asks the dispatcher loop for a pass. It never blocks.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run is the dispatcher loop. It reacts to kicks and falls back to a periodic
// tick, and returns when ctx is done.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()

	s.log.Info().Dur("tick", s.cfg.TickInterval).Msg("dispatcher started")
	s.DispatchOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("dispatcher stopped")
			return nil
		case <-s.kick:
		case <-t.C:
		}
		s.DispatchOnce(ctx)
	}
}

// DispatchOnce fills spare capacity on every workstation and returns how many
// tasks were started. Nothing is dispatched while persistence is unhealthy.
func (s *Service) DispatchOnce(ctx context.Context) int {
	if ok, err := s.store.Healthy(); !ok {
		s.log.Debug().Err(err).Msg("store unhealthy, dispatch halted")
		return 0
	}
	started := 0
	for _, wsID := range s.store.WorkstationIDs() {
		for ctx.Err() == nil {
			ok, err := s.reserve(ctx, wsID)
			if err != nil {
				s.log.Error().Err(err).Str("workstation_id", wsID).Msg("dispatch failed")
				break
			}
			if !ok {
				break
			}
			started++
		}
	}
	return started
}

// reserve pops the next eligible task of one workstation and, in the same
// partition transaction, takes a capacity slot and moves the task to RUNNING.
// The executor starts only after the transaction is persisted.
func (s *Service) reserve(ctx context.Context, wsID string) (bool, error) {
	err := s.store.Update(ctx, wsID, func(tx *store.Tx) error {
		now := s.now()
		for {
			item, ok := s.queue.PopNextEligible(tx.View(), now)
			if !ok {
				return errNothingToDispatch
			}
			peek, found := tx.PeekTask(item.TaskID)
			if !found || peek.Status != domain.TaskQueued {
				// The entry outlived its task's QUEUED state; drop it.
				s.log.Warn().Str("task_id", item.TaskID).Msg("discarding stale queue entry")
				continue
			}
			tx.OnRollback(func() { s.queue.Restore(wsID, item) })

			ws := tx.Workstation()
			if err := ws.Reserve(); err != nil {
				return err
			}
			t, err := tx.Task(item.TaskID)
			if err != nil {
				return err
			}
			if err := t.Transition(domain.TaskRunning); err != nil {
				return err
			}
			t.StartedAt = domain.Ptr(now)
			t.CompletedAt = nil
			t.NotBefore = nil
			t.RunToken = uuid.NewString()
			t.UpdatedAt = now
			t.AppendLog(now, "dispatched to %s (slot %d/%d)", ws.ID, ws.CurrentTaskCount, ws.MaxConcurrentTasks)
			ws.UpdatedAt = now

			task, station := t.Clone(), ws.Clone()
			tx.OnCommit(func() {
				s.metrics.TasksDispatched.WithLabelValues(wsID).Inc()
				s.log.Info().Str("task_id", task.ID).Str("workstation_id", wsID).Str("priority", string(task.Priority)).Msg("task dispatched")
				s.launch(task, station)
			})
			return nil
		}
	})
	if errors.Is(err, errNothingToDispatch) {
		return false, nil
	}
	return err == nil, err
}
