package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labflow/internal/domain"
	"labflow/internal/notify"
	"labflow/internal/retry"
	"labflow/internal/store"
	"labflow/internal/transport"
)

// launch starts the executor for a task that was just moved to RUNNING with
// the given run token.
func (s *Service) launch(t *domain.Task, ws *domain.Workstation) {
	if s.baseCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	s.runsMu.Lock()
	if old, ok := s.runs[t.ID]; ok {
		old.cancel(errStaleRun)
	}
	s.runs[t.ID] = &run{token: t.RunToken, cancel: cancel}
	s.runsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.endRun(t.ID, t.RunToken)
		s.execute(ctx, t, ws)
	}()
}

// execute runs the remaining commands of t in order. When ctx is cancelled
// (pause, cancel, reconciliation, shutdown) it returns without touching the
// task; whoever cancelled it owns the transition.
func (s *Service) execute(ctx context.Context, t *domain.Task, ws *domain.Workstation) {
	logger := s.log.With().Str("task_id", t.ID).Str("workstation_id", ws.ID).Logger()
	for i := t.CompletedCommands; i < len(t.Commands); i++ {
		cmd := t.Commands[i]
		res, attempts, err := s.runCommand(ctx, t, ws, i, cmd)
		if ctx.Err() != nil {
			logger.Debug().Err(context.Cause(ctx)).Int("command", i).Msg("execution interrupted")
			return
		}
		if err != nil {
			logger.Warn().Err(err).Int("command", i).Str("action", cmd.Action).Int("attempts", attempts).Msg("command exhausted its retries")
			s.finishFailure(t.ID, t.RunToken, err)
			return
		}
		if err := s.recordProgress(t.ID, t.RunToken, i, cmd, attempts, res); err != nil {
			if !errors.Is(err, errStaleRun) {
				logger.Error().Err(err).Int("command", i).Msg("failed to record progress")
			}
			return
		}
	}
	s.finishSuccess(t.ID, t.RunToken)
}

// runCommand sends one command, retrying FAILURE and TIMEOUT outcomes up to
// the command's retry budget. It returns the successful result, the number of
// attempts made, and a TimeoutError or CommandExecutionError once the budget
// is spent.
func (s *Service) runCommand(ctx context.Context, t *domain.Task, ws *domain.Workstation, idx int, cmd domain.Command) (transport.Result, int, error) {
	budget := cmd.RetryCount + 1
	timeout := cmd.TimeoutOr(ws.CommandDeadline())
	var last error
	for attempt := 1; attempt <= budget; attempt++ {
		if attempt > 1 {
			if err := retry.Sleep(ctx, s.cfg.Retry.Command.Delay(attempt-1)); err != nil {
				return transport.Result{}, attempt - 1, err
			}
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		res, err := s.transport.Send(cctx, transport.Request{
			WorkstationID: ws.ID,
			Endpoint:      ws.Endpoint,
			APIKey:        ws.APIKey,
			TaskID:        t.ID,
			CommandIndex:  idx,
			Action:        cmd.Action,
			Parameters:    cmd.Parameters,
			Attempt:       attempt,
		})
		timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
		cancel()
		if ctx.Err() != nil {
			return transport.Result{}, attempt, ctx.Err()
		}

		outcome := res.Outcome
		switch {
		case timedOut || (err == nil && outcome == transport.Timeout):
			outcome = transport.Timeout
			last = domain.Timeout(t.ID, "command %d (%s) timed out after %s", idx, cmd.Action, timeout)
		case err != nil:
			outcome = transport.Failure
			last = domain.CommandFailed(t.ID, "command %d (%s): %v", idx, cmd.Action, err)
		case outcome == transport.Failure:
			last = domain.CommandFailed(t.ID, "command %d (%s) failed: %s", idx, cmd.Action, res.Message)
		case outcome != transport.Success:
			last = domain.CommandFailed(t.ID, "command %d (%s) returned unknown outcome %q", idx, cmd.Action, outcome)
			outcome = transport.Failure
		}
		s.metrics.RecordCommand(ws.ID, string(outcome), time.Since(start))
		if outcome == transport.Success {
			return res, attempt, nil
		}
		s.log.Debug().Str("task_id", t.ID).Int("command", idx).Int("attempt", attempt).Int("budget", budget).
			Str("outcome", string(outcome)).Msg("command attempt failed")
	}
	return transport.Result{}, budget, last
}

func (s *Service) recordProgress(taskID, token string, idx int, cmd domain.Command, attempts int, res transport.Result) error {
	return s.store.UpdateTask(s.baseCtx, taskID, func(tx *store.Tx, t *domain.Task) error {
		if t.Status != domain.TaskRunning || t.RunToken != token {
			return errStaleRun
		}
		now := s.now()
		t.CompletedCommands = idx + 1
		t.Progress = float64(t.CompletedCommands) / float64(len(t.Commands)) * 100
		t.Outputs = append(t.Outputs, domain.CommandOutput{Index: idx, Action: cmd.Action, Attempts: attempts, Output: res.Output})
		t.AppendLog(now, "command %d/%d %s succeeded (attempts: %d)", idx+1, len(t.Commands), cmd.Action, attempts)
		t.UpdatedAt = now
		return nil
	})
}

func (s *Service) finishSuccess(taskID, token string) {
	err := s.store.UpdateTask(s.baseCtx, taskID, func(tx *store.Tx, t *domain.Task) error {
		if t.Status != domain.TaskRunning || t.RunToken != token {
			return errStaleRun
		}
		now := s.now()
		if err := t.Transition(domain.TaskCompleted); err != nil {
			return err
		}
		var took time.Duration
		if t.StartedAt != nil {
			took = now.Sub(*t.StartedAt)
		}
		t.CompletedAt = domain.Ptr(now)
		t.ActualDuration = took.Seconds()
		t.Progress = 100
		t.Error = nil
		t.RunToken = ""
		t.Result = map[string]any{
			"completed_commands": t.CompletedCommands,
			"outputs":            t.Outputs,
		}
		t.AppendLog(now, "completed in %s", took.Round(time.Millisecond))
		t.UpdatedAt = now

		ws := tx.Workstation()
		ws.Release()
		ws.RecordOutcome(true, took)
		ws.UpdatedAt = now

		ev := taskEvent(notify.TaskCompleted, t)
		tx.OnCommit(func() {
			s.metrics.TasksFinished.WithLabelValues(ev.WorkstationID, string(domain.TaskCompleted)).Inc()
			s.log.Info().Str("task_id", taskID).Str("workstation_id", ev.WorkstationID).Dur("took", took).Msg("task completed")
			s.emit(ev)
			s.Kick()
		})
		return nil
	})
	if err != nil && !errors.Is(err, errStaleRun) {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("failed to record completion")
	}
}

func (s *Service) finishFailure(taskID, token string, cause error) {
	kind := domain.KindOf(cause)
	err := s.store.UpdateTask(s.baseCtx, taskID, func(tx *store.Tx, t *domain.Task) error {
		if t.Status != domain.TaskRunning || t.RunToken != token {
			return errStaleRun
		}
		return s.failInTx(tx, t, kind, errorMessage(cause))
	})
	if err != nil && !errors.Is(err, errStaleRun) {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("failed to record failure")
	}
}

func errorMessage(err error) string {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr.Message
	}
	return fmt.Sprint(err)
}
