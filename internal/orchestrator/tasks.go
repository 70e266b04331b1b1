package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"labflow/internal/domain"
	"labflow/internal/notify"
	"labflow/internal/store"
)

// TaskView is a task plus its 1-based queue position (0 when not queued).
type TaskView struct {
	*domain.Task
	QueuePosition int `json:"queue_position,omitempty"`
}

type ControlAction string

const (
	ActionStart  ControlAction = "start"
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionCancel ControlAction = "cancel"
	ActionRetry  ControlAction = "retry"
)

type ControlRequest struct {
	Action ControlAction `json:"action" validate:"required,oneof=start pause resume cancel retry"`
	Reason string        `json:"reason" validate:"max=500"`
}

// CreateTask records a PENDING task and then hands it to the queue. The
// returned copy is the PENDING record; if the enqueue step fails the task stays
// PENDING and can be queued later with the start action.
func (s *Service) CreateTask(ctx context.Context, actor string, in domain.NewTask) (*domain.Task, error) {
	in.Normalize()
	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	ws, err := s.store.Workstation(in.WorkstationID)
	if err != nil {
		return nil, err
	}
	if !ws.IsActive {
		return nil, domain.Conflict(ws.ID, "workstation %s is deactivated", ws.ID)
	}

	now := s.now()
	t := &domain.Task{
		ID:                "tsk_" + uuid.NewString(),
		Name:              in.Name,
		Description:       in.Description,
		WorkstationID:     in.WorkstationID,
		RecipeID:          in.RecipeID,
		ExperimentID:      in.ExperimentID,
		UserID:            actor,
		Priority:          in.Priority,
		Commands:          in.Commands,
		Status:            domain.TaskPending,
		MaxRetries:        *in.MaxRetries,
		ScheduledTime:     in.ScheduledTime,
		EstimatedDuration: in.EstimatedDuration,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	t.AppendLog(now, "created by %s with %d command(s)", actor, len(t.Commands))

	err = s.store.Update(ctx, t.WorkstationID, func(tx *store.Tx) error {
		if !tx.View().IsActive {
			return domain.Conflict(t.WorkstationID, "workstation %s is deactivated", t.WorkstationID)
		}
		return tx.AddTask(t.Clone())
	})
	if err != nil {
		return nil, err
	}
	s.metrics.TasksCreated.WithLabelValues(t.WorkstationID, string(t.Priority)).Inc()
	s.log.Info().Str("task_id", t.ID).Str("workstation_id", t.WorkstationID).Str("priority", string(t.Priority)).
		Str("user_id", actor).Msg("task created")

	if err := s.store.UpdateTask(ctx, t.ID, func(tx *store.Tx, task *domain.Task) error {
		return s.queueInTx(tx, task, "queued")
	}); err != nil {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("task left PENDING, enqueue failed")
	}
	return t, nil
}

// queueInTx moves a PENDING or FAILED task to QUEUED and enqueues it.
func (s *Service) queueInTx(tx *store.Tx, t *domain.Task, note string) error {
	if err := t.Transition(domain.TaskQueued); err != nil {
		return err
	}
	now := s.now()
	t.EnqueuedAt = domain.Ptr(now)
	t.UpdatedAt = now
	t.AppendLog(now, "%s", note)
	return s.enqueueInTx(tx, t)
}

func (s *Service) GetTask(id string) (TaskView, error) {
	t, err := s.store.Task(id)
	if err != nil {
		return TaskView{}, err
	}
	v := TaskView{Task: t}
	if t.Status == domain.TaskQueued {
		v.QueuePosition = s.queue.Position(t.WorkstationID, t.ID)
	}
	return v, nil
}

func (s *Service) ListTasks(f store.TaskFilter) []*domain.Task {
	return s.store.ListTasks(f)
}

// Control applies a control action to one task and returns the updated record.
func (s *Service) Control(ctx context.Context, id string, req ControlRequest) (*domain.Task, error) {
	req.Action = ControlAction(strings.ToLower(strings.TrimSpace(string(req.Action))))
	if err := domain.Validate(req); err != nil {
		return nil, err
	}
	var out *domain.Task
	err := s.store.UpdateTask(ctx, id, func(tx *store.Tx, t *domain.Task) error {
		var err error
		switch req.Action {
		case ActionStart:
			err = s.startInTx(tx, t)
		case ActionPause:
			err = s.pauseInTx(tx, t, req.Reason)
		case ActionResume:
			err = s.resumeInTx(tx, t)
		case ActionCancel:
			err = s.cancelInTx(tx, t, req.Reason)
		case ActionRetry:
			err = s.retryInTx(tx, t)
		}
		if err != nil {
			return err
		}
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("task_id", id).Str("action", string(req.Action)).Str("status", string(out.Status)).Msg("control action applied")
	return out, nil
}

func (s *Service) startInTx(tx *store.Tx, t *domain.Task) error {
	switch t.Status {
	case domain.TaskPending:
		return s.queueInTx(tx, t, "queued by start action")
	case domain.TaskQueued:
		tx.OnCommit(s.Kick)
		return nil
	default:
		return domain.Conflict(t.ID, "cannot start task %s in state %s", t.ID, t.Status)
	}
}

func (s *Service) pauseInTx(tx *store.Tx, t *domain.Task, reason string) error {
	token := t.RunToken
	if err := t.Transition(domain.TaskPaused); err != nil {
		return err
	}
	now := s.now()
	t.RunToken = ""
	t.UpdatedAt = now
	t.AppendLog(now, "paused at command %d/%d%s", t.CompletedCommands, len(t.Commands), suffix(reason))

	ws := tx.Workstation()
	ws.Release()
	ws.UpdatedAt = now
	id := t.ID
	tx.OnCommit(func() {
		s.endRun(id, token)
		s.Kick()
	})
	return nil
}

// resumeInTx takes a slot again and restarts the executor at the first
// unfinished command.
func (s *Service) resumeInTx(tx *store.Tx, t *domain.Task) error {
	if t.Status != domain.TaskPaused {
		return domain.Conflict(t.ID, "cannot resume task %s in state %s", t.ID, t.Status)
	}
	ws := tx.Workstation()
	if !ws.IsActive || !ws.Live() {
		return domain.Conflict(ws.ID, "workstation %s is %s and cannot take task %s", ws.ID, ws.Status, t.ID)
	}
	if err := ws.Reserve(); err != nil {
		return err
	}
	if err := t.Transition(domain.TaskRunning); err != nil {
		return err
	}
	now := s.now()
	t.RunToken = uuid.NewString()
	t.UpdatedAt = now
	t.AppendLog(now, "resumed at command %d/%d", t.CompletedCommands+1, len(t.Commands))
	ws.UpdatedAt = now

	task, station := t.Clone(), ws.Clone()
	tx.OnCommit(func() { s.launch(task, station) })
	return nil
}

// cancelInTx is idempotent: cancelling a CANCELLED task succeeds without changes.
func (s *Service) cancelInTx(tx *store.Tx, t *domain.Task, reason string) error {
	if t.Status == domain.TaskCancelled {
		return nil
	}
	from, token := t.Status, t.RunToken
	if err := t.Transition(domain.TaskCancelled); err != nil {
		return err
	}
	now := s.now()
	wsID, id := t.WorkstationID, t.ID

	switch from {
	case domain.TaskQueued:
		if item, ok := s.queue.Remove(wsID, id); ok {
			tx.OnRollback(func() { s.queue.Restore(wsID, item) })
		}
	case domain.TaskRunning:
		ws := tx.Workstation()
		ws.Release()
		ws.UpdatedAt = now
		tx.OnCommit(func() { s.endRun(id, token) })
	}
	t.CompletedAt = domain.Ptr(now)
	if t.StartedAt != nil {
		t.ActualDuration = now.Sub(*t.StartedAt).Seconds()
	}
	t.RunToken = ""
	t.UpdatedAt = now
	t.AppendLog(now, "cancelled from %s%s", from, suffix(reason))

	ev := taskEvent(notify.TaskCancelled, t)
	ev.Message = reason
	tx.OnCommit(func() {
		s.metrics.TasksFinished.WithLabelValues(wsID, string(domain.TaskCancelled)).Inc()
		s.emit(ev)
		s.Kick()
	})
	return nil
}

// retryInTx is the manual FAILED -> QUEUED edge. It spends one task retry and
// skips the backoff delay.
func (s *Service) retryInTx(tx *store.Tx, t *domain.Task) error {
	if t.Status != domain.TaskFailed {
		return domain.Conflict(t.ID, "cannot retry task %s in state %s", t.ID, t.Status)
	}
	if t.RetryCount >= t.MaxRetries {
		return domain.MaxRetriesExceeded(t.ID, t.RetryCount, t.MaxRetries)
	}
	if !tx.View().IsActive {
		return domain.Conflict(t.WorkstationID, "workstation %s is deactivated", t.WorkstationID)
	}
	// Transition first: with the counter already bumped a last retry would look terminal.
	if err := t.Transition(domain.TaskQueued); err != nil {
		return err
	}
	now := s.now()
	t.RetryCount++
	t.EnqueuedAt = domain.Ptr(now)
	t.NotBefore = nil
	t.CompletedAt = nil
	t.ResetProgress()
	t.UpdatedAt = now
	t.AppendLog(now, "manual retry %d/%d", t.RetryCount, t.MaxRetries)
	return s.enqueueInTx(tx, t)
}

func suffix(reason string) string {
	if reason == "" {
		return ""
	}
	return ": " + reason
}
