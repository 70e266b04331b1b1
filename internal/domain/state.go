package domain

var taskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskQueued:    {},
		TaskCancelled: {},
	},
	TaskQueued: {
		TaskRunning:   {},
		TaskCancelled: {},
	},
	TaskRunning: {
		TaskCompleted: {},
		TaskFailed:    {},
		TaskCancelled: {},
		TaskPaused:    {},
	},
	TaskPaused: {
		TaskRunning:   {},
		TaskCancelled: {},
	},
	TaskFailed: {
		TaskQueued: {},
	},
	TaskCompleted: {},
	TaskCancelled: {},
}

// ValidateTransition returns a ConflictError naming the edge when from -> to is not allowed.
func ValidateTransition(from, to TaskStatus) error {
	if _, ok := taskTransitions[from][to]; !ok {
		return Conflict("", "invalid task transition: %s -> %s", from, to)
	}
	return nil
}

// IsTerminal reports whether no further mutation is permitted.
// FAILED is terminal only once the retry budget is spent.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskCancelled:
		return true
	case TaskFailed:
		return t.RetryCount >= t.MaxRetries
	default:
		return false
	}
}

// Transition moves the task along one edge of the state machine.
func (t *Task) Transition(to TaskStatus) error {
	if t.IsTerminal() {
		return Conflict(t.ID, "task %s is in terminal state %s", t.ID, t.Status)
	}
	if err := ValidateTransition(t.Status, to); err != nil {
		e := err.(*Error)
		e.ID = t.ID
		return e
	}
	t.Status = to
	return nil
}
