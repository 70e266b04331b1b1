package store

import (
	"sort"

	"labflow/internal/domain"
)

// Tx is a unit of work on one workstation partition. Accessors that return
// mutable records hand out copies and mark them dirty; View and PeekTask hand
// out the live record and must be treated as read-only.
type Tx struct {
	p     *partition
	ws    *domain.Workstation
	tasks map[string]*domain.Task
	order []string

	onCommit   []func()
	onRollback []func()
}

// View returns the workstation as the transaction currently sees it. Do not mutate.
func (tx *Tx) View() *domain.Workstation {
	if tx.ws != nil {
		return tx.ws
	}
	return tx.p.ws
}

// Workstation returns a mutable copy of the workstation that will be saved on commit.
func (tx *Tx) Workstation() *domain.Workstation {
	if tx.ws == nil {
		tx.ws = tx.p.ws.Clone()
	}
	return tx.ws
}

// Task returns a mutable copy of a task in this partition that will be saved on commit.
func (tx *Tx) Task(id string) (*domain.Task, error) {
	if t, ok := tx.tasks[id]; ok {
		return t, nil
	}
	t, ok := tx.p.tasks[id]
	if !ok {
		return nil, domain.NotFound("task", id)
	}
	c := t.Clone()
	tx.track(c)
	return c, nil
}

// PeekTask returns the task as the transaction sees it without marking it dirty. Do not mutate.
func (tx *Tx) PeekTask(id string) (*domain.Task, bool) {
	if t, ok := tx.tasks[id]; ok {
		return t, true
	}
	t, ok := tx.p.tasks[id]
	return t, ok
}

// AddTask stages a new task for this workstation.
func (tx *Tx) AddTask(t *domain.Task) error {
	if _, exists := tx.PeekTask(t.ID); exists {
		return domain.Conflict(t.ID, "task %s already exists", t.ID)
	}
	if t.WorkstationID != tx.p.ws.ID {
		return domain.Validation("task %s belongs to workstation %s, not %s", t.ID, t.WorkstationID, tx.p.ws.ID)
	}
	tx.track(t)
	return nil
}

func (tx *Tx) track(t *domain.Task) {
	tx.tasks[t.ID] = t
	tx.order = append(tx.order, t.ID)
}

// TaskIDs lists the ids of tasks in the given statuses, oldest first.
func (tx *Tx) TaskIDs(statuses ...domain.TaskStatus) []string {
	want := make(map[domain.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	seen := make(map[string]bool)
	var matched []*domain.Task
	consider := func(t *domain.Task) {
		if seen[t.ID] {
			return
		}
		seen[t.ID] = true
		if len(want) == 0 || want[t.Status] {
			matched = append(matched, t)
		}
	}
	for _, t := range tx.tasks {
		consider(t)
	}
	for _, t := range tx.p.tasks {
		consider(t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	ids := make([]string, len(matched))
	for i, t := range matched {
		ids[i] = t.ID
	}
	return ids
}

// OnCommit registers fn to run after the transaction is persisted.
func (tx *Tx) OnCommit(fn func()) { tx.onCommit = append(tx.onCommit, fn) }

// OnRollback registers fn to run when the transaction is abandoned.
func (tx *Tx) OnRollback(fn func()) { tx.onRollback = append(tx.onRollback, fn) }

func (tx *Tx) commit() {
	for _, fn := range tx.onCommit {
		fn()
	}
}

func (tx *Tx) rollback() {
	for i := len(tx.onRollback) - 1; i >= 0; i-- {
		tx.onRollback[i]()
	}
}
