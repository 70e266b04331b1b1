// Package store is the authoritative in-memory state of workstations and tasks,
// written through to a Persistence on every mutation.
//
// State is partitioned by workstation: one mutex guards a workstation and all of
// its tasks, so unrelated workstations never contend.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"labflow/internal/domain"
)

// Persistence durably records workstations and tasks.
type Persistence interface {
	// Save writes ws (when non-nil) and tasks in one transaction.
	Save(ctx context.Context, ws *domain.Workstation, tasks []*domain.Task) error
	LoadAll(ctx context.Context) ([]*domain.Workstation, []*domain.Task, error)
	Ping(ctx context.Context) error
}

type partition struct {
	mu    sync.Mutex
	ws    *domain.Workstation
	tasks map[string]*domain.Task
}

type Store struct {
	persist Persistence
	log     zerolog.Logger

	mu        sync.RWMutex
	parts     map[string]*partition
	taskIndex map[string]string // task id -> workstation id

	unhealthy atomic.Bool
	lastErr   atomic.Pointer[error]
}

func New(p Persistence, logger zerolog.Logger) *Store {
	return &Store{
		persist:   p,
		log:       logger.With().Str("component", "store").Logger(),
		parts:     make(map[string]*partition),
		taskIndex: make(map[string]string),
	}
}

// Load replaces memory with everything persisted. Tasks pointing at an unknown
// workstation are skipped.
func (s *Store) Load(ctx context.Context) error {
	workstations, tasks, err := s.persist.LoadAll(ctx)
	if err != nil {
		s.markUnhealthy(err)
		return domain.Internal(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts = make(map[string]*partition, len(workstations))
	s.taskIndex = make(map[string]string, len(tasks))
	for _, ws := range workstations {
		s.parts[ws.ID] = &partition{ws: ws, tasks: make(map[string]*domain.Task)}
	}
	for _, t := range tasks {
		p, ok := s.parts[t.WorkstationID]
		if !ok {
			s.log.Warn().Str("task_id", t.ID).Str("workstation_id", t.WorkstationID).Msg("skipping task of unknown workstation")
			continue
		}
		p.tasks[t.ID] = t
		s.taskIndex[t.ID] = t.WorkstationID
	}
	s.log.Info().Int("workstations", len(s.parts)).Int("tasks", len(s.taskIndex)).Msg("state loaded")
	return nil
}

func (s *Store) partition(wsID string) (*partition, error) {
	s.mu.RLock()
	p, ok := s.parts[wsID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.NotFound("workstation", wsID)
	}
	return p, nil
}

// AddWorkstation persists and registers a new workstation.
func (s *Store) AddWorkstation(ctx context.Context, ws *domain.Workstation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.parts[ws.ID]; exists {
		return domain.Conflict(ws.ID, "workstation %s already exists", ws.ID)
	}
	if err := s.save(ctx, ws, nil); err != nil {
		return err
	}
	s.parts[ws.ID] = &partition{ws: ws.Clone(), tasks: make(map[string]*domain.Task)}
	return nil
}

// Update runs fn against a transactional view of one workstation partition.
// Records touched through the Tx are persisted together; on success they replace
// the in-memory state and the OnCommit hooks run, otherwise nothing changes and
// the OnRollback hooks run. Hooks run while the partition is still locked and
// must not call back into the store.
func (s *Store) Update(ctx context.Context, wsID string, fn func(tx *Tx) error) error {
	p, err := s.partition(wsID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tx := &Tx{p: p, tasks: make(map[string]*domain.Task)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if tx.ws == nil && len(tx.tasks) == 0 {
		tx.commit()
		return nil
	}

	dirty := make([]*domain.Task, 0, len(tx.tasks))
	for _, id := range tx.order {
		dirty = append(dirty, tx.tasks[id])
	}
	if err := s.save(ctx, tx.ws, dirty); err != nil {
		tx.rollback()
		return err
	}

	if tx.ws != nil {
		p.ws = tx.ws
	}
	var added []string
	for _, t := range dirty {
		if _, existed := p.tasks[t.ID]; !existed {
			added = append(added, t.ID)
		}
		p.tasks[t.ID] = t
	}
	if len(added) > 0 {
		s.mu.Lock()
		for _, id := range added {
			s.taskIndex[id] = wsID
		}
		s.mu.Unlock()
	}
	tx.commit()
	return nil
}

// UpdateTask is Update on the partition that owns taskID.
func (s *Store) UpdateTask(ctx context.Context, taskID string, fn func(tx *Tx, t *domain.Task) error) error {
	wsID, err := s.owner(taskID)
	if err != nil {
		return err
	}
	return s.Update(ctx, wsID, func(tx *Tx) error {
		t, err := tx.Task(taskID)
		if err != nil {
			return err
		}
		return fn(tx, t)
	})
}

func (s *Store) owner(taskID string) (string, error) {
	s.mu.RLock()
	wsID, ok := s.taskIndex[taskID]
	s.mu.RUnlock()
	if !ok {
		return "", domain.NotFound("task", taskID)
	}
	return wsID, nil
}

func (s *Store) save(ctx context.Context, ws *domain.Workstation, tasks []*domain.Task) error {
	if err := s.persist.Save(ctx, ws, tasks); err != nil {
		s.markUnhealthy(err)
		return domain.Internal(err)
	}
	if s.unhealthy.CompareAndSwap(true, false) {
		s.log.Info().Msg("persistence recovered")
	}
	return nil
}

func (s *Store) markUnhealthy(err error) {
	s.lastErr.Store(&err)
	if s.unhealthy.CompareAndSwap(false, true) {
		s.log.Error().Err(err).Msg("persistence failure, store marked unhealthy")
	}
}

// Healthy reports whether the last persistence call succeeded, and the last error seen otherwise.
func (s *Store) Healthy() (bool, error) {
	if !s.unhealthy.Load() {
		return true, nil
	}
	if e := s.lastErr.Load(); e != nil {
		return false, *e
	}
	return false, errors.New("persistence unhealthy")
}

// CheckHealth pings persistence and clears the unhealthy flag when it answers.
func (s *Store) CheckHealth(ctx context.Context) error {
	if err := s.persist.Ping(ctx); err != nil {
		s.markUnhealthy(err)
		return err
	}
	if s.unhealthy.CompareAndSwap(true, false) {
		s.log.Info().Msg("persistence recovered")
	}
	return nil
}

// Workstation returns a copy of one workstation.
func (s *Store) Workstation(id string) (*domain.Workstation, error) {
	p, err := s.partition(id)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.Clone(), nil
}

// Workstations returns copies of all workstations ordered by creation time.
func (s *Store) Workstations() []*domain.Workstation {
	out := make([]*domain.Workstation, 0)
	for _, p := range s.snapshotParts() {
		p.mu.Lock()
		out = append(out, p.ws.Clone())
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// WorkstationIDs lists every known workstation id.
func (s *Store) WorkstationIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.parts))
	for id := range s.parts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Task returns a copy of one task.
func (s *Store) Task(id string) (*domain.Task, error) {
	wsID, err := s.owner(id)
	if err != nil {
		return nil, err
	}
	p, err := s.partition(wsID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil, domain.NotFound("task", id)
	}
	return t.Clone(), nil
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	WorkstationID string
	Status        domain.TaskStatus
	Priority      domain.Priority
	Limit         int
}

// ListTasks returns copies of matching tasks, newest first.
func (s *Store) ListTasks(f TaskFilter) []*domain.Task {
	var parts []*partition
	if f.WorkstationID != "" {
		p, err := s.partition(f.WorkstationID)
		if err != nil {
			return nil
		}
		parts = []*partition{p}
	} else {
		parts = s.snapshotParts()
	}

	out := make([]*domain.Task, 0)
	for _, p := range parts {
		p.mu.Lock()
		for _, t := range p.tasks {
			if f.Status != "" && t.Status != f.Status {
				continue
			}
			if f.Priority != "" && t.Priority != f.Priority {
				continue
			}
			out = append(out, t.Clone())
		}
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (s *Store) snapshotParts() []*partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := make([]*partition, 0, len(s.parts))
	for _, p := range s.parts {
		parts = append(parts, p)
	}
	return parts
}
