// Package queue keeps one ordered queue of pending task ids per workstation.
//
// Ordering is priority rank descending, then the task's order time (scheduled
// time, or enqueue time) ascending, then arrival sequence. The manager only
// holds ordering keys; task state itself lives in the store.
package queue

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"labflow/internal/domain"
)

// Item is one queued task.
type Item struct {
	TaskID    string
	Priority  domain.Priority
	At        time.Time // ordering time
	NotBefore time.Time // zero means immediately eligible
	seq       uint64
}

// ItemFor builds the queue entry for a task.
func ItemFor(t *domain.Task) Item {
	return Item{
		TaskID:    t.ID,
		Priority:  t.Priority,
		At:        t.OrderTime(),
		NotBefore: t.EligibleAt(),
	}
}

func (a Item) before(b Item) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.seq < b.seq
}

type wsQueue struct {
	mu    sync.Mutex
	items []Item
}

type Manager struct {
	mu     sync.RWMutex
	queues map[string]*wsQueue
	seq    atomic.Uint64
}

func NewManager() *Manager {
	return &Manager{queues: make(map[string]*wsQueue)}
}

func (m *Manager) queue(wsID string, create bool) *wsQueue {
	m.mu.RLock()
	q := m.queues[wsID]
	m.mu.RUnlock()
	if q != nil || !create {
		return q
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if q = m.queues[wsID]; q == nil {
		q = &wsQueue{}
		m.queues[wsID] = q
	}
	return q
}

// Enqueue accepts a task for ws. The workstation must exist and be active;
// it does not have to be online.
func (m *Manager) Enqueue(ws *domain.Workstation, it Item) error {
	if ws == nil {
		return domain.NotFound("workstation", "")
	}
	if !ws.IsActive {
		return domain.Conflict(ws.ID, "workstation %s is deactivated", ws.ID)
	}
	it.seq = m.seq.Add(1)
	m.insert(ws.ID, it)
	return nil
}

// Restore puts back an item that was popped but could not be dispatched,
// keeping its original arrival sequence.
func (m *Manager) Restore(wsID string, it Item) {
	if it.seq == 0 {
		it.seq = m.seq.Add(1)
	}
	m.insert(wsID, it)
}

func (m *Manager) insert(wsID string, it Item) {
	q := m.queue(wsID, true)
	q.mu.Lock()
	defer q.mu.Unlock()
	i := sort.Search(len(q.items), func(i int) bool { return it.before(q.items[i]) })
	q.items = append(q.items, Item{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = it
}

// PopNextEligible removes and returns the highest-ranked task whose not-before
// time has passed. It returns false without side effects when ws is not ONLINE
// with spare capacity, or nothing is eligible.
func (m *Manager) PopNextEligible(ws *domain.Workstation, now time.Time) (Item, bool) {
	if ws == nil || !ws.Dispatchable() {
		return Item{}, false
	}
	q := m.queue(ws.ID, false)
	if q == nil {
		return Item{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.NotBefore.After(now) {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		return it, true
	}
	return Item{}, false
}

// Remove drops a task from its workstation queue and returns the removed entry
// so a caller can Restore it.
func (m *Manager) Remove(wsID, taskID string) (Item, bool) {
	q := m.queue(wsID, false)
	if q == nil {
		return Item{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.TaskID == taskID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return it, true
		}
	}
	return Item{}, false
}

// Position is the 1-based place of the task in its queue, or 0 if absent.
func (m *Manager) Position(wsID, taskID string) int {
	q := m.queue(wsID, false)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.TaskID == taskID {
			return i + 1
		}
	}
	return 0
}

// Snapshot returns the queued task ids of one workstation in dispatch order.
func (m *Manager) Snapshot(wsID string) []string {
	q := m.queue(wsID, false)
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.items))
	for i, it := range q.items {
		out[i] = it.TaskID
	}
	return out
}

func (m *Manager) Depth(wsID string) int {
	q := m.queue(wsID, false)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Depths reports the queue length of every workstation that ever had a queue.
func (m *Manager) Depths() map[string]int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make(map[string]int, len(ids))
	for _, id := range ids {
		out[id] = m.Depth(id)
	}
	return out
}
