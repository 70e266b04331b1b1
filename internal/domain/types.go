package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultCommandTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
)

// Priority orders tasks inside one workstation queue.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority accepts any casing; the empty string means NORMAL.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToUpper(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", Validation("invalid priority %q", s)
	}
}

// Rank is higher for more urgent work.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p), nil }

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TaskStatus is the lifecycle state of a task. Allowed edges live in state.go.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskPaused    TaskStatus = "PAUSED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := taskTransitions[st]; !ok {
		return "", Validation("invalid task status %q", s)
	}
	return st, nil
}

func (s TaskStatus) MarshalText() ([]byte, error) { return []byte(s), nil }

func (s *TaskStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// WorkstationStatus is the liveness/administrative state of a workstation.
type WorkstationStatus string

const (
	WorkstationOnline      WorkstationStatus = "ONLINE"
	WorkstationOffline     WorkstationStatus = "OFFLINE"
	WorkstationBusy        WorkstationStatus = "BUSY"
	WorkstationMaintenance WorkstationStatus = "MAINTENANCE"
	WorkstationError       WorkstationStatus = "ERROR"
)

func ParseWorkstationStatus(s string) (WorkstationStatus, error) {
	switch st := WorkstationStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case WorkstationOnline, WorkstationOffline, WorkstationBusy, WorkstationMaintenance, WorkstationError:
		return st, nil
	default:
		return "", Validation("invalid workstation status %q", s)
	}
}

func (s WorkstationStatus) MarshalText() ([]byte, error) { return []byte(s), nil }

func (s *WorkstationStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseWorkstationStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Equipment struct {
	Name         string   `json:"name" validate:"required"`
	Type         string   `json:"type" validate:"required"`
	Model        string   `json:"model,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status,omitempty"`
	Location     string   `json:"location,omitempty"`
}

// ResourceMetrics is the payload a workstation attaches to its heartbeat.
type ResourceMetrics struct {
	CPUUsage        *float64         `json:"cpu_usage,omitempty" validate:"omitempty,gte=0,lte=100"`
	MemoryUsage     *float64         `json:"memory_usage,omitempty" validate:"omitempty,gte=0,lte=100"`
	DiskUsage       *float64         `json:"disk_usage,omitempty" validate:"omitempty,gte=0,lte=100"`
	Temperature     *float64         `json:"temperature,omitempty"`
	EquipmentStatus []map[string]any `json:"equipment_status,omitempty"`
	ErrorMessages   []string         `json:"error_messages,omitempty"`
	LastMaintenance *time.Time       `json:"last_maintenance,omitempty"`
}

type Workstation struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Location           string            `json:"location,omitempty"`
	Capabilities       []string          `json:"capabilities"`
	Equipment          []Equipment       `json:"equipment"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	CurrentTaskCount   int               `json:"current_task_count"`
	Status             WorkstationStatus `json:"status"`
	Endpoint           string            `json:"api_endpoint"`
	APIKey             string            `json:"-"`
	CommandTimeout     int               `json:"command_timeout"` // seconds
	IsActive           bool              `json:"is_active"`
	ReconcilePending   bool              `json:"reconcile_pending"`
	AwaitingAck        bool              `json:"awaiting_ack"`
	LastHeartbeat      *time.Time        `json:"last_heartbeat,omitempty"`
	LastMetrics        *ResourceMetrics  `json:"last_metrics,omitempty"`

	TotalCompletedTasks int     `json:"total_completed_tasks"`
	TotalFailedTasks    int     `json:"total_failed_tasks"`
	SuccessRate         float64 `json:"success_rate"`
	AverageTaskDuration float64 `json:"average_task_duration"` // seconds

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (w *Workstation) Clone() *Workstation {
	if w == nil {
		return nil
	}
	c := *w
	c.Capabilities = append([]string(nil), w.Capabilities...)
	c.Equipment = append([]Equipment(nil), w.Equipment...)
	if w.LastHeartbeat != nil {
		hb := *w.LastHeartbeat
		c.LastHeartbeat = &hb
	}
	if w.LastMetrics != nil {
		m := *w.LastMetrics
		c.LastMetrics = &m
	}
	return &c
}

// CommandDeadline is the default per-command timeout for this workstation.
func (w *Workstation) CommandDeadline() time.Duration {
	if w.CommandTimeout <= 0 {
		return DefaultCommandTimeout
	}
	return time.Duration(w.CommandTimeout) * time.Second
}

// Dispatchable reports whether a new task may start here right now.
func (w *Workstation) Dispatchable() bool {
	return w.IsActive && w.Status == WorkstationOnline && w.CurrentTaskCount < w.MaxConcurrentTasks
}

// Reserve takes one capacity slot.
func (w *Workstation) Reserve() error {
	if w.CurrentTaskCount >= w.MaxConcurrentTasks {
		return Conflict(w.ID, "workstation %s is at capacity (%d/%d)", w.ID, w.CurrentTaskCount, w.MaxConcurrentTasks)
	}
	w.CurrentTaskCount++
	w.SyncBusy()
	return nil
}

// Release frees one capacity slot. It never goes below zero.
func (w *Workstation) Release() {
	if w.CurrentTaskCount > 0 {
		w.CurrentTaskCount--
	}
	w.SyncBusy()
}

// SyncBusy derives BUSY from ONLINE and the running count.
func (w *Workstation) SyncBusy() {
	switch {
	case w.Status == WorkstationOnline && w.CurrentTaskCount >= w.MaxConcurrentTasks:
		w.Status = WorkstationBusy
	case w.Status == WorkstationBusy && w.CurrentTaskCount < w.MaxConcurrentTasks:
		w.Status = WorkstationOnline
	}
}

// Live reports whether the workstation counts as reachable (ONLINE or BUSY).
func (w *Workstation) Live() bool {
	return w.Status == WorkstationOnline || w.Status == WorkstationBusy
}

// RecordOutcome folds a finished task into the workstation statistics.
func (w *Workstation) RecordOutcome(succeeded bool, duration time.Duration) {
	if succeeded {
		n := float64(w.TotalCompletedTasks)
		w.AverageTaskDuration = (w.AverageTaskDuration*n + duration.Seconds()) / (n + 1)
		w.TotalCompletedTasks++
	} else {
		w.TotalFailedTasks++
	}
	total := w.TotalCompletedTasks + w.TotalFailedTasks
	if total > 0 {
		w.SuccessRate = float64(w.TotalCompletedTasks) / float64(total)
	}
}

// Command is one step of a task. Timeout is in seconds; zero means the workstation default.
type Command struct {
	Action     string         `json:"action" validate:"required,max=100"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    int            `json:"timeout,omitempty" validate:"gte=0"`
	RetryCount int            `json:"retry_count" validate:"gte=0,lte=20"`
}

// TimeoutOr returns the command timeout, falling back to def when unset.
func (c Command) TimeoutOr(def time.Duration) time.Duration {
	if c.Timeout > 0 {
		return time.Duration(c.Timeout) * time.Second
	}
	return def
}

type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type CommandOutput struct {
	Index    int            `json:"index"`
	Action   string         `json:"action"`
	Attempts int            `json:"attempts"`
	Output   map[string]any `json:"output,omitempty"`
}

type Task struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	WorkstationID string     `json:"workstation_id"`
	RecipeID      string     `json:"recipe_id,omitempty"`
	ExperimentID  string     `json:"experiment_id,omitempty"`
	UserID        string     `json:"user_id"`
	Priority      Priority   `json:"priority"`
	Commands      []Command  `json:"commands"`
	Status        TaskStatus `json:"status"`

	Progress          float64 `json:"progress"`
	CompletedCommands int     `json:"completed_commands"`
	RetryCount        int     `json:"retry_count"`
	MaxRetries        int     `json:"max_retries"`

	ScheduledTime     *time.Time `json:"scheduled_time,omitempty"`
	EnqueuedAt        *time.Time `json:"enqueued_at,omitempty"`
	NotBefore         *time.Time `json:"not_before,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ActualDuration    float64    `json:"actual_duration,omitempty"`    // seconds
	EstimatedDuration int        `json:"estimated_duration,omitempty"` // minutes

	Result  map[string]any  `json:"result,omitempty"`
	Outputs []CommandOutput `json:"outputs,omitempty"`
	Error   *TaskError      `json:"error,omitempty"`
	Logs    []LogEntry      `json:"logs"`

	RunToken string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy. Command parameter maps are shared; they are never mutated after creation.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Commands = append([]Command(nil), t.Commands...)
	c.Outputs = append([]CommandOutput(nil), t.Outputs...)
	c.Logs = append([]LogEntry(nil), t.Logs...)
	if t.Result != nil {
		c.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	c.ScheduledTime = cloneTime(t.ScheduledTime)
	c.EnqueuedAt = cloneTime(t.EnqueuedAt)
	c.NotBefore = cloneTime(t.NotBefore)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

// AppendLog adds an entry to the task's append-only log.
func (t *Task) AppendLog(now time.Time, format string, args ...any) {
	t.Logs = append(t.Logs, LogEntry{Time: now, Message: fmt.Sprintf(format, args...)})
}

// OrderTime is the queue ordering timestamp: scheduled time when set, enqueue time otherwise.
func (t *Task) OrderTime() time.Time {
	if t.ScheduledTime != nil {
		return *t.ScheduledTime
	}
	if t.EnqueuedAt != nil {
		return *t.EnqueuedAt
	}
	return t.CreatedAt
}

// EligibleAt is the earliest time the task may be dispatched.
func (t *Task) EligibleAt() time.Time {
	var at time.Time
	if t.ScheduledTime != nil {
		at = *t.ScheduledTime
	}
	if t.NotBefore != nil && t.NotBefore.After(at) {
		at = *t.NotBefore
	}
	return at
}

// ResetProgress clears per-run execution state before a full-task retry.
func (t *Task) ResetProgress() {
	t.Progress = 0
	t.CompletedCommands = 0
	t.Outputs = nil
	t.Result = nil
	t.RunToken = ""
}

func Ptr[T any](v T) *T { return &v }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
