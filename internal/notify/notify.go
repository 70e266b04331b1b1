// Package notify tells the outside world about task and workstation events.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Event types.
const (
	TaskCompleted        = "task.completed"
	TaskFailed           = "task.failed"
	TaskRetryScheduled   = "task.retry_scheduled"
	TaskCancelled        = "task.cancelled"
	MaxRetriesExceeded   = "task.max_retries_exceeded"
	WorkstationOffline   = "workstation.offline"
	WorkstationReconcile = "workstation.reconciled"
)

type Event struct {
	Type          string         `json:"type"`
	Time          time.Time      `json:"time"`
	TaskID        string         `json:"task_id,omitempty"`
	WorkstationID string         `json:"workstation_id"`
	Status        string         `json:"status,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Message       string         `json:"message,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Key is the partitioning key used by ordered sinks.
func (e Event) Key() string {
	if e.TaskID != "" {
		return e.TaskID
	}
	return e.WorkstationID
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes events to the structured log.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Notify(_ context.Context, ev Event) error {
	level := zerolog.InfoLevel
	if ev.ErrorKind != "" {
		level = zerolog.WarnLevel
	}
	l.Logger.WithLevel(level).
		Str("event", ev.Type).
		Str("error_kind", ev.ErrorKind).
		Str("workstation_id", ev.WorkstationID).
		Str("task_id", ev.TaskID).
		Str("status", ev.Status).
		Msg(ev.Message)
	return nil
}

// Closer is implemented by notifiers holding connections.
type Closer interface {
	Close() error
}

// Close closes every member that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if c, ok := n.(Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
