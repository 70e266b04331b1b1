// Package transport delivers single commands to workstations and reports how they ended.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// Outcome is the workstation's verdict on one command attempt.
type Outcome string

const (
	Success Outcome = "SUCCESS"
	Failure Outcome = "FAILURE"
	Timeout Outcome = "TIMEOUT"
)

// Request is one command attempt addressed to a workstation.
type Request struct {
	WorkstationID string         `json:"workstation_id"`
	Endpoint      string         `json:"-"`
	APIKey        string         `json:"-"`
	TaskID        string         `json:"task_id"`
	CommandIndex  int            `json:"command_index"`
	Action        string         `json:"action"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Attempt       int            `json:"attempt"`
}

// Result is what came back. A transport error (returned separately) means no
// verdict was obtained at all.
type Result struct {
	Outcome Outcome        `json:"outcome"`
	Message string         `json:"message,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// Transport sends a command and waits for its outcome. Implementations must
// return promptly once ctx is done.
type Transport interface {
	Send(ctx context.Context, req Request) (Result, error)
}

// Mux routes requests by the scheme of the workstation endpoint.
type Mux struct {
	mu       sync.RWMutex
	byScheme map[string]Transport
}

func NewMux() *Mux { return &Mux{byScheme: make(map[string]Transport)} }

// Handle registers t for the given URL schemes.
func (m *Mux) Handle(t Transport, schemes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range schemes {
		m.byScheme[s] = t
	}
}

func (m *Mux) Send(ctx context.Context, req Request) (Result, error) {
	u, err := url.Parse(req.Endpoint)
	if err != nil {
		return Result{}, fmt.Errorf("workstation %s endpoint %q: %w", req.WorkstationID, req.Endpoint, err)
	}
	m.mu.RLock()
	t, ok := m.byScheme[u.Scheme]
	m.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("workstation %s: no transport for scheme %q", req.WorkstationID, u.Scheme)
	}
	return t.Send(ctx, req)
}
