package transport

import (
	"context"
	"fmt"
	"time"
)

// Simulator stands in for real hardware on sim:// endpoints. A command takes
// parameters["duration_ms"] to finish and fails when parameters["fail"] is true.
type Simulator struct{}

func (Simulator) Send(ctx context.Context, req Request) (Result, error) {
	if d := durationParam(req.Parameters["duration_ms"]); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}
	if fail, _ := req.Parameters["fail"].(bool); fail {
		return Result{Outcome: Failure, Message: fmt.Sprintf("simulated failure of %s", req.Action)}, nil
	}
	return Result{
		Outcome: Success,
		Output:  map[string]any{"action": req.Action, "attempt": req.Attempt},
	}, nil
}

func durationParam(v any) time.Duration {
	switch n := v.(type) {
	case float64:
		return time.Duration(n) * time.Millisecond
	case int:
		return time.Duration(n) * time.Millisecond
	case int64:
		return time.Duration(n) * time.Millisecond
	default:
		return 0
	}
}
