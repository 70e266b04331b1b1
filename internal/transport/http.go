package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig controls the per-workstation circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive failures that open the circuit
	OpenTimeout      time.Duration // how long to stay open before probing
	HalfOpenRequests uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, OpenTimeout: 30 * time.Second, HalfOpenRequests: 1}
}

// HTTP posts commands to {endpoint}/commands and decodes the workstation's verdict.
// Each workstation gets its own circuit breaker so one unreachable device never
// slows down the others.
type HTTP struct {
	client  *http.Client
	breaker BreakerConfig
	log     zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHTTP(client *http.Client, cfg BreakerConfig, logger zerolog.Logger) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{
		client:   client,
		breaker:  cfg,
		log:      logger.With().Str("component", "transport").Logger(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (h *HTTP) breakerFor(wsID string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[wsID]; ok {
		return cb
	}
	threshold := h.breaker.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        wsID,
		MaxRequests: h.breaker.HalfOpenRequests,
		Timeout:     h.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		// A cancelled attempt says nothing about the device.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.log.Warn().Str("workstation_id", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	h.breakers[wsID] = cb
	return cb
}

// BreakerState reports the breaker state of one workstation ("closed" if never used).
func (h *HTTP) BreakerState(wsID string) string {
	h.mu.Lock()
	cb, ok := h.breakers[wsID]
	h.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

func (h *HTTP) Send(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	out, err := h.breakerFor(req.WorkstationID).Execute(func() (interface{}, error) {
		return h.do(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, fmt.Errorf("workstation %s unreachable: %w", req.WorkstationID, err)
	}
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

func (h *HTTP) do(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode command: %w", err)
	}

	url := strings.TrimRight(req.Endpoint, "/") + "/commands"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response body: %w", err)
	}

	// 5xx means the workstation could not judge the command; count it against the breaker.
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if resp.StatusCode >= 400 {
		return Result{Outcome: Failure, Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))}, nil
	}

	var res Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return Result{}, fmt.Errorf("invalid command response: %w", err)
	}
	switch res.Outcome {
	case Success, Failure, Timeout:
	case "":
		res.Outcome = Success
	default:
		return Result{}, fmt.Errorf("unknown command outcome %q", res.Outcome)
	}
	return res, nil
}
