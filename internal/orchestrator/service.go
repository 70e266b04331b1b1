// Package orchestrator ties the store, the per-workstation queues, the transport
// and the retry policy into the task lifecycle: dispatch, command execution,
// health reconciliation and control actions.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"labflow/internal/domain"
	"labflow/internal/metrics"
	"labflow/internal/notify"
	"labflow/internal/queue"
	"labflow/internal/retry"
	"labflow/internal/store"
	"labflow/internal/transport"
)

type Config struct {
	// TickInterval is the dispatcher safety-net poll.
	TickInterval time.Duration
	// HeartbeatTimeout is heartbeat interval times allowed misses.
	HeartbeatTimeout time.Duration
	Retry            retry.Policy
	NotifyTimeout    time.Duration

	Version     string
	Environment string
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.Retry == (retry.Policy{}) {
		c.Retry = retry.DefaultPolicy()
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 5 * time.Second
	}
}

type Deps struct {
	Store     *store.Store
	Queue     *queue.Manager
	Transport transport.Transport
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Clock     func() time.Time
}

type run struct {
	token  string
	cancel context.CancelCauseFunc
}

var (
	errNothingToDispatch = errors.New("nothing to dispatch")
	errRunEnded          = errors.New("run ended")
	errShutdown          = errors.New("orchestrator shutting down")
	errStaleRun          = errors.New("stale run")
)

type Service struct {
	cfg       Config
	store     *store.Store
	queue     *queue.Manager
	transport transport.Transport
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time

	kick chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelCauseFunc
	wg         sync.WaitGroup

	runsMu sync.Mutex
	runs   map[string]*run // task id -> in-flight executor

	started time.Time
}

func New(cfg Config, d Deps) *Service {
	cfg.setDefaults()
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New("labflow")
	}
	if d.Notifier == nil {
		d.Notifier = notify.Log{Logger: d.Logger}
	}
	base, cancel := context.WithCancelCause(context.Background())
	return &Service{
		cfg:        cfg,
		store:      d.Store,
		queue:      d.Queue,
		transport:  d.Transport,
		notifier:   d.Notifier,
		metrics:    d.Metrics,
		log:        d.Logger.With().Str("component", "orchestrator").Logger(),
		now:        d.Clock,
		kick:       make(chan struct{}, 1),
		baseCtx:    base,
		cancelBase: cancel,
		runs:       make(map[string]*run),
		started:    d.Clock(),
	}
}

// Close stops every in-flight executor and waits for executors and pending
// notifications. Tasks that were RUNNING stay RUNNING in the store; Recover
// resolves them on the next start.
func (s *Service) Close() {
	s.cancelBase(errShutdown)
	s.wg.Wait()
}

// endRun cancels and forgets the executor of taskID. An empty token matches any run.
func (s *Service) endRun(taskID, token string) {
	s.runsMu.Lock()
	r, ok := s.runs[taskID]
	if ok && (token == "" || r.token == token) {
		delete(s.runs, taskID)
	}
	s.runsMu.Unlock()
	if ok && (token == "" || r.token == token) {
		r.cancel(errRunEnded)
	}
}

func (s *Service) emit(ev notify.Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.log.Warn().Err(err).Str("event", ev.Type).Str("task_id", ev.TaskID).Msg("notification failed")
		}
	}()
}

func taskEvent(typ string, t *domain.Task) notify.Event {
	ev := notify.Event{
		Type:          typ,
		TaskID:        t.ID,
		WorkstationID: t.WorkstationID,
		Status:        string(t.Status),
		Data:          map[string]any{"retry_count": t.RetryCount, "max_retries": t.MaxRetries, "progress": t.Progress},
	}
	if t.Error != nil {
		ev.ErrorKind = string(t.Error.Kind)
		ev.Message = t.Error.Message
	}
	return ev
}

// RefreshMetrics publishes queue depths, running counts, workstation status
// counts and store health as gauges.
func (s *Service) RefreshMetrics(context.Context) error {
	snap := metrics.Snapshot{
		QueueDepths:  s.queue.Depths(),
		Running:      make(map[string]int),
		StatusCounts: make(map[string]int),
	}
	for _, ws := range s.store.Workstations() {
		snap.Running[ws.ID] = ws.CurrentTaskCount
		if ws.IsActive {
			snap.StatusCounts[string(ws.Status)]++
		}
	}
	snap.StoreHealthy, _ = s.store.Healthy()
	s.metrics.SetSnapshot(snap)
	return nil
}

// CheckStore probes persistence and resumes dispatch once it answers again.
func (s *Service) CheckStore(ctx context.Context) error {
	wasHealthy, _ := s.store.Healthy()
	if err := s.store.CheckHealth(ctx); err != nil {
		return err
	}
	if !wasHealthy {
		s.log.Info().Msg("persistence healthy again, resuming dispatch")
		s.Kick()
	}
	return nil
}
