// Package scheduler runs the orchestrator's periodic maintenance jobs on a cron clock.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one periodic unit of work. Errors are logged; the schedule keeps going.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

type Service struct {
	cron *cron.Cron
	log  zerolog.Logger
	ctx  context.Context
	stop context.CancelFunc
}

func NewService(logger zerolog.Logger) *Service {
	l := logger.With().Str("component", "scheduler").Logger()
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		cron: cron.New(
			cron.WithLogger(cronLogger{l}),
			cron.WithChain(cron.Recover(cronLogger{l}), cron.SkipIfStillRunning(cronLogger{l})),
		),
		log:  l,
		ctx:  ctx,
		stop: stop,
	}
}

// Add registers a job. Intervals below one second are rounded up by cron.
func (s *Service) Add(j Job) error {
	if j.Every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}
	schedule := "@every " + j.Every.String()
	_, err := s.cron.AddFunc(schedule, func() {
		start := time.Now()
		if err := j.Run(s.ctx); err != nil {
			s.log.Error().Err(err).Str("job", j.Name).Msg("scheduled job failed")
			return
		}
		s.log.Debug().Str("job", j.Name).Dur("took", time.Since(start)).Msg("scheduled job done")
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	s.log.Info().Str("job", j.Name).Dur("every", j.Every).Msg("job scheduled")
	return nil
}

// Start runs the jobs until ctx is done, then waits for running jobs to return.
func (s *Service) Start(ctx context.Context) {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	s.Stop()
}

// Stop cancels running jobs and waits for them.
func (s *Service) Stop() {
	s.stop()
	<-s.cron.Stop().Done()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
