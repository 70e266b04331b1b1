package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"labflow/internal/api"
	"labflow/internal/config"
	"labflow/internal/metrics"
	"labflow/internal/notify"
	"labflow/internal/orchestrator"
	"labflow/internal/queue"
	"labflow/internal/retry"
	"labflow/internal/scheduler"
	"labflow/internal/store"
	"labflow/internal/transport"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	setupLogging(cfg.Log)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("labflow stopped")
	}
	log.Info().Msg("labflow stopped")
}

func setupLogging(c config.Log) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if strings.EqualFold(c.Format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

func run(cfg config.Config) error {
	logger := log.Logger

	db, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		return err
	}

	st := store.New(store.NewSQLite(db), logger)
	if err := st.Load(context.Background()); err != nil {
		return err
	}

	mux := transport.NewMux()
	// No client-wide timeout: each attempt carries the command's own deadline.
	client := &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.Transport.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   cfg.Transport.ConnectTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}}
	mux.Handle(transport.NewHTTP(client, transport.BreakerConfig{
		FailureThreshold: cfg.Transport.BreakerFailures,
		OpenTimeout:      cfg.Transport.BreakerOpenTimeout,
		HalfOpenRequests: 1,
	}, logger), "http", "https")
	mux.Handle(transport.Simulator{}, "sim")

	notifiers := notify.Multi{notify.Log{Logger: logger.With().Str("component", "notify").Logger()}}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.Webhook{URL: cfg.Notify.WebhookURL, Client: &http.Client{Timeout: cfg.Notify.Timeout}})
	}
	if len(cfg.Notify.KafkaBrokers) > 0 {
		notifiers = append(notifiers, notify.NewKafka(notify.KafkaConfig{
			Brokers: cfg.Notify.KafkaBrokers,
			Topic:   cfg.Notify.KafkaTopic,
		}))
	}
	defer func() {
		if err := notifiers.Close(); err != nil {
			logger.Warn().Err(err).Msg("close notifiers")
		}
	}()

	m := metrics.New("labflow")
	svc := orchestrator.New(orchestrator.Config{
		TickInterval:     cfg.Dispatch.TickInterval,
		HeartbeatTimeout: cfg.Health.Timeout(),
		Retry: retry.Policy{
			Command: retry.Backoff{Base: cfg.Retry.CommandBase, Max: cfg.Retry.CommandMax},
			Task:    retry.Backoff{Base: cfg.Retry.TaskBase, Max: cfg.Retry.TaskMax},
		},
		NotifyTimeout: cfg.Notify.Timeout,
		Version:       version,
		Environment:   cfg.Server.Environment,
	}, orchestrator.Deps{
		Store:     st,
		Queue:     queue.NewManager(),
		Transport: mux,
		Notifier:  notifiers,
		Metrics:   m,
		Logger:    logger,
	})
	defer svc.Close()

	if err := svc.Recover(context.Background()); err != nil {
		return err
	}

	jobs := scheduler.NewService(logger)
	for _, j := range []scheduler.Job{
		{Name: "health-sweep", Every: cfg.Health.SweepInterval, Run: func(ctx context.Context) error {
			_, err := svc.Sweep(ctx)
			return err
		}},
		{Name: "store-check", Every: cfg.Health.StoreCheckInterval, Run: svc.CheckStore},
		{Name: "metrics-refresh", Every: cfg.Health.MetricsInterval, Run: svc.RefreshMetrics},
	} {
		if err := jobs.Add(j); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(svc, api.Options{
			Logger:  logger.With().Str("component", "http").Logger(),
			Metrics: m.Handler(),
			Debug:   cfg.Server.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error {
		jobs.Start(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("version", version).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
