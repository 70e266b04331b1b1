// Package config loads labflow settings: built-in defaults, then an optional
// YAML file, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Environment     string        `yaml:"environment"`
	// Debug mounts pprof on the API router.
	Debug           bool          `yaml:"debug"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type Dispatch struct {
	// TickInterval is the safety-net poll; enqueues and freed slots trigger dispatch immediately.
	TickInterval time.Duration `yaml:"tick_interval"`
}

type Health struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	MissedHeartbeats   int           `yaml:"missed_heartbeats"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	StoreCheckInterval time.Duration `yaml:"store_check_interval"`
	MetricsInterval    time.Duration `yaml:"metrics_interval"`
}

// Timeout is how long a workstation may stay silent before it is declared OFFLINE.
func (h Health) Timeout() time.Duration {
	return h.HeartbeatInterval * time.Duration(h.MissedHeartbeats)
}

type Retry struct {
	CommandBase time.Duration `yaml:"command_base"`
	CommandMax  time.Duration `yaml:"command_max"`
	TaskBase    time.Duration `yaml:"task_base"`
	TaskMax     time.Duration `yaml:"task_max"`
}

type Transport struct {
	BreakerFailures    uint32        `yaml:"breaker_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
	// ConnectTimeout bounds dialing and the TLS handshake. Whole commands are
	// bounded by their own command timeout, not by the HTTP client.
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
}

type Notify struct {
	WebhookURL   string        `yaml:"webhook_url"`
	KafkaBrokers []string      `yaml:"kafka_brokers"`
	KafkaTopic   string        `yaml:"kafka_topic"`
	Timeout      time.Duration `yaml:"timeout"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Log       Log       `yaml:"log"`
	Dispatch  Dispatch  `yaml:"dispatch"`
	Health    Health    `yaml:"health"`
	Retry     Retry     `yaml:"retry"`
	Transport Transport `yaml:"transport"`
	Notify    Notify    `yaml:"notify"`
}

func Default() Config {
	return Config{
		Server:   Server{Addr: ":8080", ShutdownTimeout: 10 * time.Second, Environment: "production"},
		Database: Database{Path: "labflow.db"},
		Log:      Log{Level: "info", Format: "console"},
		Dispatch: Dispatch{TickInterval: time.Second},
		Health: Health{
			HeartbeatInterval:  30 * time.Second,
			MissedHeartbeats:   3,
			SweepInterval:      5 * time.Second,
			StoreCheckInterval: 15 * time.Second,
			MetricsInterval:    10 * time.Second,
		},
		Retry: Retry{
			CommandBase: 500 * time.Millisecond,
			CommandMax:  10 * time.Second,
			TaskBase:    time.Second,
			TaskMax:     time.Minute,
		},
		Transport: Transport{BreakerFailures: 5, BreakerOpenTimeout: 30 * time.Second, ConnectTimeout: 10 * time.Second},
		Notify:    Notify{KafkaTopic: "labflow.events", Timeout: 5 * time.Second},
	}
}

// LoadFile overlays the YAML file at path on top of cfg. Unknown keys are rejected.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Parse builds the configuration from args (without the program name).
func Parse(args []string) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("labflow", flag.ContinueOnError)
	var (
		path     = fs.String("config", "", "YAML config file")
		addr     = fs.String("addr", cfg.Server.Addr, "HTTP bind address")
		dbPath   = fs.String("db", cfg.Database.Path, "SQLite DB path")
		logLevel = fs.String("log-level", cfg.Log.Level, "log level (debug, info, warn, error)")
		debug    = fs.Bool("debug", cfg.Server.Debug, "enable pprof debug routes")
	)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if *path != "" {
		if err := LoadFile(&cfg, *path); err != nil {
			return cfg, err
		}
	}
	// Explicit flags win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "db":
			cfg.Database.Path = *dbPath
		case "log-level":
			cfg.Log.Level = *logLevel
		case "debug":
			cfg.Server.Debug = *debug
		}
	})
	return cfg, cfg.Validate()
}

// Validate rejects settings the orchestrator cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"server.shutdown_timeout":     c.Server.ShutdownTimeout,
		"dispatch.tick_interval":      c.Dispatch.TickInterval,
		"health.heartbeat_interval":   c.Health.HeartbeatInterval,
		"health.sweep_interval":       c.Health.SweepInterval,
		"health.store_check_interval": c.Health.StoreCheckInterval,
		"health.metrics_interval":     c.Health.MetricsInterval,
		"retry.task_base":             c.Retry.TaskBase,
		"retry.command_base":          c.Retry.CommandBase,
		"transport.connect_timeout":   c.Transport.ConnectTimeout,
		"notify.timeout":              c.Notify.Timeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Health.MissedHeartbeats < 1 {
		errs = append(errs, errors.New("health.missed_heartbeats must be at least 1"))
	}
	if c.Retry.TaskMax < c.Retry.TaskBase {
		errs = append(errs, errors.New("retry.task_max must be >= retry.task_base"))
	}
	if c.Retry.CommandMax < c.Retry.CommandBase {
		errs = append(errs, errors.New("retry.command_max must be >= retry.command_base"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}
	if len(c.Notify.KafkaBrokers) > 0 && c.Notify.KafkaTopic == "" {
		errs = append(errs, errors.New("notify.kafka_topic is required with kafka_brokers"))
	}
	return errors.Join(errs...)
}
