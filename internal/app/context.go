// Package app assembles the board runtime shared by the CLI commands and
// the API server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"teamline/internal/audit"
	"teamline/internal/config"
	"teamline/internal/db"
	"teamline/internal/engine"
	"teamline/internal/logging"
	"teamline/internal/metrics"
	"teamline/internal/migrate"
	"teamline/internal/policy"
)

// Options locate the workspace and override config values.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/teamline.yml.
	ConfigPath string
	LogLevel   string
	LogFile    string
	LogWriter  io.Writer
	// Registerer receives the board metrics; nil disables them.
	Registerer prometheus.Registerer
}

// Runtime holds an open board.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *slog.Logger
	Level     *slog.LevelVar
	Metrics   *metrics.Metrics

	closers []io.Closer
}

// LoadConfig reads the config at path, or the workspace default location.
// A missing workspace config yields the built-in default.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOrDefault(workspace)
}

// NewLogger builds the process logger from config, letting non-empty
// options win.
func NewLogger(cfg *config.Config, opts Options) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	level, file := cfg.Log.Level, cfg.Log.File
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if opts.LogFile != "" {
		file = opts.LogFile
	}
	return logging.New(logging.Options{Level: level, File: file, Writer: opts.LogWriter})
}

// Open loads config, opens and migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger, level, logCloser, err := NewLogger(cfg, opts)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: opts.Workspace, Config: cfg, Logger: logger, Level: level}
	rt.closers = append(rt.closers, logCloser)

	if opts.Registerer != nil {
		m, err := metrics.New(opts.Registerer)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		rt.Metrics = m
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.DB = conn
	rt.closers = append([]io.Closer{conn}, rt.closers...)
	if err := migrate.Migrate(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	e.Logger = logger
	e.Metrics = rt.Metrics
	rt.Engine = e
	return rt, nil
}

// Close releases the database and log file.
func (r *Runtime) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// AuditBackends returns the delivery targets for policy audit events: the
// local store when a database is open, the log, and the configured
// activity endpoint.
func AuditBackends(cfg *config.Config, store audit.Store, logger *slog.Logger) []audit.Backend {
	var backends []audit.Backend
	if store != nil {
		backends = append(backends, audit.StoreBackend{Store: store})
	}
	backends = append(backends, audit.LogBackend{Logger: logger})
	if cfg.Audit.Endpoint != "" {
		backends = append(backends, audit.HTTPBackend{
			URL:    cfg.Audit.Endpoint,
			Secret: os.Getenv("TEAMLINE_AUDIT_SECRET"),
		})
	}
	return backends
}

// NewDispatcher builds the audit dispatcher for cfg.
func NewDispatcher(cfg *config.Config, backends []audit.Backend, logger *slog.Logger, m *metrics.Metrics) *audit.Dispatcher {
	return audit.NewDispatcher(audit.Options{
		QueueSize: cfg.Audit.QueueSize,
		Timeout:   cfg.AuditTimeout(),
		Backends:  backends,
		Logger:    logger,
		Metrics:   m,
	})
}

// PolicyEngine builds the policy engine over the runtime's mission state,
// cached for the configured TTL.
func (r *Runtime) PolicyEngine(sink audit.Sink) (*policy.Engine, *policy.CachedState, error) {
	state := policy.NewCachedState(r.Engine.Repo, r.Config.StateTTL())
	p, err := policy.New(r.Config, policy.Options{
		State:   state,
		Sink:    sink,
		Logger:  r.Logger,
		Metrics: r.Metrics,
		Root:    WorkspaceRoot(r.Workspace),
	})
	if err != nil {
		return nil, nil, err
	}
	return p, state, nil
}

// WorkspaceRoot returns the absolute workspace directory, or ws unchanged
// when it cannot be resolved.
func WorkspaceRoot(ws string) string {
	if ws == "" {
		ws = "."
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return ws
	}
	return abs
}
