// Package engine applies board mutations. Every operation runs in one
// transaction: checks, the conditional write and the journal entry commit
// together or not at all. Storage failures are returned as is.
package engine

import (
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"teamline/internal/config"
	"teamline/internal/events"
	"teamline/internal/metrics"
	"teamline/internal/pipeline"
	"teamline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	p, err := pipeline.New(cfg)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Pipeline: p,
		Now:      time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// observe counts caller-facing refusals.
func (e Engine) observe(op string, err error) {
	if err == nil {
		return
	}
	code := Code(err)
	if code == "INTERNAL" {
		e.logger().Error("board operation failed", "op", op, "err", err)
		return
	}
	e.Metrics.Refused(code)
	e.logger().Debug("board operation refused", "op", op, "code", code, "err", err)
}

func normalizeAgent(agent string) string {
	return strings.ToLower(strings.TrimSpace(agent))
}
