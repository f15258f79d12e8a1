package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"teamline/internal/domain"
)

// HTTPBackend POSTs each event as JSON to an activity endpoint.
type HTTPBackend struct {
	URL    string
	Secret string
	Client *http.Client
}

func (h HTTPBackend) Name() string { return "http" }

func (h HTTPBackend) Deliver(ctx context.Context, evt domain.AuditEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Teamline-Event", evt.EventType)
	req.Header.Set("X-Teamline-Delivery", evt.CorrelationID)
	if strings.TrimSpace(h.Secret) != "" {
		req.Header.Set("X-Teamline-Secret", h.Secret)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Store persists audit events.
type Store interface {
	InsertAuditEvent(ctx context.Context, evt domain.AuditEvent) error
}

// StoreBackend writes events to the board database.
type StoreBackend struct {
	Store Store
}

func (s StoreBackend) Name() string { return "store" }

func (s StoreBackend) Deliver(ctx context.Context, evt domain.AuditEvent) error {
	return s.Store.InsertAuditEvent(ctx, evt)
}

// LogBackend records events on a logger.
type LogBackend struct {
	Logger *slog.Logger
}

func (l LogBackend) Name() string { return "log" }

func (l LogBackend) Deliver(ctx context.Context, evt domain.AuditEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit",
		"event_type", evt.EventType,
		"status", string(evt.Status),
		"agent", evt.AgentName,
		"tool", evt.ToolName,
		"summary", evt.Summary,
		"correlation_id", evt.CorrelationID,
	)
	return nil
}
