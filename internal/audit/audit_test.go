package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamline/internal/domain"
	"teamline/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	err    error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Deliver(_ context.Context, evt domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type panicking struct{}

func (panicking) Name() string { return "panicking" }

func (panicking) Deliver(context.Context, domain.AuditEvent) error { panic("boom") }

// slowBackend takes a while to deliver and records whether its context
// was cut short.
type slowBackend struct {
	started   chan struct{}
	startOnce sync.Once
	mu        sync.Mutex
	results   []error
}

func newSlowBackend() *slowBackend { return &slowBackend{started: make(chan struct{})} }

func (s *slowBackend) Name() string { return "slow" }

func (s *slowBackend) Deliver(ctx context.Context, _ domain.AuditEvent) error {
	s.startOnce.Do(func() { close(s.started) })
	var err error
	select {
	case <-time.After(30 * time.Millisecond):
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, err)
	return err
}

func (s *slowBackend) snapshot() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.results...)
}

func TestNewEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := NewEvent(EventPolicyDenied, "ba", "Bash", domain.AuditDenied, "commits must be delegated to hannibal", now)
	id, err := uuid.Parse(evt.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), id.Version())
	assert.Equal(t, "2026-03-01T12:00:00Z", evt.Timestamp)
	assert.Equal(t, domain.AuditDenied, evt.Status)
}

func TestDispatcherDeliversAndSurvivesFailures(t *testing.T) {
	good := &recorder{}
	bad := &recorder{err: errors.New("unreachable")}
	d := NewDispatcher(Options{Backends: []Backend{bad, panicking{}, good}, Logger: logging.Discard()})
	d.Start()
	for i := 0; i < 5; i++ {
		d.Emit(NewEvent(EventPolicyDenied, "ba", "Write", domain.AuditDenied, "x", time.Now()))
	}
	d.Close()
	assert.Equal(t, 5, good.len())
	assert.Equal(t, 5, bad.len())

	// Emitting after close drops without blocking.
	d.Emit(NewEvent(EventPolicyDenied, "ba", "Write", domain.AuditDenied, "late", time.Now()))
	assert.Equal(t, 5, good.len())
}

func TestEmitNeverBlocksWhenFull(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(Options{QueueSize: 1, Backends: []Backend{rec}, Logger: logging.Discard()})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Emit(NewEvent(EventPolicyDenied, "ba", "Write", domain.AuditDenied, "x", time.Now()))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "Emit blocked on a full queue")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 1, rec.len())
}

func TestHTTPBackend(t *testing.T) {
	var got domain.AuditEvent
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Teamline-Event")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	evt := NewEvent(EventPolicyDenied, "murdock", "Bash", domain.AuditDenied, "commits must be delegated to hannibal", time.Now())
	require.NoError(t, HTTPBackend{URL: srv.URL}.Deliver(context.Background(), evt))
	assert.Equal(t, evt.CorrelationID, got.CorrelationID)
	assert.Equal(t, "murdock", got.AgentName)
	assert.Equal(t, EventPolicyDenied, header)
}

func TestHTTPBackendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	err := HTTPBackend{URL: srv.URL}.Deliver(context.Background(), NewEvent(EventPolicyDenied, "ba", "", domain.AuditDenied, "", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestCloseFinishesInFlightDelivery(t *testing.T) {
	b := newSlowBackend()
	d := NewDispatcher(Options{Backends: []Backend{b}, Logger: logging.Discard()})
	d.Start()
	d.Emit(NewEvent(EventPolicyDenied, "unknown", "Write", domain.AuditDenied, "x", time.Now()))
	<-b.started
	d.Close()
	require.Equal(t, []error{nil}, b.snapshot())
}

func TestCloseRightAfterEmitDelivers(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := newSlowBackend()
		d := NewDispatcher(Options{Backends: []Backend{b}, Logger: logging.Discard()})
		d.Start()
		d.Emit(NewEvent(EventPolicyDenied, "unknown", "Write", domain.AuditDenied, "x", time.Now()))
		d.Close()
		require.Equal(t, []error{nil}, b.snapshot(), "cycle %d", i)
	}
}
