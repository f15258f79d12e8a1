// Package audit delivers policy decision events without blocking the
// decision path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"teamline/internal/domain"
	"teamline/internal/metrics"
)

const (
	EventPolicyDenied  = "policy.denied"
	EventPolicyAllowed = "policy.allowed"

	defaultQueueSize = 256
	defaultTimeout   = 2 * time.Second
	drainTimeout     = 3 * time.Second
)

// Sink accepts audit events. Emit must never block or fail its caller.
type Sink interface {
	Emit(evt domain.AuditEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(domain.AuditEvent)

func (f SinkFunc) Emit(evt domain.AuditEvent) { f(evt) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(domain.AuditEvent) {})

// Backend is one delivery target.
type Backend interface {
	Name() string
	Deliver(ctx context.Context, evt domain.AuditEvent) error
}

// NewEvent builds an event with a fresh v4 correlation id.
func NewEvent(eventType, agent, tool string, status domain.AuditStatus, summary string, now time.Time) domain.AuditEvent {
	return domain.AuditEvent{
		CorrelationID: uuid.NewString(),
		EventType:     eventType,
		AgentName:     agent,
		ToolName:      tool,
		Status:        status,
		Summary:       summary,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
	}
}

// Options configures a Dispatcher.
type Options struct {
	QueueSize int
	Timeout   time.Duration
	Backends  []Backend
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Dispatcher fans events out to backends from a bounded queue. When the
// queue is full the event is dropped and logged.
type Dispatcher struct {
	queue    chan domain.AuditEvent
	backends []Backend
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(opts Options) *Dispatcher {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:    make(chan domain.AuditEvent, size),
		backends: opts.Backends,
		timeout:  timeout,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// Emit enqueues evt or drops it when the queue is full or closed.
func (d *Dispatcher) Emit(evt domain.AuditEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.drop(evt, "closed")
		return
	}
	select {
	case d.queue <- evt:
		d.metrics.Audit("queued")
	default:
		d.drop(evt, "queue full")
	}
}

func (d *Dispatcher) drop(evt domain.AuditEvent, why string) {
	d.metrics.Audit("dropped")
	d.logger.Warn("audit event dropped", "reason", why, "correlation_id", evt.CorrelationID, "agent", evt.AgentName)
}

// Run delivers queued events until ctx is done, then drains what is left
// within a short grace period.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-d.queue:
			d.deliver(ctx, evt)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

// Start runs the dispatcher in the background until Close.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
}

// Close stops accepting events, flushes the queue and waits for a
// background run started with Start.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case evt := <-d.queue:
			d.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, evt domain.AuditEvent) {
	for _, b := range d.backends {
		d.deliverOne(ctx, b, evt)
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, b Backend, evt domain.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.Audit("failed")
			d.logger.Error("audit backend panicked", "backend", b.Name(), "panic", r)
		}
	}()
	// Stopping the dispatcher must not abort a delivery already under way.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := b.Deliver(ctx, evt); err != nil {
		d.metrics.Audit("failed")
		d.logger.Warn("audit delivery failed", "backend", b.Name(), "correlation_id", evt.CorrelationID, "err", err)
		return
	}
	d.metrics.Audit("delivered")
}
