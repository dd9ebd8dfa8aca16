// Package notify delivers best-effort "action required" messages to roles.
//
// Engines hand messages to a Dispatcher after their transaction commits. The
// Dispatcher never blocks the caller: when its queue is full the message is
// dropped and logged. Sink failures are logged and counted, never returned.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/metrics"
)

// Recipient roles.
const (
	RoleTester      = "tester"
	RoleApprover    = "approver"
	RoleReportOwner = "report_owner"
)

// Notification is one message addressed to a role.
type Notification struct {
	Role       string    `json:"role"`
	ContextRef string    `json:"context_ref"`
	Message    string    `json:"message"`
	At         time.Time `json:"ts"`
}

// Sink delivers notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Notifier is what engines call; Send must not block.
type Notifier interface {
	Send(role, contextRef, message string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Send(string, string, string) {}

// LogSink writes notifications to a zap logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Notify(_ context.Context, n Notification) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info("notification",
		zap.String("role", n.Role),
		zap.String("context_ref", n.ContextRef),
		zap.String("message", n.Message))
	return nil
}

// Multi fans a notification out to every sink and returns the first error.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return nil
}

// Send records synchronously so a Recorder can stand in for a Dispatcher.
func (r *Recorder) Send(role, contextRef, message string) {
	_ = r.Notify(context.Background(), Notification{Role: role, ContextRef: contextRef, Message: message, At: time.Now()})
}

func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// ForRole returns recorded notifications addressed to role.
func (r *Recorder) ForRole(role string) []Notification {
	var out []Notification
	for _, n := range r.Notifications() {
		if n.Role == role {
			out = append(out, n)
		}
	}
	return out
}

const deliveryTimeout = 5 * time.Second

// Dispatcher queues notifications and delivers them on its own goroutine.
type Dispatcher struct {
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Notification
	done   chan struct{}
}

// NewDispatcher starts a dispatcher with a queue of the given size.
func NewDispatcher(sink Sink, buffer int, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		queue:   make(chan Notification, buffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Send(role, contextRef, message string) {
	n := Notification{Role: role, ContextRef: contextRef, Message: message, At: d.now().UTC()}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("notification after close dropped", zap.String("role", role), zap.String("context_ref", contextRef))
		d.metrics.Notification("dropped")
		return
	}
	select {
	case d.queue <- n:
	default:
		d.logger.Warn("notification queue full, dropped", zap.String("role", role), zap.String("context_ref", contextRef))
		d.metrics.Notification("dropped")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		err := d.sink.Notify(ctx, n)
		cancel()
		if err != nil {
			d.logger.Warn("notification delivery failed",
				zap.String("role", n.Role),
				zap.String("context_ref", n.ContextRef),
				zap.Error(err))
			d.metrics.Notification("failed")
			continue
		}
		d.metrics.Notification("sent")
	}
}

// Close stops accepting notifications and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}
