package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roomcast/backend/internal/logging"
)

// DispatcherConfig controls the concurrency characteristics of the dispatcher.
type DispatcherConfig struct {
	QueueSize       int
	Workers         int
	DeliveryTimeout time.Duration
}

// Dispatcher queues events and delivers them to a sink from a worker pool.
// Notify never blocks; when the queue is full the event is dropped and logged.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan Event
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher starts the worker pool.
func NewDispatcher(sink Sink, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		sink:    sink,
		logger:  logger.With(slog.String("module", "notify")),
		timeout: cfg.DeliveryTimeout,
		jobs:    make(chan Event, cfg.QueueSize),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	return d
}

// Notify enqueues the event for asynchronous delivery.
func (d *Dispatcher) Notify(ctx context.Context, event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		logging.FromContext(ctx).Warn("notification dropped after shutdown", "eventType", event.Type, "eventId", event.ID)
		return
	}

	select {
	case d.jobs <- event:
	default:
		logging.FromContext(ctx).Warn("notification queue full, dropping event", "eventType", event.Type, "eventId", event.ID)
	}
}

// Shutdown stops accepting events and waits for queued ones to drain.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.jobs)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for event := range d.jobs {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	if d.sink == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("notification sink panicked", "eventType", event.Type, "eventId", event.ID, "panic", rec)
		}
	}()

	if err := d.sink.Deliver(ctx, event); err != nil {
		d.logger.Error("notification delivery failed", "eventType", event.Type, "eventId", event.ID, "roomId", event.RoomID, "error", err)
	}
}

// Multi delivers to every sink and joins their errors.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Deliver(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, event Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"eventType", event.Type,
		"eventId", event.ID,
		"subject", event.Subject,
		"roomId", event.RoomID,
		"actorId", event.ActorID,
		"recipients", len(event.Recipients),
	)
	return nil
}
