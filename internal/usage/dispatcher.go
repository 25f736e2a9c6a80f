package usage

import (
	"context"
	"sync"

	"github.com/aman-churiwal/monetization-gateway/internal/metrics"
	"go.uber.org/zap"
)

// Dispatcher writes usage entries off the request path. A full queue drops
// the entry rather than block the caller.
type Dispatcher struct {
	recorder *Recorder
	queue    chan Entry
	workers  int
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(recorder *Recorder, queueSize, workers int, m *metrics.Collector, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	if workers <= 0 {
		workers = 1
	}

	return &Dispatcher{
		recorder: recorder,
		queue:    make(chan Entry, queueSize),
		workers:  workers,
		metrics:  m,
		logger:   logger,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()

	for entry := range d.queue {
		d.recorder.LogUsage(context.Background(), entry)
	}
}

// Enqueue reports whether the entry was accepted.
func (d *Dispatcher) Enqueue(entry Entry) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}

	select {
	case d.queue <- entry:
		return true
	default:
		d.metrics.UsageLogged("dropped")
		d.logger.Warn("Usage log queue full, dropping entry",
			zap.String("customer_id", entry.CustomerID.String()),
			zap.String("endpoint", entry.Endpoint),
		)
		return false
	}
}

// Stop refuses new entries and waits for queued ones to be written, or for ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
