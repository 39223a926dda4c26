package distribution

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Distributor is the subset of Engine used by the dispatcher.
type Distributor interface {
	Distribute(ctx context.Context, recordID uuid.UUID) (Result, error)
}

// BatchDistributor pays several records with one transaction.
type BatchDistributor interface {
	DistributeBatch(ctx context.Context, recordIDs []uuid.UUID) (BatchResult, error)
}

var (
	_ Distributor      = (*Engine)(nil)
	_ BatchDistributor = (*Engine)(nil)
)

// Dispatcher hands freshly admitted records to the engine in the background.
// Hints are best effort: when the buffer is full the record stays pending and
// the sweeper picks it up later.
type Dispatcher struct {
	engine  Distributor
	logger  *slog.Logger
	workers int
	hints   chan uuid.UUID

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher builds a dispatcher with the given buffer and worker count.
func NewDispatcher(engine Distributor, buffer, workers int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:  engine,
		logger:  logger,
		workers: workers,
		hints:   make(chan uuid.UUID, buffer),
	}
}

// Start launches the workers. Workers exit once Stop drains the buffer.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
}

// Enqueue offers a record to the workers and reports whether it was accepted.
func (d *Dispatcher) Enqueue(recordID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	select {
	case d.hints <- recordID:
		return true
	default:
		d.logger.Warn("dispatch buffer full, deferring to sweeper", slog.String("record_id", recordID.String()))
		return false
	}
}

// Stop refuses new hints and waits for queued ones to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.hints)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for id := range d.hints {
		_, err := d.engine.Distribute(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, ErrWalletUnbound), errors.Is(err, ErrInFlight), errors.Is(err, ErrRecordFailed):
			d.logger.Debug("dispatch skipped", slog.String("record_id", id.String()), slog.String("reason", err.Error()))
		default:
			d.logger.Warn("dispatch failed", slog.String("record_id", id.String()), slog.Any("error", err))
		}
	}
}
