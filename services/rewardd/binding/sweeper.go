package binding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vendorvote/services/rewardd/distribution"
	"vendorvote/services/rewardd/signer"
)

// SweeperConfig configures the pending sweeper.
type SweeperConfig struct {
	Service   *Service
	Interval  time.Duration
	// Batch, when set with BatchSize above one, pays users that have a single
	// pending record through shared distributeTokens transactions before the
	// per-user flushes run.
	Batch     distribution.BatchDistributor
	BatchSize int
	Logger    *slog.Logger
}

// Sweeper periodically flushes bound users that still have pending records,
// covering hints dropped by the dispatcher and restarts between admission and
// distribution.
type Sweeper struct {
	service   *Service
	interval  time.Duration
	batch     distribution.BatchDistributor
	batchSize int
	logger    *slog.Logger
}

// NewSweeper constructs a sweeper; the interval defaults to five minutes.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		service:   cfg.Service,
		interval:  interval,
		batch:     cfg.Batch,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}
}

// Start runs sweeps until ctx is cancelled. A sweep that already started a
// user's flush lets it finish.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.service == nil {
		return
	}
	for {
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("pending sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep flushes every eligible user once and returns how many were flushed.
// Users with a flush already running are skipped. Records a batch left
// pending are picked up by the per-user flush.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	users, err := s.service.PendingUsers(ctx)
	if err != nil {
		return 0, err
	}
	// Batched users are still flushed below so their balance is reconciled.
	if s.batch != nil && s.batchSize > 1 {
		s.sweepBatches(ctx)
	}
	flushed := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		result, ran, err := s.service.TryFlush(ctx, userID, TriggerSweep)
		if !ran {
			continue
		}
		flushed++
		if err != nil {
			s.logger.Warn("sweep flush failed", slog.Uint64("user_id", userID), slog.Any("error", err))
			continue
		}
		if result.Distributed > 0 || result.Failed > 0 {
			s.logger.Info("sweep flushed user",
				slog.Uint64("user_id", userID),
				slog.Int("distributed", result.Distributed),
				slog.Int("failed", result.Failed))
		}
	}
	return flushed, nil
}

func (s *Sweeper) sweepBatches(ctx context.Context) {
	ids, err := s.service.SoloPending(ctx)
	if err != nil {
		s.logger.Warn("list batch candidates", slog.Any("error", err))
		return
	}
	if len(ids) < 2 {
		return
	}
	for start := 0; start < len(ids); start += s.batchSize {
		if ctx.Err() != nil {
			return
		}
		end := start + s.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		if len(chunk) < 2 {
			return
		}
		result, err := s.batch.DistributeBatch(ctx, chunk)
		switch {
		case err == nil:
			s.logger.Info("sweep batch distributed",
				slog.Int("records", len(result.RecordIDs)),
				slog.Int("recovered", len(result.Recovered)),
				slog.Int64("total", result.Total),
				slog.String("tx_hash", result.TxHash))
		case errors.Is(err, signer.ErrClosed):
			return
		default:
			s.logger.Warn("sweep batch not distributed",
				slog.Int("records", len(chunk)),
				slog.Any("error", err))
		}
	}
}
