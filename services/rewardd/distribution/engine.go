// Package distribution drives rewarded votes onto the token ledger.
//
// Every submission passes through the shared signer queue. Failures are
// classified as terminal, transient or ambiguous; ambiguous failures are
// resolved against the recipient's on-chain balance before any retry so a
// record is never paid twice. Signed transactions are stored per record, and
// a later run checks their receipts and replaces them at the same nonce
// before it sends anything new.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"vendorvote/observability"
	"vendorvote/observability/logging"
	"vendorvote/services/rewardd/keylock"
	"vendorvote/services/rewardd/ledger"
	"vendorvote/services/rewardd/models"
	"vendorvote/services/rewardd/retry"
	"vendorvote/services/rewardd/signer"
)

const minReplacementBumpPercent = 10

// Config tunes submissions.
type Config struct {
	// GasBufferPercent is added on top of the node's suggested gas price.
	GasBufferPercent int64
	// ConfirmTimeout bounds the wait for a receipt. Expiry is ambiguous, not a failure.
	ConfirmTimeout time.Duration
	// ProbeTimeout bounds receipt lookups used to pick the transaction
	// reference after an ambiguous submission turned out to be delivered.
	ProbeTimeout time.Duration
	// Units converts record amounts to on-chain base units.
	Units ledger.Units
}

// DefaultConfig returns the production submission settings for an 18 decimal token.
func DefaultConfig() Config {
	units, _ := ledger.NewUnits(18)
	return Config{
		GasBufferPercent: 20,
		ConfirmTimeout:   60 * time.Second,
		ProbeTimeout:     5 * time.Second,
		Units:            units,
	}
}

// Result summarises a single-record distribution.
type Result struct {
	RecordID uuid.UUID                 `json:"record_id"`
	Status   models.DistributionStatus `json:"status"`
	Amount   int64                     `json:"amount"`
	TxHash   string                    `json:"tx_hash,omitempty"`
	Attempts int                       `json:"attempts"`
	// Replayed is set when the record had already been distributed.
	Replayed bool `json:"replayed,omitempty"`
}

// BatchResult summarises a batch distribution.
type BatchResult struct {
	RecordIDs []uuid.UUID               `json:"record_ids"`
	Skipped   []uuid.UUID               `json:"skipped,omitempty"`
	// Recovered records were paid by a submission from an earlier run.
	Recovered []uuid.UUID               `json:"recovered,omitempty"`
	Status    models.DistributionStatus `json:"status"`
	Total     int64                     `json:"total"`
	TxHash    string                    `json:"tx_hash,omitempty"`
	Attempts  int                       `json:"attempts"`
}

// Engine executes distributions.
type Engine struct {
	db      *gorm.DB
	chain   ledger.TokenLedger
	queue   *signer.Queue
	retry   *retry.Scheduler
	cfg     Config
	logger  *slog.Logger
	metrics *observability.RewarddMetrics
	tracer  trace.Tracer
	now     func() time.Time

	recipients *keylock.Map

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// Option customises the engine.
type Option func(*Engine)

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.RewarddMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithTracer overrides the tracer used for distribution spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// NewEngine wires an engine around the shared signer queue.
func NewEngine(db *gorm.DB, chain ledger.TokenLedger, queue *signer.Queue, scheduler *retry.Scheduler, cfg Config, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("distribution: database required")
	}
	if chain == nil {
		return nil, fmt.Errorf("distribution: ledger required")
	}
	if queue == nil {
		return nil, fmt.Errorf("distribution: signer queue required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("distribution: retry scheduler required")
	}
	if cfg.GasBufferPercent < 0 {
		return nil, fmt.Errorf("distribution: gas buffer must not be negative")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	e := &Engine{
		db:         db,
		chain:      chain,
		queue:      queue,
		retry:      scheduler,
		cfg:        cfg,
		logger:     slog.Default(),
		metrics:    observability.Rewardd(),
		tracer:     otel.Tracer("vendorvote/rewardd/distribution"),
		now:        time.Now,
		recipients: keylock.New(),
		inFlight:   make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Distribute pays out one record. Distributed records are a no-op; failed
// records must be moved back to pending through an explicit retry first.
// Once a submission is attempted the call is not cancellable.
func (e *Engine) Distribute(ctx context.Context, recordID uuid.UUID) (Result, error) {
	result := Result{RecordID: recordID}
	release, err := e.claim(recordID)
	if err != nil {
		return result, err
	}
	defer release()

	record, user, err := e.load(ctx, recordID)
	if err != nil {
		return result, err
	}
	result.Amount = record.Amount
	result.Status = record.Status
	result.Attempts = record.Attempts
	switch record.Status {
	case models.StatusDistributed:
		result.TxHash = record.TxHash
		result.Replayed = true
		return result, nil
	case models.StatusFailed:
		return result, ErrRecordFailed
	}
	if user.WalletAddress.IsZero() {
		return result, ErrWalletUnbound
	}
	amount, err := e.cfg.Units.ToBase(record.Amount)
	if err != nil {
		return result, err
	}
	wallet := user.WalletAddress.Address()
	unlock := e.recipients.Lock(wallet.Hex())
	defer unlock()

	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "rewardd.distribute", trace.WithAttributes(
		attribute.String("record_id", recordID.String()),
		attribute.Int64("amount", record.Amount),
	))
	defer span.End()

	records := []models.DistributionRecord{record}
	history, err := e.loadHistory(ctx, []uuid.UUID{recordID})
	if err != nil {
		return result, err
	}
	if hash, ok := e.minedCandidate(ctx, history.hashes); ok {
		if err := e.markDistributed(ctx, records, hash, 0); err != nil {
			span.RecordError(err)
			return result, err
		}
		result.Status = models.StatusDistributed
		result.TxHash = hash.Hex()
		e.logger.Info("reward distribution recovered from earlier submission",
			slog.String("record_id", recordID.String()),
			slog.String("wallet", logging.MaskAddress(wallet.Hex())),
			slog.String("tx_hash", result.TxHash))
		return result, nil
	}

	started := e.now()
	hash, attempts, runErr := e.execute(ctx, &plan{
		label:      recordID.String(),
		records:    records,
		recipients: []common.Address{wallet},
		amounts:    []*big.Int{amount},
		history:    history,
	})
	result.Attempts = record.Attempts + attempts
	if errors.Is(runErr, signer.ErrClosed) {
		// Nothing was signed; the record stays pending for the next run.
		return result, runErr
	}
	if runErr != nil {
		failure := classify(runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(failure.Class))
		result.Status = models.StatusFailed
		if err := e.markFailed(ctx, records, failure, attempts); err != nil {
			return result, errors.Join(failure, err)
		}
		return result, failure
	}
	if err := e.markDistributed(ctx, records, hash, attempts); err != nil {
		span.RecordError(err)
		return result, err
	}
	e.metrics.ObserveLatency(e.now().Sub(started))
	span.SetAttributes(attribute.String("tx_hash", hash.Hex()))
	result.Status = models.StatusDistributed
	result.TxHash = hash.Hex()
	e.logger.Info("reward distributed",
		slog.String("record_id", recordID.String()),
		slog.String("wallet", logging.MaskAddress(wallet.Hex())),
		slog.Int64("amount", record.Amount),
		slog.String("tx_hash", result.TxHash),
		slog.Int("attempts", attempts))
	return result, nil
}

// DistributeBatch pays several records with one distributeTokens
// transaction. Already distributed records are skipped; the rest succeed or
// fail together.
func (e *Engine) DistributeBatch(ctx context.Context, recordIDs []uuid.UUID) (BatchResult, error) {
	ids := dedupe(recordIDs)
	if len(ids) == 0 {
		return BatchResult{}, fmt.Errorf("distribution: empty batch")
	}
	release, err := e.claim(ids...)
	if err != nil {
		return BatchResult{}, err
	}
	defer release()

	var records []models.DistributionRecord
	if err := e.db.WithContext(ctx).Where("id IN ?", ids).Order("created_at").Find(&records).Error; err != nil {
		return BatchResult{}, fmt.Errorf("load batch: %w", err)
	}
	if len(records) != len(ids) {
		return BatchResult{}, fmt.Errorf("%w: %d of %d batch records", ErrRecordNotFound, len(ids)-len(records), len(ids))
	}
	users, err := e.loadUsers(ctx, records)
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{}
	var (
		pending []models.DistributionRecord
		wallets = make(map[uuid.UUID]common.Address, len(records))
		amounts = make(map[uuid.UUID]*big.Int, len(records))
	)
	for _, record := range records {
		switch record.Status {
		case models.StatusDistributed:
			result.Skipped = append(result.Skipped, record.ID)
			continue
		case models.StatusFailed:
			return result, fmt.Errorf("%w: %s", ErrRecordFailed, record.ID)
		}
		user := users[record.VoterID]
		if user.WalletAddress.IsZero() {
			return result, fmt.Errorf("%w: voter %d", ErrWalletUnbound, record.VoterID)
		}
		amount, err := e.cfg.Units.ToBase(record.Amount)
		if err != nil {
			return result, err
		}
		pending = append(pending, record)
		wallets[record.ID] = user.WalletAddress.Address()
		amounts[record.ID] = amount
	}
	if len(pending) == 0 {
		result.Status = models.StatusDistributed
		return result, nil
	}

	all := make([]common.Address, 0, len(pending))
	for _, record := range pending {
		all = append(all, wallets[record.ID])
	}
	unlock := e.lockRecipients(all)
	defer unlock()

	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "rewardd.distribute_batch", trace.WithAttributes(
		attribute.Int("records", len(pending)),
	))
	defer span.End()

	pending, err = e.recoverBatch(ctx, pending, &result)
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	if len(pending) == 0 {
		result.Status = models.StatusDistributed
		return result, nil
	}
	history, err := e.loadHistory(ctx, idsOf(pending))
	if err != nil {
		return result, err
	}
	if len(history.nonces()) > 1 {
		return result, ErrSubmissionConflict
	}

	var (
		recipients = make([]common.Address, 0, len(pending))
		values     = make([]*big.Int, 0, len(pending))
	)
	for _, record := range pending {
		recipients = append(recipients, wallets[record.ID])
		values = append(values, amounts[record.ID])
		result.RecordIDs = append(result.RecordIDs, record.ID)
		result.Total += record.Amount
	}
	span.SetAttributes(attribute.Int64("total", result.Total))

	started := e.now()
	hash, attempts, runErr := e.execute(ctx, &plan{
		label:      fmt.Sprintf("batch of %d", len(pending)),
		records:    pending,
		recipients: recipients,
		amounts:    values,
		history:    history,
		batch:      true,
	})
	result.Attempts = attempts
	if errors.Is(runErr, signer.ErrClosed) {
		result.Status = models.StatusPending
		return result, runErr
	}
	if runErr != nil {
		failure := classify(runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(failure.Class))
		result.Status = models.StatusFailed
		if err := e.markFailed(ctx, pending, failure, attempts); err != nil {
			return result, errors.Join(failure, err)
		}
		return result, failure
	}
	if err := e.markDistributed(ctx, pending, hash, attempts); err != nil {
		span.RecordError(err)
		return result, err
	}
	e.metrics.ObserveLatency(e.now().Sub(started))
	result.Status = models.StatusDistributed
	result.TxHash = hash.Hex()
	e.logger.Info("reward batch distributed",
		slog.Int("records", len(pending)),
		slog.Int64("total", result.Total),
		slog.String("tx_hash", result.TxHash))
	return result, nil
}

type plan struct {
	label      string
	records    []models.DistributionRecord
	recipients []common.Address
	amounts    []*big.Int
	history    submissionHistory
	batch      bool
}

func (p *plan) total() *big.Int {
	total := new(big.Int)
	for _, amount := range p.amounts {
		total.Add(total, amount)
	}
	return total
}

// expected aggregates amounts per recipient; a wallet may appear more than once in a batch.
func (p *plan) expected() map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(p.recipients))
	for i, to := range p.recipients {
		if _, ok := out[to]; !ok {
			out[to] = new(big.Int)
		}
		out[to].Add(out[to], p.amounts[i])
	}
	return out
}

func (p *plan) submit(ctx context.Context, chain ledger.TokenLedger, opts ledger.TxOptions) (ledger.Submission, error) {
	if p.batch {
		return chain.DistributeTokens(ctx, p.recipients, p.amounts, opts)
	}
	return chain.Transfer(ctx, p.recipients[0], p.amounts[0], opts)
}

// execute runs the retry loop for a plan and returns the hash of the
// transaction that delivered it.
func (e *Engine) execute(ctx context.Context, p *plan) (common.Hash, int, error) {
	var (
		total    = p.total()
		expected = p.expected()
		pre      map[common.Address]*big.Int
		// An earlier run may have left a transaction in the mempool; the
		// first attempt replaces it at the same nonce.
		last       = p.history.last
		pin        = last != nil
		candidates = append([]common.Hash(nil), p.history.hashes...)
		delivered  common.Hash
	)

	attemptOnce := func(ctx context.Context) error {
		signerBalance, err := e.chain.BalanceOf(ctx, e.chain.Signer())
		if err != nil {
			return &Error{Class: ClassTransient, Err: fmt.Errorf("read signer balance: %w", err)}
		}
		if signerBalance.Cmp(total) <= 0 {
			return &Error{Class: ClassTerminal, Err: fmt.Errorf("%w: have %s, need more than %s", ErrInsufficientSignerBalance, signerBalance, total)}
		}
		if pre == nil {
			balances, err := e.readBalances(ctx, expected)
			if err != nil {
				return &Error{Class: ClassTransient, Err: err}
			}
			pre = balances
		}

		opts, err := e.txOptions(ctx, last, pin)
		if err != nil {
			return &Error{Class: ClassTransient, Err: err}
		}
		sub, sendErr := p.submit(ctx, e.chain, opts)
		if sendErr != nil && opts.Nonce != nil && nonceConsumed(sendErr) {
			// The pinned nonce is used up. Either one of our submissions was
			// mined or another transaction took the nonce.
			if hash, ok := e.minedCandidate(ctx, candidates); ok {
				delivered = hash
				return nil
			}
			landed, err := e.resolve(ctx, expected, pre)
			if err != nil {
				return &Error{Class: ClassAmbiguous, Err: fmt.Errorf("%w: %v (balance check: %v)", ErrAmbiguousUnresolved, sendErr, err)}
			}
			if landed {
				delivered = e.findReceipt(ctx, candidates)
				return nil
			}
			e.logger.Warn("pinned nonce taken by another transaction",
				slog.String("plan", p.label),
				slog.Uint64("nonce", *opts.Nonce))
			pin = false
			if opts, err = e.txOptions(ctx, last, false); err != nil {
				return &Error{Class: ClassTransient, Err: err}
			}
			sub, sendErr = p.submit(ctx, e.chain, opts)
		}
		if sub.Signed {
			signed := sub
			last = &signed
			candidates = append(candidates, sub.Hash)
			e.saveSubmission(ctx, p.records, sub)
		}
		if sendErr == nil {
			waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
			_, sendErr = e.chain.WaitMined(waitCtx, sub.Hash)
			cancel()
			if sendErr == nil {
				delivered = sub.Hash
				return nil
			}
		}

		failure := classify(sendErr)
		// Re-use the nonce on the next attempt so a lingering copy of this
		// transaction and its replacement cannot both be mined.
		pin = last != nil && !nonceConsumed(sendErr)
		if failure.Class != ClassAmbiguous {
			return failure
		}
		landed, err := e.resolve(ctx, expected, pre)
		if err != nil {
			return &Error{Class: ClassAmbiguous, Err: fmt.Errorf("%w: %v (balance check: %v)", ErrAmbiguousUnresolved, sendErr, err)}
		}
		if landed {
			delivered = e.findReceipt(ctx, candidates)
			e.logger.Warn("ambiguous submission verified on chain",
				slog.String("plan", p.label),
				slog.String("tx_hash", delivered.Hex()),
				slog.String("error", sendErr.Error()))
			return nil
		}
		failure.retryable = true
		return failure
	}

	attempts, err := e.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		err := e.queue.Do(ctx, attemptOnce)
		if err == nil {
			return nil
		}
		if errors.Is(err, signer.ErrClosed) {
			if len(candidates) > len(p.history.hashes) {
				return retry.Permanent(&Error{Class: ClassAmbiguous, Err: fmt.Errorf("%w: %v", ErrAmbiguousUnresolved, err)})
			}
			return retry.Permanent(err)
		}
		failure := classify(err)
		if !failure.Retryable() {
			return retry.Permanent(failure)
		}
		return failure
	}, func(attempt int, err error, next time.Duration) {
		class := Classify(err)
		e.metrics.RecordRetry(string(class))
		e.logger.Warn("distribution attempt failed",
			slog.String("plan", p.label),
			slog.Int("attempt", attempt),
			slog.String("class", string(class)),
			slog.Duration("next", next),
			slog.String("error", err.Error()))
	})
	return delivered, attempts, err
}

func (e *Engine) txOptions(ctx context.Context, last *ledger.Submission, pin bool) (ledger.TxOptions, error) {
	suggested, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return ledger.TxOptions{}, fmt.Errorf("suggest gas price: %w", err)
	}
	price := bump(suggested, e.cfg.GasBufferPercent)
	opts := ledger.TxOptions{GasPrice: price}
	if pin && last != nil {
		percent := e.cfg.GasBufferPercent
		if percent < minReplacementBumpPercent {
			percent = minReplacementBumpPercent
		}
		if replacement := bump(last.GasPrice, percent); replacement.Cmp(price) > 0 {
			opts.GasPrice = replacement
		}
		nonce := last.Nonce
		opts.Nonce = &nonce
	}
	return opts, nil
}

func bump(price *big.Int, percent int64) *big.Int {
	if price == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(price, big.NewInt(100+percent))
	return out.Quo(out, big.NewInt(100))
}

func (e *Engine) readBalances(ctx context.Context, expected map[common.Address]*big.Int) (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(expected))
	for addr := range expected {
		balance, err := e.chain.BalanceOf(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("read recipient balance: %w", err)
		}
		out[addr] = balance
	}
	return out, nil
}

// resolve reports whether every recipient received its expected amount since
// pre was captured. A partial movement cannot come from a single transaction
// and is reported as an error.
func (e *Engine) resolve(ctx context.Context, expected, pre map[common.Address]*big.Int) (bool, error) {
	post, err := e.readBalances(ctx, expected)
	if err != nil {
		return false, err
	}
	landed := 0
	for addr, want := range expected {
		delta := new(big.Int).Sub(post[addr], pre[addr])
		if delta.Cmp(want) >= 0 {
			landed++
		}
	}
	switch landed {
	case 0:
		return false, nil
	case len(expected):
		return true, nil
	default:
		return false, fmt.Errorf("%d of %d recipients credited", landed, len(expected))
	}
}

// findReceipt picks the candidate transaction that was actually mined,
// newest first. It falls back to the newest candidate.
func (e *Engine) findReceipt(ctx context.Context, candidates []common.Hash) common.Hash {
	if hash, ok := e.minedCandidate(ctx, candidates); ok {
		return hash
	}
	if len(candidates) == 0 {
		return common.Hash{}
	}
	return candidates[len(candidates)-1]
}

// minedCandidate returns the newest candidate with a successful receipt.
func (e *Engine) minedCandidate(ctx context.Context, candidates []common.Hash) (common.Hash, bool) {
	for i := len(candidates) - 1; i >= 0; i-- {
		lookupCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
		_, err := e.chain.WaitMined(lookupCtx, candidates[i])
		cancel()
		if err == nil {
			return candidates[i], true
		}
	}
	return common.Hash{}, false
}

// submissionHistory is what earlier runs broadcast for a set of records.
type submissionHistory struct {
	// hashes are distinct transaction hashes, oldest first.
	hashes []common.Hash
	// last is the newest submission, the one a replacement pins.
	last *ledger.Submission
	// paid lists the records each transaction pays.
	paid map[common.Hash][]uuid.UUID
	// latest holds the newest nonce per record.
	latest map[uuid.UUID]uint64
}

func (h submissionHistory) nonces() map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(h.latest))
	for _, nonce := range h.latest {
		out[nonce] = struct{}{}
	}
	return out
}

func (e *Engine) loadHistory(ctx context.Context, ids []uuid.UUID) (submissionHistory, error) {
	history := submissionHistory{
		paid:   make(map[common.Hash][]uuid.UUID),
		latest: make(map[uuid.UUID]uint64),
	}
	var rows []models.Submission
	if err := e.db.WithContext(ctx).Where("record_id IN ?", ids).Order("id").Find(&rows).Error; err != nil {
		return history, fmt.Errorf("load submissions: %w", err)
	}
	for _, row := range rows {
		price, ok := new(big.Int).SetString(row.GasPrice, 10)
		if !ok {
			return history, fmt.Errorf("submission %d: invalid gas price %q", row.ID, row.GasPrice)
		}
		hash := common.HexToHash(row.TxHash)
		if _, seen := history.paid[hash]; !seen {
			history.hashes = append(history.hashes, hash)
		}
		history.paid[hash] = append(history.paid[hash], row.RecordID)
		history.latest[row.RecordID] = row.Nonce
		history.last = &ledger.Submission{Hash: hash, Nonce: row.Nonce, GasPrice: price, Signed: true}
	}
	return history, nil
}

// saveSubmission records a signed transaction before its outcome is known.
// A failure is logged; the current run still tracks the transaction.
func (e *Engine) saveSubmission(ctx context.Context, records []models.DistributionRecord, sub ledger.Submission) {
	if len(records) == 0 {
		return
	}
	err := e.persist(ctx, func(tx *gorm.DB) error {
		now := e.now().UTC()
		rows := make([]models.Submission, 0, len(records))
		for _, record := range records {
			rows = append(rows, models.Submission{
				RecordID:  record.ID,
				TxHash:    sub.Hash.Hex(),
				Nonce:     sub.Nonce,
				GasPrice:  sub.GasPrice.String(),
				CreatedAt: now,
			})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		e.logger.Error("failed to record submission",
			slog.String("tx_hash", sub.Hash.Hex()),
			slog.Uint64("nonce", sub.Nonce),
			slog.Any("error", err))
	}
}

// recoverBatch marks the records an earlier, now mined, submission paid and
// returns the rest.
func (e *Engine) recoverBatch(ctx context.Context, pending []models.DistributionRecord, result *BatchResult) ([]models.DistributionRecord, error) {
	history, err := e.loadHistory(ctx, idsOf(pending))
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]models.DistributionRecord, len(pending))
	for _, record := range pending {
		byID[record.ID] = record
	}
	for i := len(history.hashes) - 1; i >= 0 && len(byID) > 0; i-- {
		hash := history.hashes[i]
		var paid []models.DistributionRecord
		for _, id := range history.paid[hash] {
			if record, ok := byID[id]; ok {
				paid = append(paid, record)
			}
		}
		if len(paid) == 0 {
			continue
		}
		if _, ok := e.minedCandidate(ctx, []common.Hash{hash}); !ok {
			continue
		}
		if err := e.markDistributed(ctx, paid, hash, 0); err != nil {
			return nil, err
		}
		for _, record := range paid {
			delete(byID, record.ID)
			result.Recovered = append(result.Recovered, record.ID)
		}
		e.logger.Info("batch records recovered from earlier submission",
			slog.Int("records", len(paid)),
			slog.String("tx_hash", hash.Hex()))
	}
	remaining := make([]models.DistributionRecord, 0, len(byID))
	for _, record := range pending {
		if _, ok := byID[record.ID]; ok {
			remaining = append(remaining, record)
		}
	}
	return remaining, nil
}

func (e *Engine) markDistributed(ctx context.Context, records []models.DistributionRecord, hash common.Hash, attempts int) error {
	now := e.now().UTC()
	err := e.persist(ctx, func(tx *gorm.DB) error {
		for _, record := range records {
			res := tx.Model(&models.DistributionRecord{}).
				Where("id = ? AND status = ?", record.ID, models.StatusPending).
				Updates(map[string]any{
					"status":         models.StatusDistributed,
					"tx_hash":        hash.Hex(),
					"distributed_at": now,
					"attempts":       gorm.Expr("attempts + ?", attempts),
					"last_error":     "",
					"error_class":    "",
					"updated_at":     now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrStaleRecord, record.ID))
			}
			if err := tx.Model(&models.User{}).Where("id = ?", record.VoterID).
				Update("token_balance", gorm.Expr("token_balance + ?", record.Amount)).Error; err != nil {
				return err
			}
			details := fmt.Sprintf("tx=%s amount=%d attempts=%d", hash.Hex(), record.Amount, attempts)
			if err := models.AppendEvent(tx, &record.ID, record.VoterID, "distribution.succeeded", details, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The transfer is on chain; the record must not be resubmitted blindly.
		e.logger.Error("failed to persist confirmed distribution",
			slog.String("tx_hash", hash.Hex()),
			slog.Int("records", len(records)),
			slog.Any("error", err))
		return fmt.Errorf("persist distribution %s: %w", hash.Hex(), err)
	}
	for range records {
		e.metrics.RecordDistribution(string(models.StatusDistributed), "")
	}
	return nil
}

func (e *Engine) markFailed(ctx context.Context, records []models.DistributionRecord, failure *Error, attempts int) error {
	now := e.now().UTC()
	message := failure.Err.Error()
	err := e.persist(ctx, func(tx *gorm.DB) error {
		for _, record := range records {
			res := tx.Model(&models.DistributionRecord{}).
				Where("id = ? AND status = ?", record.ID, models.StatusPending).
				Updates(map[string]any{
					"status":      models.StatusFailed,
					"last_error":  message,
					"error_class": string(failure.Class),
					"attempts":    gorm.Expr("attempts + ?", attempts),
					"updated_at":  now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrStaleRecord, record.ID))
			}
			details := fmt.Sprintf("class=%s attempts=%d error=%s", failure.Class, attempts, message)
			if err := models.AppendEvent(tx, &record.ID, record.VoterID, "distribution.failed", details, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	for _, record := range records {
		e.metrics.RecordDistribution(string(models.StatusFailed), string(failure.Class))
		e.logger.Warn("reward distribution failed",
			slog.String("record_id", record.ID.String()),
			slog.String("class", string(failure.Class)),
			slog.Int("attempts", attempts),
			slog.String("error", message))
	}
	return nil
}

// persist retries short database outages; a confirmed transfer must be recorded.
func (e *Engine) persist(ctx context.Context, fn func(tx *gorm.DB) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 4), ctx)
	return backoff.Retry(func() error {
		return e.db.WithContext(ctx).Transaction(fn)
	}, policy)
}

func (e *Engine) load(ctx context.Context, recordID uuid.UUID) (models.DistributionRecord, models.User, error) {
	var record models.DistributionRecord
	if err := e.db.WithContext(ctx).First(&record, "id = ?", recordID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return record, models.User{}, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
		}
		return record, models.User{}, fmt.Errorf("load record: %w", err)
	}
	var user models.User
	if err := e.db.WithContext(ctx).First(&user, "id = ?", record.VoterID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return record, user, fmt.Errorf("load voter: %w", err)
	}
	return record, user, nil
}

func (e *Engine) loadUsers(ctx context.Context, records []models.DistributionRecord) (map[uint64]models.User, error) {
	ids := make([]uint64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.VoterID)
	}
	var users []models.User
	if err := e.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("load voters: %w", err)
	}
	out := make(map[uint64]models.User, len(users))
	for _, user := range users {
		out[user.ID] = user
	}
	return out, nil
}

func (e *Engine) claim(ids ...uuid.UUID) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if _, busy := e.inFlight[id]; busy {
			return nil, fmt.Errorf("%w: %s", ErrInFlight, id)
		}
	}
	for _, id := range ids {
		e.inFlight[id] = struct{}{}
	}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, id := range ids {
			delete(e.inFlight, id)
		}
	}, nil
}

// LockRecipient blocks payouts to addr until the returned function is
// called. Balance reconciliation holds it so a payout cannot land between
// reading the chain and storing the result.
func (e *Engine) LockRecipient(addr common.Address) func() {
	return e.recipients.Lock(addr.Hex())
}

// lockRecipients takes every wallet lock in a stable order.
func (e *Engine) lockRecipients(recipients []common.Address) func() {
	keys := make([]string, 0, len(recipients))
	seen := make(map[string]struct{}, len(recipients))
	for _, addr := range recipients {
		key := addr.Hex()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	unlocks := make([]func(), 0, len(keys))
	for _, key := range keys {
		unlocks = append(unlocks, e.recipients.Lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func idsOf(records []models.DistributionRecord) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
