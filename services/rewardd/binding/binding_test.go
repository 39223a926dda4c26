package binding

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vendorvote/core/voting"
	"vendorvote/services/rewardd/distribution"
	"vendorvote/services/rewardd/ledger"
	"vendorvote/services/rewardd/ledger/ledgertest"
	"vendorvote/services/rewardd/models"
	"vendorvote/services/rewardd/retry"
	"vendorvote/services/rewardd/signer"
	"vendorvote/services/rewardd/store"
)

var (
	signerAddr  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	aliceWallet = ledger.MustWalletAddress("0x52908400098527886E0F7030069857D2E4169EE7")
	bobWallet   = ledger.MustWalletAddress("0x8617E340B3D01FA5F11F306F4090FD50E238070D")
	carolWallet = ledger.MustWalletAddress("0x1111111111111111111111111111111111111111")
)

type fixture struct {
	db      *gorm.DB
	chain   *ledgertest.Chain
	engine  *distribution.Engine
	units   ledger.Units
	service *Service
	day     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: store.MemoryDSN()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	chain := ledgertest.NewChain(signerAddr, big.NewInt(1_000_000))
	queue := signer.NewQueue(4)
	t.Cleanup(queue.Close)
	scheduler, err := retry.NewScheduler(retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond})
	require.NoError(t, err)
	units, err := ledger.NewUnits(0)
	require.NoError(t, err)
	engine, err := distribution.NewEngine(db, chain, queue, scheduler, distribution.Config{
		GasBufferPercent: 20,
		ConfirmTimeout:   time.Second,
		ProbeTimeout:     10 * time.Millisecond,
		Units:            units,
	}, distribution.WithMetrics(nil))
	require.NoError(t, err)

	service, err := NewService(Config{DB: db, Engine: engine, Ledger: chain, Units: units})
	require.NoError(t, err)
	return &fixture{
		db:      db,
		chain:   chain,
		engine:  engine,
		units:   units,
		service: service,
		day:     time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) user(t *testing.T, id uint64, wallet ledger.WalletAddress) {
	t.Helper()
	require.NoError(t, f.db.Create(&models.User{ID: id, WalletAddress: wallet}).Error)
}

func (f *fixture) pending(t *testing.T, voterID uint64, amounts ...int64) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, len(amounts))
	for i, amount := range amounts {
		session, err := voting.EncodeSessionID(7, voterID, f.day, i+1)
		require.NoError(t, err)
		record := models.DistributionRecord{
			ID:         uuid.New(),
			VoterID:    voterID,
			VendorID:   7,
			VoteDate:   voting.DayKey(f.day, time.UTC),
			Slot:       i + 1,
			SessionID:  session,
			VoteKind:   voting.KindRegular,
			Amount:     amount,
			Multiplier: 1,
			Status:     models.StatusPending,
			CreatedAt:  f.day.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, f.db.Create(&record).Error)
		ids = append(ids, record.ID)
	}
	return ids
}

func (f *fixture) status(t *testing.T, id uuid.UUID) models.DistributionStatus {
	t.Helper()
	var record models.DistributionRecord
	require.NoError(t, f.db.First(&record, "id = ?", id).Error)
	return record.Status
}

func (f *fixture) cached(t *testing.T, id uint64) int64 {
	t.Helper()
	var user models.User
	require.NoError(t, f.db.First(&user, "id = ?", id).Error)
	return user.TokenBalance
}

func TestBindFlushesBacklogAndReconciles(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, ledger.WalletAddress{})
	ids := f.pending(t, 1, 10, 15, 20)
	// Tokens received outside the reward flow still count after reconciliation.
	f.chain.SetBalance(aliceWallet.Address(), big.NewInt(7))

	result, err := f.service.Bind(context.Background(), 1, aliceWallet)
	require.NoError(t, err)
	require.Equal(t, 3, result.Distributed)
	require.EqualValues(t, 45, result.TokensDistributed)
	require.EqualValues(t, 52, result.Balance)
	require.Contains(t, result.Message, "45 tokens")

	for _, id := range ids {
		require.Equal(t, models.StatusDistributed, f.status(t, id))
	}
	require.EqualValues(t, 52, f.cached(t, 1))
	require.EqualValues(t, f.chain.Balance(aliceWallet.Address()).Int64(), f.cached(t, 1))

	calls := f.chain.Calls()
	require.Len(t, calls, 3)
	require.EqualValues(t, 10, calls[0].Amounts[0].Int64(), "records are flushed in creation order")
	require.EqualValues(t, 20, calls[2].Amounts[0].Int64())
}

func TestBindCreatesUserAndRejectsDifferentWallet(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Bind(context.Background(), 9, aliceWallet)
	require.NoError(t, err)
	require.Equal(t, "no pending distributions", result.Message)

	_, err = f.service.Bind(context.Background(), 9, aliceWallet)
	require.NoError(t, err)

	_, err = f.service.Bind(context.Background(), 9, bobWallet)
	require.ErrorIs(t, err, ErrWalletAlreadyBound)

	var user models.User
	require.NoError(t, f.db.First(&user, "id = ?", 9).Error)
	require.True(t, user.WalletAddress.Equal(aliceWallet))
	require.NotNil(t, user.BoundAt)

	var bound int64
	require.NoError(t, f.db.Model(&models.Event{}).Where("user_id = ? AND action = ?", 9, "wallet.bound").Count(&bound).Error)
	require.EqualValues(t, 1, bound)
}

func TestBindValidatesInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Bind(context.Background(), 0, aliceWallet)
	require.ErrorIs(t, err, ErrInvalidUser)
	_, err = f.service.Bind(context.Background(), 1, ledger.WalletAddress{})
	require.ErrorIs(t, err, ErrWalletRequired)
}

func TestFlushIsolatesRecordFailures(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, aliceWallet)
	ids := f.pending(t, 1, 10, 15, 20)
	f.chain.Script(ledgertest.Step{Revert: true})

	result, err := f.service.Flush(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, result.Distributed)
	require.Equal(t, 1, result.Failed)
	require.EqualValues(t, 35, result.TokensDistributed)
	require.Contains(t, result.Message, "1 failed")

	require.Equal(t, models.StatusFailed, f.status(t, ids[0]))
	require.Equal(t, models.StatusDistributed, f.status(t, ids[1]))
	require.EqualValues(t, 35, f.cached(t, 1))

	again, err := f.service.Flush(context.Background(), 1)
	require.NoError(t, err)
	require.Zero(t, again.Distributed, "failed records wait for an explicit retry")
	require.Len(t, f.chain.Calls(), 3)
}

func TestRetryFailedRequeuesAndFlushes(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, aliceWallet)
	ids := f.pending(t, 1, 10, 15)
	f.chain.Script(ledgertest.Step{Revert: true})
	_, err := f.service.Flush(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, f.status(t, ids[0]))

	result, err := f.service.RetryFailed(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, result.Distributed)
	require.EqualValues(t, 10, result.TokensDistributed)
	require.EqualValues(t, 25, result.Balance)
	require.Equal(t, models.StatusDistributed, f.status(t, ids[0]))

	var record models.DistributionRecord
	require.NoError(t, f.db.First(&record, "id = ?", ids[0]).Error)
	require.Equal(t, 2, record.Attempts)
	require.Empty(t, record.LastError)

	var requested int64
	require.NoError(t, f.db.Model(&models.Event{}).Where("record_id = ? AND action = ?", ids[0], "distribution.retry_requested").Count(&requested).Error)
	require.EqualValues(t, 1, requested)
}

type deferringEngine struct{}

func (deferringEngine) Distribute(context.Context, uuid.UUID) (distribution.Result, error) {
	return distribution.Result{}, distribution.ErrInFlight
}

func TestRetryFailedClearsErrorOnRequeue(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, aliceWallet)
	ids := f.pending(t, 1, 10)
	require.NoError(t, f.db.Model(&models.DistributionRecord{}).Where("id = ?", ids[0]).Updates(map[string]any{
		"status":      models.StatusFailed,
		"last_error":  "ledger: confirmation timeout",
		"error_class": string(distribution.ClassAmbiguous),
	}).Error)

	service, err := NewService(Config{DB: f.db, Engine: deferringEngine{}, Ledger: f.chain, Units: f.units})
	require.NoError(t, err)
	result, err := service.RetryFailed(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, result.Deferred)

	var record models.DistributionRecord
	require.NoError(t, f.db.First(&record, "id = ?", ids[0]).Error)
	require.Equal(t, models.StatusPending, record.Status)
	require.Empty(t, record.LastError)
	require.Empty(t, record.ErrorClass)

	var event models.Event
	require.NoError(t, f.db.First(&event, "record_id = ? AND action = ?", ids[0], "distribution.retry_requested").Error)
	require.Contains(t, event.Details, "class=ambiguous")
	require.Contains(t, event.Details, "confirmation timeout")
}

func TestFlushRequiresBoundWallet(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, ledger.WalletAddress{})
	f.pending(t, 1, 10)

	_, err := f.service.Flush(context.Background(), 1)
	require.ErrorIs(t, err, distribution.ErrWalletUnbound)
	_, err = f.service.RetryFailed(context.Background(), 1)
	require.ErrorIs(t, err, distribution.ErrWalletUnbound)
	_, err = f.service.Flush(context.Background(), 42)
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestFlushResolvesAmbiguousSubmission(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, aliceWallet)
	f.pending(t, 1, 10, 15)
	f.chain.Script(ledgertest.Step{SendErr: errors.New("replacement transaction underpriced"), Deliver: true})

	result, err := f.service.Flush(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, result.Distributed)
	require.Equal(t, 2, f.chain.Delivered())
	require.EqualValues(t, 25, f.cached(t, 1))
}

func TestReconcileOverwritesCachedBalance(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&models.User{ID: 1, WalletAddress: aliceWallet, TokenBalance: 500}).Error)
	f.chain.SetBalance(aliceWallet.Address(), big.NewInt(120))

	balance, err := f.service.Reconcile(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 120, balance)
	require.EqualValues(t, 120, f.cached(t, 1))

	var events int64
	require.NoError(t, f.db.Model(&models.Event{}).Where("user_id = ? AND action = ?", 1, "balance.reconciled").Count(&events).Error)
	require.EqualValues(t, 1, events)
}

// gatedReader holds its first balance read until release is closed.
type gatedReader struct {
	BalanceReader
	once    sync.Once
	reading chan struct{}
	release chan struct{}
}

func (g *gatedReader) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := g.BalanceReader.BalanceOf(ctx, account)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.reading)
		<-g.release
	}
	return balance, err
}

func TestReconcileExcludesConcurrentPayout(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, aliceWallet)
	f.chain.SetBalance(aliceWallet.Address(), big.NewInt(10))
	ids := f.pending(t, 1, 15)

	reader := &gatedReader{BalanceReader: f.chain, reading: make(chan struct{}), release: make(chan struct{})}
	service, err := NewService(Config{DB: f.db, Engine: f.engine, Ledger: reader, Units: f.units})
	require.NoError(t, err)

	reconciled := make(chan error, 1)
	go func() {
		_, err := service.Reconcile(context.Background(), 1)
		reconciled <- err
	}()
	<-reader.reading

	distributed := make(chan error, 1)
	go func() {
		_, err := f.engine.Distribute(context.Background(), ids[0])
		distributed <- err
	}()
	var (
		payoutErr  error
		payoutDone bool
	)
	select {
	case payoutErr = <-distributed:
		payoutDone = true
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, payoutDone, "payout must wait for the reconciliation")
	close(reader.release)
	require.NoError(t, <-reconciled)
	if !payoutDone {
		payoutErr = <-distributed
	}
	require.NoError(t, payoutErr)

	require.EqualValues(t, 25, f.chain.Balance(aliceWallet.Address()).Int64())
	require.EqualValues(t, 25, f.cached(t, 1))
}

func TestBindRecordsLegacyEncoding(t *testing.T) {
	f := newFixture(t)
	legacy, err := ledger.ParseWalletAddress(`["` + aliceWallet.String() + `"]`)
	require.NoError(t, err)

	_, err = f.service.Bind(context.Background(), 4, legacy)
	require.NoError(t, err)
	_, err = f.service.Bind(context.Background(), 5, bobWallet)
	require.NoError(t, err)

	var events []models.Event
	require.NoError(t, f.db.Where("action = ?", "wallet.bound").Order("user_id").Find(&events).Error)
	require.Len(t, events, 2)
	require.Contains(t, events[0].Details, "encoding=legacy")
	require.NotContains(t, events[1].Details, "legacy")
}

func TestSweepBatchesSingleRecordUsers(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, aliceWallet)
	f.user(t, 2, bobWallet)
	f.user(t, 3, carolWallet)
	solo := append(f.pending(t, 1, 10), f.pending(t, 2, 20)...)
	multi := f.pending(t, 3, 5, 7)

	ids, err := f.service.SoloPending(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, solo, ids)

	sweeper := NewSweeper(SweeperConfig{Service: f.service, Batch: f.engine, BatchSize: 10})
	flushed, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, flushed)

	calls := f.chain.Calls()
	require.Len(t, calls, 3)
	require.Equal(t, "distributeTokens", calls[0].Method)
	require.Len(t, calls[0].Recipients, 2)
	require.Equal(t, "transfer", calls[1].Method)
	for _, id := range append(solo, multi...) {
		require.Equal(t, models.StatusDistributed, f.status(t, id))
	}
	require.EqualValues(t, 10, f.cached(t, 1))
	require.EqualValues(t, 20, f.cached(t, 2))
	require.EqualValues(t, 12, f.cached(t, 3))
}

func TestSweepFlushesBoundUsersOnly(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, aliceWallet)
	f.user(t, 2, ledger.WalletAddress{})
	f.user(t, 3, bobWallet)
	aliceRecords := f.pending(t, 1, 10)
	bobRecords := f.pending(t, 2, 15)

	users, err := f.service.PendingUsers(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, users)

	sweeper := NewSweeper(SweeperConfig{Service: f.service})
	flushed, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, flushed)
	require.Equal(t, models.StatusDistributed, f.status(t, aliceRecords[0]))
	require.Equal(t, models.StatusPending, f.status(t, bobRecords[0]))

	flushed, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, flushed)
}

func TestSweeperStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, aliceWallet)
	ids := f.pending(t, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	sweeper := NewSweeper(SweeperConfig{Service: f.service, Interval: 5 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		var record models.DistributionRecord
		if err := f.db.First(&record, "id = ?", ids[0]).Error; err != nil {
			return false
		}
		return record.Status == models.StatusDistributed
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
