// Package binding attaches wallets to users and flushes their reward backlog
// through the distribution engine.
package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vendorvote/observability"
	"vendorvote/observability/logging"
	"vendorvote/services/rewardd/distribution"
	"vendorvote/services/rewardd/keylock"
	"vendorvote/services/rewardd/ledger"
	"vendorvote/services/rewardd/models"
	"vendorvote/services/rewardd/signer"
)

var (
	// ErrWalletAlreadyBound is returned when a user already has a different wallet.
	ErrWalletAlreadyBound = errors.New("rewardd: a different wallet is already bound")
	// ErrWalletRequired is returned for bind requests without a usable address.
	ErrWalletRequired = errors.New("rewardd: wallet address required")
	// ErrUnknownUser is returned for users the service has never seen.
	ErrUnknownUser = errors.New("rewardd: unknown user")
	// ErrInvalidUser is returned for a zero user id.
	ErrInvalidUser = errors.New("rewardd: user id required")
)

// Flush triggers, used as metric labels.
const (
	TriggerBind   = "bind"
	TriggerRetry  = "retry"
	TriggerSweep  = "sweep"
	TriggerManual = "manual"
)

// BalanceReader reads the authoritative on-chain balance.
type BalanceReader interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

// WalletLocker excludes payouts to a wallet while its balance is reconciled.
// *distribution.Engine implements it.
type WalletLocker interface {
	LockRecipient(addr common.Address) func()
}

type localWallets struct{ locks *keylock.Map }

func (l localWallets) LockRecipient(addr common.Address) func() {
	return l.locks.Lock(addr.Hex())
}

// FlushResult summarises one backlog flush.
type FlushResult struct {
	TokensDistributed int64  `json:"tokensDistributed"`
	Distributed       int    `json:"distributed"`
	Failed            int    `json:"failed"`
	Deferred          int    `json:"deferred,omitempty"`
	Balance           int64  `json:"balance"`
	Message           string `json:"message"`
}

// Config wires the service.
type Config struct {
	DB      *gorm.DB
	Engine  distribution.Distributor
	Ledger  BalanceReader
	// Wallets defaults to Engine when it implements WalletLocker.
	Wallets WalletLocker
	Units   ledger.Units
	Logger  *slog.Logger
	Metrics *observability.RewarddMetrics
	Clock   func() time.Time
}

// Service binds wallets and drives per-user backlogs. Flushes for one user
// never overlap; flushes for different users may run side by side and are
// serialised at the signer queue.
type Service struct {
	db      *gorm.DB
	engine  distribution.Distributor
	chain   BalanceReader
	wallets WalletLocker
	units   ledger.Units
	logger  *slog.Logger
	metrics *observability.RewarddMetrics
	now     func() time.Time
	users   *keylock.Map
}

// NewService validates cfg and returns a service.
func NewService(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("binding: database required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("binding: distribution engine required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("binding: ledger required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	wallets := cfg.Wallets
	if wallets == nil {
		if locker, ok := cfg.Engine.(WalletLocker); ok {
			wallets = locker
		} else {
			wallets = localWallets{locks: keylock.New()}
		}
	}
	return &Service{
		db:      cfg.DB,
		engine:  cfg.Engine,
		chain:   cfg.Ledger,
		wallets: wallets,
		units:   cfg.Units,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     clock,
		users:   keylock.New(),
	}, nil
}

// Bind stores the wallet for userID and flushes the user's pending records.
// Re-binding the same wallet only flushes again.
func (s *Service) Bind(ctx context.Context, userID uint64, wallet ledger.WalletAddress) (FlushResult, error) {
	if userID == 0 {
		return FlushResult{}, ErrInvalidUser
	}
	if wallet.IsZero() {
		return FlushResult{}, ErrWalletRequired
	}
	ctx = context.WithoutCancel(ctx)
	unlock := s.users.Lock(userKey(userID))
	defer unlock()

	now := s.now().UTC()
	var fresh bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", userID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			user = models.User{ID: userID, WalletAddress: wallet, BoundAt: &now}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
			fresh = true
		case err != nil:
			return err
		case user.WalletAddress.IsZero():
			if err := tx.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
				"wallet_address": wallet,
				"bound_at":       now,
				"updated_at":     now,
			}).Error; err != nil {
				return err
			}
			fresh = true
		case user.WalletAddress.Equal(wallet):
			return nil
		default:
			return ErrWalletAlreadyBound
		}
		details := wallet.String()
		if wallet.Legacy() {
			details += " encoding=legacy"
		}
		return models.AppendEvent(tx, nil, userID, "wallet.bound", details, now)
	})
	if err != nil {
		if errors.Is(err, ErrWalletAlreadyBound) {
			return FlushResult{}, err
		}
		return FlushResult{}, fmt.Errorf("bind wallet: %w", err)
	}
	if fresh {
		s.logger.Info("wallet bound",
			slog.Uint64("user_id", userID),
			slog.String("wallet", logging.MaskAddress(wallet.String())),
			slog.Bool("legacy_encoding", wallet.Legacy()))
	}
	return s.flushLocked(ctx, userID, TriggerBind)
}

// Flush drives every pending record of userID through the engine in creation
// order and then reconciles the cached balance with the chain.
func (s *Service) Flush(ctx context.Context, userID uint64) (FlushResult, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := s.users.Lock(userKey(userID))
	defer unlock()
	return s.flushLocked(ctx, userID, TriggerManual)
}

// TryFlush flushes userID unless another flush for the user is running.
func (s *Service) TryFlush(ctx context.Context, userID uint64, trigger string) (FlushResult, bool, error) {
	unlock, ok := s.users.TryLock(userKey(userID))
	if !ok {
		return FlushResult{}, false, nil
	}
	defer unlock()
	result, err := s.flushLocked(context.WithoutCancel(ctx), userID, trigger)
	return result, true, err
}

// RetryFailed moves the user's failed records back to pending and flushes them.
func (s *Service) RetryFailed(ctx context.Context, userID uint64) (FlushResult, error) {
	if userID == 0 {
		return FlushResult{}, ErrInvalidUser
	}
	ctx = context.WithoutCancel(ctx)
	unlock := s.users.Lock(userKey(userID))
	defer unlock()

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return FlushResult{}, err
	}
	if user.WalletAddress.IsZero() {
		return FlushResult{}, distribution.ErrWalletUnbound
	}
	now := s.now().UTC()
	var requeued int
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var failed []models.DistributionRecord
		if err := tx.Select("id", "error_class", "last_error").
			Where("voter_id = ? AND status = ?", userID, models.StatusFailed).
			Order("created_at").
			Find(&failed).Error; err != nil {
			return err
		}
		for _, record := range failed {
			id := record.ID
			// Only failed records carry an error; the old one moves to the event.
			res := tx.Model(&models.DistributionRecord{}).
				Where("id = ? AND status = ?", id, models.StatusFailed).
				Updates(map[string]any{
					"status":      models.StatusPending,
					"last_error":  "",
					"error_class": "",
					"updated_at":  now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			details := fmt.Sprintf("class=%s error=%s", record.ErrorClass, record.LastError)
			if err := models.AppendEvent(tx, &id, userID, "distribution.retry_requested", details, now); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return FlushResult{}, fmt.Errorf("requeue failed records: %w", err)
	}
	s.logger.Info("failed distributions requeued", slog.Uint64("user_id", userID), slog.Int("records", requeued))
	return s.flushLocked(ctx, userID, TriggerRetry)
}

// Reconcile overwrites the cached balance with the on-chain balance.
func (s *Service) Reconcile(ctx context.Context, userID uint64) (int64, error) {
	unlock := s.users.Lock(userKey(userID))
	defer unlock()
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if user.WalletAddress.IsZero() {
		return 0, distribution.ErrWalletUnbound
	}
	return s.reconcile(ctx, user)
}

// PendingUsers lists bound users with pending records.
func (s *Service) PendingUsers(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).
		Model(&models.DistributionRecord{}).
		Joins("JOIN users ON users.id = distribution_records.voter_id").
		Where("distribution_records.status = ?", models.StatusPending).
		Where("users.wallet_address IS NOT NULL AND users.wallet_address <> ''").
		Distinct().
		Order("distribution_records.voter_id").
		Pluck("distribution_records.voter_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list pending users: %w", err)
	}
	return ids, nil
}

// SoloPending lists the pending record of every bound user that has exactly
// one, oldest first. These can share a batch transaction without changing
// any user's distribution order.
func (s *Service) SoloPending(ctx context.Context) ([]uuid.UUID, error) {
	var voters []uint64
	err := s.db.WithContext(ctx).
		Model(&models.DistributionRecord{}).
		Joins("JOIN users ON users.id = distribution_records.voter_id").
		Where("distribution_records.status = ?", models.StatusPending).
		Where("users.wallet_address IS NOT NULL AND users.wallet_address <> ''").
		Group("distribution_records.voter_id").
		Having("COUNT(*) = 1").
		Pluck("distribution_records.voter_id", &voters).Error
	if err != nil {
		return nil, fmt.Errorf("list solo pending users: %w", err)
	}
	if len(voters) == 0 {
		return nil, nil
	}
	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).
		Model(&models.DistributionRecord{}).
		Where("voter_id IN ? AND status = ?", voters, models.StatusPending).
		Order("created_at").Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list solo pending records: %w", err)
	}
	return ids, nil
}

func (s *Service) flushLocked(ctx context.Context, userID uint64, trigger string) (FlushResult, error) {
	result := FlushResult{}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return result, err
	}
	if user.WalletAddress.IsZero() {
		return result, distribution.ErrWalletUnbound
	}
	s.metrics.RecordFlush(trigger)

	var pending []models.DistributionRecord
	if err := s.db.WithContext(ctx).
		Where("voter_id = ? AND status = ?", userID, models.StatusPending).
		Order("created_at").Order("id").
		Find(&pending).Error; err != nil {
		return result, fmt.Errorf("load pending records: %w", err)
	}

	stopped := false
	for _, record := range pending {
		if stopped {
			result.Deferred++
			continue
		}
		res, err := s.engine.Distribute(ctx, record.ID)
		switch {
		case err == nil:
			if !res.Replayed {
				result.Distributed++
				result.TokensDistributed += res.Amount
			}
		case errors.Is(err, distribution.ErrInFlight):
			result.Deferred++
		case errors.Is(err, signer.ErrClosed):
			result.Deferred++
			stopped = true
		default:
			result.Failed++
			s.logger.Warn("backlog record failed",
				slog.Uint64("user_id", userID),
				slog.String("record_id", record.ID.String()),
				slog.String("trigger", trigger),
				slog.Any("error", err))
		}
	}

	balance, err := s.reconcile(ctx, user)
	if err != nil {
		result.Message = summary(result)
		return result, err
	}
	result.Balance = balance
	result.Message = summary(result)
	s.logger.Info("backlog flushed",
		slog.Uint64("user_id", userID),
		slog.String("trigger", trigger),
		slog.Int("distributed", result.Distributed),
		slog.Int("failed", result.Failed),
		slog.Int("deferred", result.Deferred),
		slog.Int64("tokens", result.TokensDistributed),
		slog.Int64("balance", balance))
	return result, nil
}

func (s *Service) reconcile(ctx context.Context, user models.User) (int64, error) {
	unlock := s.wallets.LockRecipient(user.WalletAddress.Address())
	defer unlock()
	raw, err := s.chain.BalanceOf(ctx, user.WalletAddress.Address())
	if err != nil {
		return 0, fmt.Errorf("read wallet balance: %w", err)
	}
	balance, err := s.units.FromBase(raw)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, "id = ?", user.ID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]any{
			"token_balance": balance,
			"reconciled_at": now,
			"updated_at":    now,
		}).Error; err != nil {
			return err
		}
		if balance == current.TokenBalance {
			return nil
		}
		details := fmt.Sprintf("cached=%d chain=%d", current.TokenBalance, balance)
		return models.AppendEvent(tx, nil, user.ID, "balance.reconciled", details, now)
	})
	if err != nil {
		return 0, fmt.Errorf("store reconciled balance: %w", err)
	}
	return balance, nil
}

func (s *Service) loadUser(ctx context.Context, userID uint64) (models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return user, fmt.Errorf("%w: %d", ErrUnknownUser, userID)
		}
		return user, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

func summary(r FlushResult) string {
	if r.Distributed == 0 && r.Failed == 0 && r.Deferred == 0 {
		return "no pending distributions"
	}
	msg := fmt.Sprintf("distributed %d tokens across %d records", r.TokensDistributed, r.Distributed)
	if r.Failed > 0 {
		msg += fmt.Sprintf("; %d failed", r.Failed)
	}
	if r.Deferred > 0 {
		msg += fmt.Sprintf("; %d deferred", r.Deferred)
	}
	return msg
}

func userKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
