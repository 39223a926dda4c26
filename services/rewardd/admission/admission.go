// Package admission decides whether a vote earns a reward and records the
// pending distribution for it.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vendorvote/core/voting"
	"vendorvote/observability"
	"vendorvote/services/rewardd/keylock"
	"vendorvote/services/rewardd/models"
)

// Reason identifies why a vote was rejected.
type Reason string

// Rejection reasons surfaced to clients.
const (
	ReasonDailyCapReached Reason = "DAILY_CAP_REACHED"
	ReasonPaused          Reason = "PAUSED"
)

var (
	// ErrDailyCapReached matches rejections caused by the per-day cap.
	ErrDailyCapReached = errors.New("rewardd: daily vote cap reached")
	// ErrPaused matches rejections caused by the pause guard.
	ErrPaused = errors.New("rewardd: rewards paused")
	// ErrUnknownVendor is returned for votes on vendors that are not registered.
	ErrUnknownVendor = errors.New("rewardd: unknown vendor")
	// ErrUnknownUser is returned when recomputing the streak of a missing user.
	ErrUnknownUser = errors.New("rewardd: unknown user")
	// ErrInvalidVote reports a malformed vote request.
	ErrInvalidVote = errors.New("rewardd: invalid vote")
)

// RejectionError is a typed, user-visible admission refusal. No record is
// written when it is returned.
type RejectionError struct {
	Reason Reason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rewardd: vote rejected: %s", e.Reason)
}

// Is maps the reason onto the package sentinels.
func (e *RejectionError) Is(target error) bool {
	switch e.Reason {
	case ReasonDailyCapReached:
		return target == ErrDailyCapReached
	case ReasonPaused:
		return target == ErrPaused
	}
	return false
}

// VoteRequest is the admission input.
type VoteRequest struct {
	VoterID  uint64      `json:"voterId"`
	VendorID uint64      `json:"vendorId"`
	Kind     voting.Kind `json:"voteKind"`
	ProofRef string      `json:"proofRef,omitempty"`
}

// Admission describes an accepted vote.
type Admission struct {
	RecordID     uuid.UUID
	VoterID      uint64
	VendorID     uint64
	Kind         voting.Kind
	Slot         int
	SessionID    voting.SessionID
	RewardAmount int64
	Streak       int
	WalletBound  bool
}

// Config wires the controller.
type Config struct {
	DB       *gorm.DB
	Schedule voting.Schedule
	// Location defines calendar-day boundaries for the cap and the streak.
	Location *time.Location
	Pause    *PauseGuard
	// AutoRegisterVendors creates unseen vendors instead of rejecting the vote.
	AutoRegisterVendors bool
	// OnAdmitted runs after the admission transaction commits.
	OnAdmitted func(Admission)
	Logger     *slog.Logger
	Metrics    *observability.RewarddMetrics
	Clock      func() time.Time
}

// Controller admits votes. Votes for different (voter, vendor, day) keys run
// concurrently; votes for the same key are serialised.
type Controller struct {
	db          *gorm.DB
	schedule    voting.Schedule
	loc         *time.Location
	pause       *PauseGuard
	autoVendors bool
	onAdmitted  func(Admission)
	logger      *slog.Logger
	metrics     *observability.RewarddMetrics
	now         func() time.Time
	locks       *keylock.Map
}

// NewController validates cfg and returns a controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("admission: database required")
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	pause := cfg.Pause
	if pause == nil {
		pause = NewPauseGuard(nil, cfg.Metrics)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		db:          cfg.DB,
		schedule:    cfg.Schedule,
		loc:         loc,
		pause:       pause,
		autoVendors: cfg.AutoRegisterVendors,
		onAdmitted:  cfg.OnAdmitted,
		logger:      logger,
		metrics:     cfg.Metrics,
		now:         clock,
		locks:       keylock.New(),
	}, nil
}

// Pause exposes the guard consulted on every vote.
func (c *Controller) Pause() *PauseGuard { return c.pause }

// Admit validates req against the daily cap and the pause guard, then writes
// a pending distribution record and bumps the vendor counters atomically.
func (c *Controller) Admit(ctx context.Context, req VoteRequest) (Admission, error) {
	kind, err := voting.ParseKind(string(req.Kind))
	if err != nil {
		return Admission{}, fmt.Errorf("%w: %v", ErrInvalidVote, err)
	}
	if req.VoterID == 0 || req.VendorID == 0 {
		return Admission{}, fmt.Errorf("%w: voter and vendor ids required", ErrInvalidVote)
	}
	if kind == voting.KindVerified && req.ProofRef == "" {
		return Admission{}, fmt.Errorf("%w: verified vote requires a proof reference", ErrInvalidVote)
	}

	now := c.now().In(c.loc)
	day := voting.DayKey(now, c.loc)
	unlock := c.locks.Lock(fmt.Sprintf("%d:%d:%s", req.VoterID, req.VendorID, day))
	defer unlock()

	// The contract flag is read before the transaction so no RPC happens
	// while a database transaction is open. The cap is still checked first.
	paused, pauseErr := c.pause.Paused(ctx)

	var admitted Admission
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.lockVendor(tx, req.VendorID, now); err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&models.DistributionRecord{}).
			Where("voter_id = ? AND vendor_id = ? AND vote_date = ?", req.VoterID, req.VendorID, day).
			Count(&count).Error; err != nil {
			return fmt.Errorf("count daily votes: %w", err)
		}
		if count >= int64(c.schedule.DailyCap) {
			return &RejectionError{Reason: ReasonDailyCapReached}
		}
		if pauseErr != nil {
			return pauseErr
		}
		if paused {
			return &RejectionError{Reason: ReasonPaused}
		}

		slot := int(count) + 1
		amount, err := c.schedule.Reward(slot, kind)
		if err != nil {
			return err
		}
		sessionID, err := voting.EncodeSessionID(req.VendorID, req.VoterID, now, slot)
		if err != nil {
			return err
		}
		stamp := now.UTC()
		record := models.DistributionRecord{
			ID:         uuid.New(),
			VoterID:    req.VoterID,
			VendorID:   req.VendorID,
			VoteDate:   day,
			Slot:       slot,
			SessionID:  sessionID,
			VoteKind:   kind,
			ProofRef:   req.ProofRef,
			Amount:     amount,
			Multiplier: float64(c.schedule.Multiplier(kind)),
			Status:     models.StatusPending,
			CreatedAt:  stamp,
			UpdatedAt:  stamp,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("create distribution record: %w", err)
		}

		counters := map[string]any{"total_votes": gorm.Expr("total_votes + 1"), "updated_at": stamp}
		if kind == voting.KindVerified {
			counters["verified_votes"] = gorm.Expr("verified_votes + 1")
		}
		if err := tx.Model(&models.Vendor{}).Where("id = ?", req.VendorID).Updates(counters).Error; err != nil {
			return fmt.Errorf("update vendor counters: %w", err)
		}

		user := models.User{ID: req.VoterID}
		if err := tx.Where(models.User{ID: req.VoterID}).Attrs(models.User{CreatedAt: stamp, UpdatedAt: stamp}).FirstOrCreate(&user).Error; err != nil {
			return fmt.Errorf("load voter: %w", err)
		}
		streak, err := c.recomputeStreak(tx, req.VoterID, now)
		if err != nil {
			return err
		}
		details := fmt.Sprintf("vendor=%d slot=%d kind=%s amount=%d session=%s", req.VendorID, slot, kind, amount, sessionID)
		if err := models.AppendEvent(tx, &record.ID, req.VoterID, "vote.admitted", details, stamp); err != nil {
			return err
		}

		admitted = Admission{
			RecordID:     record.ID,
			VoterID:      req.VoterID,
			VendorID:     req.VendorID,
			Kind:         kind,
			Slot:         slot,
			SessionID:    sessionID,
			RewardAmount: amount,
			Streak:       streak,
			WalletBound:  !user.WalletAddress.IsZero(),
		}
		return nil
	})
	if err != nil {
		var rejection *RejectionError
		if errors.As(err, &rejection) {
			c.metrics.RecordVote(string(kind), string(rejection.Reason))
			c.logger.Info("vote rejected",
				slog.Uint64("voter_id", req.VoterID),
				slog.Uint64("vendor_id", req.VendorID),
				slog.String("reason", string(rejection.Reason)))
			return Admission{}, rejection
		}
		c.metrics.RecordVote(string(kind), "error")
		return Admission{}, err
	}

	c.metrics.RecordVote(string(kind), "accepted")
	c.logger.Info("vote admitted",
		slog.Uint64("voter_id", admitted.VoterID),
		slog.Uint64("vendor_id", admitted.VendorID),
		slog.Int("slot", admitted.Slot),
		slog.Int64("reward", admitted.RewardAmount),
		slog.String("session_id", admitted.SessionID.String()))
	if c.onAdmitted != nil {
		c.onAdmitted(admitted)
	}
	return admitted, nil
}

// RecomputeStreak rebuilds a user's streak from their vote history and stores it.
func (c *Controller) RecomputeStreak(ctx context.Context, userID uint64) (int, error) {
	now := c.now().In(c.loc)
	var streak int
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownUser
			}
			return err
		}
		value, err := c.recomputeStreak(tx, userID, now)
		if err != nil {
			return err
		}
		streak = value
		return nil
	})
	return streak, err
}

func (c *Controller) lockVendor(tx *gorm.DB, vendorID uint64, now time.Time) error {
	var vendor models.Vendor
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&vendor, "id = ?", vendorID).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("load vendor: %w", err)
	}
	if !c.autoVendors {
		return fmt.Errorf("%w: %d", ErrUnknownVendor, vendorID)
	}
	vendor = models.Vendor{ID: vendorID, CreatedAt: now.UTC(), UpdatedAt: now.UTC()}
	if err := tx.Create(&vendor).Error; err != nil {
		return fmt.Errorf("register vendor: %w", err)
	}
	return nil
}

func (c *Controller) recomputeStreak(tx *gorm.DB, userID uint64, now time.Time) (int, error) {
	var days []string
	if err := tx.Model(&models.DistributionRecord{}).
		Where("voter_id = ?", userID).
		Distinct().
		Pluck("vote_date", &days).Error; err != nil {
		return 0, fmt.Errorf("load vote history: %w", err)
	}
	dates := make([]time.Time, 0, len(days))
	for _, raw := range days {
		parsed, err := time.ParseInLocation(time.DateOnly, raw, c.loc)
		if err != nil {
			return 0, fmt.Errorf("parse vote date %q: %w", raw, err)
		}
		dates = append(dates, parsed)
	}
	streak := voting.Streak(dates, now)
	if err := tx.Model(&models.User{}).Where("id = ?", userID).Update("streak", streak).Error; err != nil {
		return 0, fmt.Errorf("store streak: %w", err)
	}
	return streak, nil
}
