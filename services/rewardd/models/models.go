package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"vendorvote/core/voting"
	"vendorvote/services/rewardd/ledger"
)

// DistributionStatus is the payout lifecycle state of a rewarded vote.
type DistributionStatus string

// All distribution states.
const (
	StatusPending     DistributionStatus = "pending"
	StatusDistributed DistributionStatus = "distributed"
	StatusFailed      DistributionStatus = "failed"
)

// User stores the reward-relevant view of an application account.
type User struct {
	ID            uint64               `gorm:"primaryKey;autoIncrement:false" json:"id"`
	WalletAddress ledger.WalletAddress `gorm:"size:64;index" json:"wallet_address"`
	TokenBalance  int64                `gorm:"not null;default:0" json:"token_balance"`
	Streak        int                  `gorm:"not null;default:0" json:"streak"`
	BoundAt       *time.Time           `json:"bound_at,omitempty"`
	ReconciledAt  *time.Time           `json:"reconciled_at,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Vendor keeps the denormalised vote counters maintained by admission.
type Vendor struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name          string    `gorm:"size:128" json:"name"`
	TotalVotes    int64     `gorm:"not null;default:0" json:"total_votes"`
	VerifiedVotes int64     `gorm:"not null;default:0" json:"verified_votes"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DistributionRecord is the durable audit row of one rewarded vote's payout.
// Rows are never deleted.
type DistributionRecord struct {
	ID            uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	VoterID       uint64             `gorm:"not null;index:idx_distribution_daily,priority:1;index:idx_distribution_voter_status,priority:1" json:"voter_id"`
	VendorID      uint64             `gorm:"not null;index:idx_distribution_daily,priority:2" json:"vendor_id"`
	VoteDate      string             `gorm:"size:10;not null;index:idx_distribution_daily,priority:3" json:"vote_date"`
	Slot          int                `gorm:"not null" json:"slot"`
	SessionID     voting.SessionID   `gorm:"size:32;not null;uniqueIndex" json:"session_id"`
	VoteKind      voting.Kind        `gorm:"size:16;not null" json:"vote_kind"`
	ProofRef      string             `gorm:"size:255" json:"proof_ref,omitempty"`
	Amount        int64              `gorm:"not null" json:"amount"`
	Multiplier    float64            `gorm:"not null" json:"multiplier"`
	Status        DistributionStatus `gorm:"size:16;not null;index:idx_distribution_voter_status,priority:2" json:"status"`
	TxHash        string             `gorm:"size:80" json:"tx_hash,omitempty"`
	LastError     string             `gorm:"type:text" json:"last_error,omitempty"`
	ErrorClass    string             `gorm:"size:16" json:"error_class,omitempty"`
	Attempts      int                `gorm:"not null;default:0" json:"attempts"`
	CreatedAt     time.Time          `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	DistributedAt *time.Time         `json:"distributed_at,omitempty"`
}

// Submission is a signed transaction broadcast for a record. A batch
// transaction leaves one row per record it pays. Later runs for the record
// look here first so a transaction still in the mempool is replaced, not
// duplicated.
type Submission struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	RecordID  uuid.UUID `gorm:"type:uuid;not null;index" json:"record_id"`
	TxHash    string    `gorm:"size:80;not null;index" json:"tx_hash"`
	Nonce     uint64    `gorm:"not null" json:"nonce"`
	GasPrice  string    `gorm:"size:80;not null" json:"gas_price"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Event is the reward audit trail.
type Event struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	RecordID  *uuid.UUID `gorm:"type:uuid;index" json:"record_id,omitempty"`
	UserID    uint64     `gorm:"index" json:"user_id"`
	Action    string     `gorm:"size:64" json:"action"`
	Details   string     `gorm:"type:text" json:"details"`
	CreatedAt time.Time  `json:"created_at"`
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:255"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AppendEvent writes an audit event inside the supplied transaction.
func AppendEvent(tx *gorm.DB, recordID *uuid.UUID, userID uint64, action, details string, at time.Time) error {
	event := Event{
		ID:        uuid.New(),
		RecordID:  recordID,
		UserID:    userID,
		Action:    action,
		Details:   details,
		CreatedAt: at,
	}
	return tx.Create(&event).Error
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Vendor{},
		&DistributionRecord{},
		&Submission{},
		&Event{},
		&IdempotencyKey{},
	)
}
