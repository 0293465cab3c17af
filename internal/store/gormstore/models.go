package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table. Balance is never stored here; it is
// always derived from credit batches.
type Wallet struct {
	WalletID  string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:uniq_wallets_user"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.WalletID == "" {
		wallet.WalletID = uuid.NewString()
	}
	return nil
}

// CreditBatch mirrors the credit_batches table. Batches are retained after
// depletion or expiry for audit.
type CreditBatch struct {
	BatchID        string    `gorm:"type:uuid;primaryKey"`
	WalletID       string    `gorm:"type:uuid;not null;index:idx_batches_wallet_expires,priority:1"`
	OriginalCents  int64     `gorm:"not null"`
	RemainingCents int64     `gorm:"not null"`
	Origin         string    `gorm:"not null"`
	Extended       bool      `gorm:"not null;default:false"`
	AcquiredAt     time.Time `gorm:"not null"`
	ExpiresAt      time.Time `gorm:"not null;index:idx_batches_wallet_expires,priority:2"`
}

func (CreditBatch) TableName() string { return "credit_batches" }

func (batch *CreditBatch) BeforeCreate(tx *gorm.DB) error {
	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}
	return nil
}

// LedgerTransaction mirrors the transactions table. Burn rows have a NULL
// wallet id: the amount leaves circulation rather than any wallet.
type LedgerTransaction struct {
	TransactionID      string         `gorm:"type:uuid;primaryKey"`
	WalletID           *string        `gorm:"type:uuid;index:idx_transactions_wallet_created,priority:1"`
	Kind               string         `gorm:"not null;index:idx_transactions_kind_created,priority:1"`
	AmountCents        int64          `gorm:"not null"`
	IdempotencyKey     string         `gorm:"not null;uniqueIndex:uniq_transactions_idem"`
	CounterpartyUserID *string        `gorm:""`
	BatchRefs          datatypes.JSON `gorm:"not null"`
	PaidBRLCents       int64          `gorm:"not null;default:0"`
	Metadata           datatypes.JSON `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"not null;index:idx_transactions_wallet_created,priority:2;index:idx_transactions_kind_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// IdempotencyRecord maps an external idempotency key to the transaction it
// produced, making retried requests no-ops.
type IdempotencyRecord struct {
	Key           string    `gorm:"primaryKey"`
	TransactionID string    `gorm:"type:uuid;not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{&Wallet{}, &CreditBatch{}, &LedgerTransaction{}, &IdempotencyRecord{}}
}
