package girinhas

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is an integer Girinha amount in centigirinhas (1 Girinha = 100 cents).
// Ledger transaction amounts are signed; batch amounts are non-negative.
type AmountCents int64

// Int64 returns the raw cent value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// Negated returns the additive inverse.
func (amount AmountCents) Negated() AmountCents {
	return -amount
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// UserID identifies a wallet owner. Wallets are keyed by user: one wallet per user.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// WalletID is the internal wallet identifier.
type WalletID struct {
	value string
}

// NewWalletID validates and normalizes a wallet id.
func NewWalletID(raw string) (WalletID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return WalletID{}, fmt.Errorf("%w: empty value", ErrInvalidWalletID)
	}
	return WalletID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id WalletID) String() string {
	return id.value
}

// BatchID identifies a credit batch.
type BatchID struct {
	value string
}

// NewBatchID validates and normalizes a batch id.
func NewBatchID(raw string) (BatchID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BatchID{}, fmt.Errorf("%w: empty value", ErrInvalidBatchID)
	}
	return BatchID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BatchID) String() string {
	return id.value
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection. Retrying an operation with the same
// key returns the prior result instead of applying the operation twice.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// MetadataJSON stores arbitrary operation metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// BatchOrigin enumerates how a credit batch entered a wallet.
type BatchOrigin string

const (
	OriginPurchase      BatchOrigin = "purchase"
	OriginBonus         BatchOrigin = "bonus"
	OriginMissionReward BatchOrigin = "mission_reward"
	OriginTransferIn    BatchOrigin = "transfer_in"
)

// String returns the origin value.
func (origin BatchOrigin) String() string {
	return string(origin)
}

// ParseBatchOrigin validates a stored origin value.
func ParseBatchOrigin(raw string) (BatchOrigin, error) {
	switch BatchOrigin(raw) {
	case OriginPurchase, OriginBonus, OriginMissionReward, OriginTransferIn:
		return BatchOrigin(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, raw)
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindPurchase    TransactionKind = "purchase"
	KindTransferOut TransactionKind = "transfer_out"
	KindTransferIn  TransactionKind = "transfer_in"
	KindFee         TransactionKind = "fee"
	KindBurn        TransactionKind = "burn"
	KindBonus       TransactionKind = "bonus"
	KindExtension   TransactionKind = "extension"
)

// String returns the kind value.
func (kind TransactionKind) String() string {
	return string(kind)
}

// ParseTransactionKind validates a stored kind value.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindPurchase, KindTransferOut, KindTransferIn, KindFee, KindBurn, KindBonus, KindExtension:
		return TransactionKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
}

// Batch is a stored credit batch. Remaining never exceeds Original and a batch
// past ExpiresAtUnixUTC contributes nothing to the balance regardless of Remaining.
type Batch struct {
	BatchID          BatchID
	WalletID         WalletID
	OriginalCents    AmountCents
	RemainingCents   AmountCents
	Origin           BatchOrigin
	Extended         bool
	AcquiredUnixUTC  int64
	ExpiresAtUnixUTC int64
}

// Live reports whether the batch is spendable at the given instant.
func (batch Batch) Live(atUnixUTC int64) bool {
	return batch.RemainingCents > 0 && batch.ExpiresAtUnixUTC > atUnixUTC
}

// BatchInput describes a batch to be created.
type BatchInput struct {
	WalletID         WalletID
	AmountCents      AmountCents
	Origin           BatchOrigin
	AcquiredUnixUTC  int64
	ExpiresAtUnixUTC int64
}

// BatchRef records how much a debit consumed from one batch.
type BatchRef struct {
	BatchID       BatchID
	ConsumedCents AmountCents
}

// Transaction is a single immutable line in the ledger. Burn rows carry no wallet
// (HasWallet false): the amount leaves circulation rather than any wallet.
type Transaction struct {
	TransactionID      TransactionID
	WalletID           WalletID
	HasWallet          bool
	Kind               TransactionKind
	AmountCents        AmountCents
	IdempotencyKey     IdempotencyKey
	CounterpartyUserID string
	BatchRefs          []BatchRef
	PaidBRLCents       AmountCents
	Metadata           MetadataJSON
	CreatedUnixUTC     int64
}

// TransactionInput describes a transaction to be appended.
type TransactionInput struct {
	WalletID           WalletID
	HasWallet          bool
	Kind               TransactionKind
	AmountCents        AmountCents
	IdempotencyKey     IdempotencyKey
	CounterpartyUserID string
	BatchRefs          []BatchRef
	PaidBRLCents       AmountCents
	Metadata           MetadataJSON
	CreatedUnixUTC     int64
}

// ScheduleItem is one row of a wallet expiration schedule.
type ScheduleItem struct {
	BatchID             BatchID
	RemainingCents      AmountCents
	ExpiresAtUnixUTC    int64
	DaysUntilExpiration int
	Extended            bool
}
