package girinhas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Service is the transaction processor: every balance-affecting operation of the
// Girinhas ledger goes through it. Each operation runs atomically against the
// Store and is idempotent under its key: a retried key returns the prior result
// with Duplicate set instead of applying the operation again.
type Service struct {
	store  Store
	config Config
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, config Config, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	service := &Service{store: store, config: config, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// PurchaseResult reports a committed (or previously committed) purchase.
type PurchaseResult struct {
	TransactionID   TransactionID
	NewBalanceCents AmountCents
	Duplicate       bool
}

// BonusResult reports a committed (or previously committed) bonus grant.
type BonusResult struct {
	TransactionID TransactionID
	Duplicate     bool
}

// Balance returns the wallet's spendable balance: the sum of remaining amounts
// over batches whose expiration lies in the future. Expiry is evaluated on read;
// nothing sweeps expired batches.
func (service *Service) Balance(ctx context.Context, userID UserID) (AmountCents, error) {
	walletID, err := service.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return service.store.SumLiveBatches(ctx, walletID, service.nowFn())
}

// ExpirationSchedule lists the wallet's live batches ascending by expiration.
func (service *Service) ExpirationSchedule(ctx context.Context, userID UserID) ([]ScheduleItem, error) {
	walletID, err := service.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	nowUnixUTC := service.nowFn()
	batches, err := service.store.ListLiveBatches(ctx, walletID, nowUnixUTC)
	if err != nil {
		return nil, err
	}
	schedule := make([]ScheduleItem, 0, len(batches))
	for _, batch := range batches {
		schedule = append(schedule, ScheduleItem{
			BatchID:             batch.BatchID,
			RemainingCents:      batch.RemainingCents,
			ExpiresAtUnixUTC:    batch.ExpiresAtUnixUTC,
			DaysUntilExpiration: daysUntil(batch.ExpiresAtUnixUTC, nowUnixUTC),
			Extended:            batch.Extended,
		})
	}
	return schedule, nil
}

// Purchase credits the wallet with a new batch expiring after the configured
// validity period. paidBRLCents records the reais paid and feeds the implicit
// rate metric; callers without a money leg (none today) pass zero.
func (service *Service) Purchase(ctx context.Context, userID UserID, amount AmountCents, key IdempotencyKey, source string, paidBRLCents AmountCents) (PurchaseResult, error) {
	var result PurchaseResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		priorID, found, err := txStore.LookupIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		if found {
			prior, err := service.creditResult(ctx, txStore, priorID)
			if err != nil {
				return err
			}
			result = prior
			return nil
		}
		if amount <= 0 || amount < service.config.PurchaseMinCents || amount > service.config.PurchaseMaxCents {
			return fmt.Errorf("%w: purchase of %d cents outside bounds", ErrInvalidAmount, amount)
		}
		created, err := service.credit(ctx, txStore, userID, amount, key, KindPurchase, OriginPurchase, purchaseMetadata{Source: source}, paidBRLCents)
		if err != nil {
			return err
		}
		result = created
		return nil
	})
	operationError = service.resolveDuplicateRace(ctx, operationError, key, &result)
	service.logOperation(ctx, OperationLog{
		Operation:      operationPurchase,
		UserID:         userID,
		Amount:         amount,
		IdempotencyKey: key,
		Status:         duplicateStatus(result.Duplicate),
		Error:          operationError,
	})
	return result, operationError
}

// Bonus credits the wallet the way a purchase does, with origin bonus (or
// mission_reward when the reason says so). The caller owns key uniqueness:
// the key must be derived from the reason plus the triggering event so the same
// event can never award the bonus twice.
func (service *Service) Bonus(ctx context.Context, userID UserID, amount AmountCents, reason string, key IdempotencyKey) (BonusResult, error) {
	var result BonusResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		priorID, found, err := txStore.LookupIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		if found {
			result = BonusResult{TransactionID: priorID, Duplicate: true}
			return nil
		}
		if amount <= 0 {
			return fmt.Errorf("%w: bonus of %d cents", ErrInvalidAmount, amount)
		}
		origin := OriginBonus
		if reason == reasonMissionReward {
			origin = OriginMissionReward
		}
		created, err := service.credit(ctx, txStore, userID, amount, key, KindBonus, origin, bonusMetadata{Reason: reason}, 0)
		if err != nil {
			return err
		}
		result = BonusResult{TransactionID: created.TransactionID}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotency) {
		priorID, found, lookupErr := service.store.LookupIdempotencyKey(ctx, key)
		if lookupErr == nil && found {
			result = BonusResult{TransactionID: priorID, Duplicate: true}
			operationError = nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationBonus,
		UserID:         userID,
		Amount:         amount,
		IdempotencyKey: key,
		Status:         duplicateStatus(result.Duplicate),
		Error:          operationError,
	})
	return result, operationError
}

// credit creates the batch and transaction shared by purchase and bonus. Runs
// inside the caller's transaction.
func (service *Service) credit(ctx context.Context, txStore Store, userID UserID, amount AmountCents, key IdempotencyKey, kind TransactionKind, origin BatchOrigin, metadata any, paidBRLCents AmountCents) (PurchaseResult, error) {
	walletID, err := txStore.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if err := txStore.LockWallet(ctx, walletID); err != nil {
		return PurchaseResult{}, err
	}
	nowUnixUTC := service.nowFn()
	batchID, err := txStore.InsertBatch(ctx, BatchInput{
		WalletID:         walletID,
		AmountCents:      amount,
		Origin:           origin,
		AcquiredUnixUTC:  nowUnixUTC,
		ExpiresAtUnixUTC: nowUnixUTC + int64(service.config.ValidityPeriod.Seconds()),
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return PurchaseResult{}, err
	}
	transactionID, err := txStore.InsertTransaction(ctx, TransactionInput{
		WalletID:       walletID,
		HasWallet:      true,
		Kind:           kind,
		AmountCents:    amount,
		IdempotencyKey: key,
		BatchRefs:      []BatchRef{{BatchID: batchID, ConsumedCents: amount}},
		PaidBRLCents:   paidBRLCents,
		Metadata:       metadataJSON,
		CreatedUnixUTC: nowUnixUTC,
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	if err := txStore.InsertIdempotencyRecord(ctx, key, transactionID); err != nil {
		return PurchaseResult{}, err
	}
	balance, err := txStore.SumLiveBatches(ctx, walletID, nowUnixUTC)
	if err != nil {
		return PurchaseResult{}, err
	}
	return PurchaseResult{TransactionID: transactionID, NewBalanceCents: balance}, nil
}

// creditResult rebuilds a purchase result for a duplicate key: same transaction
// id, balance as of now.
func (service *Service) creditResult(ctx context.Context, txStore Store, transactionID TransactionID) (PurchaseResult, error) {
	transaction, err := txStore.GetTransaction(ctx, transactionID)
	if err != nil {
		return PurchaseResult{}, err
	}
	balance, err := txStore.SumLiveBatches(ctx, transaction.WalletID, service.nowFn())
	if err != nil {
		return PurchaseResult{}, err
	}
	return PurchaseResult{TransactionID: transactionID, NewBalanceCents: balance, Duplicate: true}, nil
}

// resolveDuplicateRace handles two racing operations with the same key: the
// loser's insert fails on the unique constraint, so the prior result is re-read
// and returned as a duplicate.
func (service *Service) resolveDuplicateRace(ctx context.Context, operationError error, key IdempotencyKey, result *PurchaseResult) error {
	if !errors.Is(operationError, ErrDuplicateIdempotency) {
		return operationError
	}
	priorID, found, err := service.store.LookupIdempotencyKey(ctx, key)
	if err != nil || !found {
		return operationError
	}
	prior, err := service.creditResult(ctx, service.store, priorID)
	if err != nil {
		return operationError
	}
	*result = prior
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Error != nil {
		entry.Status = operationStatusError
	} else if entry.Status == "" {
		entry.Status = operationStatusOK
	}
	service.logger.LogOperation(ctx, entry)
}

func duplicateStatus(duplicate bool) string {
	if duplicate {
		return operationStatusDuplicate
	}
	return ""
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}

func daysUntil(expiresAtUnixUTC int64, nowUnixUTC int64) int {
	delta := expiresAtUnixUTC - nowUnixUTC
	if delta <= 0 {
		return 0
	}
	return int((delta + secondsPerDay - 1) / secondsPerDay)
}

type purchaseMetadata struct {
	Source string `json:"source,omitempty"`
}

type bonusMetadata struct {
	Reason string `json:"reason,omitempty"`
}

type transferMetadata struct {
	FeeCents AmountCents `json:"fee_cents"`
	NetCents AmountCents `json:"net_cents"`
}

type extensionMetadata struct {
	BatchID             string      `json:"batch_id"`
	CostCents           AmountCents `json:"cost_cents"`
	NewExpiresAtUnixUTC int64       `json:"new_expires_at_unix_utc"`
}

func marshalMetadata(value any) (MetadataJSON, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}
