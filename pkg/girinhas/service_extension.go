package girinhas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ExtensionResult reports a committed (or previously committed) batch extension.
type ExtensionResult struct {
	NewExpiresAtUnixUTC int64
	CostCents           AmountCents
	Duplicate           bool
}

// ExtendBatch pushes out one batch's expiration by the configured extension
// period, once per batch for life. The cost is a fraction of the batch's
// remaining amount, debited FIFO from the wallet's other batches (never from
// the batch being extended) and burned.
func (service *Service) ExtendBatch(ctx context.Context, userID UserID, batchID BatchID, key IdempotencyKey) (ExtensionResult, error) {
	var result ExtensionResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		priorID, found, err := txStore.LookupIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		if found {
			prior, err := extensionResultFromTransaction(ctx, txStore, priorID)
			if err != nil {
				return err
			}
			result = prior
			return nil
		}
		walletID, err := txStore.GetOrCreateWallet(ctx, userID)
		if err != nil {
			return err
		}
		if err := txStore.LockWallet(ctx, walletID); err != nil {
			return err
		}
		batch, err := txStore.GetBatch(ctx, walletID, batchID)
		if err != nil {
			return err
		}
		if batch.Extended {
			return ErrAlreadyExtended
		}
		nowUnixUTC := service.nowFn()
		if batch.ExpiresAtUnixUTC <= nowUnixUTC {
			return fmt.Errorf("%w: batch already expired", ErrNotEligible)
		}
		windowSeconds := int64(service.config.ExtensionEligibilityWindow.Seconds())
		if batch.ExpiresAtUnixUTC-nowUnixUTC > windowSeconds {
			return fmt.Errorf("%w: expires in %d days", ErrNotEligible, daysUntil(batch.ExpiresAtUnixUTC, nowUnixUTC))
		}

		costCents := feeFor(batch.RemainingCents, service.config.ExtensionFeeRate)
		var refs []BatchRef
		if costCents > 0 {
			batches, err := txStore.ListLiveBatches(ctx, walletID, nowUnixUTC)
			if err != nil {
				return err
			}
			refs, err = planDebit(excludeBatch(batches, batchID), costCents, nowUnixUTC)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				if err := txStore.ConsumeBatch(ctx, ref.BatchID, ref.ConsumedCents); err != nil {
					return err
				}
			}
		}

		newExpiresAtUnixUTC := nowUnixUTC + int64(service.config.ExtensionPeriod.Seconds())
		if err := txStore.MarkBatchExtended(ctx, batchID, newExpiresAtUnixUTC); err != nil {
			return err
		}

		metadataJSON, err := marshalMetadata(extensionMetadata{
			BatchID:             batchID.String(),
			CostCents:           costCents,
			NewExpiresAtUnixUTC: newExpiresAtUnixUTC,
		})
		if err != nil {
			return err
		}
		extensionID, err := txStore.InsertTransaction(ctx, TransactionInput{
			WalletID:       walletID,
			HasWallet:      true,
			Kind:           KindExtension,
			AmountCents:    costCents.Negated(),
			IdempotencyKey: key,
			BatchRefs:      refs,
			Metadata:       metadataJSON,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if costCents > 0 {
			burnKey, err := deriveIdempotencyKey(key, idempotencySuffixBurn)
			if err != nil {
				return err
			}
			if _, err := txStore.InsertTransaction(ctx, TransactionInput{
				Kind:               KindBurn,
				AmountCents:        costCents.Negated(),
				IdempotencyKey:     burnKey,
				CounterpartyUserID: userID.String(),
				CreatedUnixUTC:     nowUnixUTC,
			}); err != nil {
				return err
			}
		}
		if err := txStore.InsertIdempotencyRecord(ctx, key, extensionID); err != nil {
			return err
		}
		result = ExtensionResult{NewExpiresAtUnixUTC: newExpiresAtUnixUTC, CostCents: costCents}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotency) {
		priorID, found, lookupErr := service.store.LookupIdempotencyKey(ctx, key)
		if lookupErr == nil && found {
			if prior, err := extensionResultFromTransaction(ctx, service.store, priorID); err == nil {
				result = prior
				operationError = nil
			}
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationExtension,
		UserID:         userID,
		BatchID:        batchID.String(),
		Amount:         result.CostCents,
		IdempotencyKey: key,
		Status:         duplicateStatus(result.Duplicate),
		Error:          operationError,
	})
	return result, operationError
}

func extensionResultFromTransaction(ctx context.Context, store Store, transactionID TransactionID) (ExtensionResult, error) {
	transaction, err := store.GetTransaction(ctx, transactionID)
	if err != nil {
		return ExtensionResult{}, err
	}
	var metadata extensionMetadata
	if err := json.Unmarshal([]byte(transaction.Metadata.String()), &metadata); err != nil {
		return ExtensionResult{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return ExtensionResult{
		NewExpiresAtUnixUTC: metadata.NewExpiresAtUnixUTC,
		CostCents:           metadata.CostCents,
		Duplicate:           true,
	}, nil
}
