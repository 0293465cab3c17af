package girinhas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// TransferResult reports a committed (or previously committed) transfer.
type TransferResult struct {
	TransactionID TransactionID
	FeeCents      AmountCents
	NetCents      AmountCents
	Duplicate     bool
}

// Transfer moves Girinhas between wallets. The sender is debited the full amount
// FIFO by batch expiration; the recipient receives amount minus fee as a fresh
// batch; the fee leaves circulation as a burn. The recipient batch never outlives
// any batch it was funded from: its expiration is capped by the earliest consumed
// batch's expiration as well as the default validity period.
func (service *Service) Transfer(ctx context.Context, fromUserID UserID, toUserID UserID, amount AmountCents, key IdempotencyKey) (TransferResult, error) {
	var result TransferResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		priorID, found, err := txStore.LookupIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		if found {
			prior, err := transferResultFromTransaction(ctx, txStore, priorID)
			if err != nil {
				return err
			}
			result = prior
			return nil
		}
		if fromUserID == toUserID {
			return ErrSelfTransfer
		}
		if amount <= 0 || amount > service.config.TransferCeilingCents {
			return fmt.Errorf("%w: transfer of %d cents", ErrAmountOutOfRange, amount)
		}
		fromWallet, err := txStore.GetOrCreateWallet(ctx, fromUserID)
		if err != nil {
			return err
		}
		toWallet, err := txStore.FindWallet(ctx, toUserID)
		if err != nil {
			if errors.Is(err, ErrUnknownWallet) {
				return fmt.Errorf("%w: %s", ErrRecipientNotFound, toUserID.String())
			}
			return err
		}
		if err := lockWalletsInOrder(ctx, txStore, fromWallet, toWallet); err != nil {
			return err
		}

		nowUnixUTC := service.nowFn()
		batches, err := txStore.ListLiveBatches(ctx, fromWallet, nowUnixUTC)
		if err != nil {
			return err
		}
		refs, err := planDebit(batches, amount, nowUnixUTC)
		if err != nil {
			return err
		}
		feeCents := feeFor(amount, service.config.TransferFeeRate)
		netCents := amount - feeCents

		for _, ref := range refs {
			if err := txStore.ConsumeBatch(ctx, ref.BatchID, ref.ConsumedCents); err != nil {
				return err
			}
		}

		expiresAtUnixUTC := nowUnixUTC + int64(service.config.ValidityPeriod.Seconds())
		if sourceExpiry := earliestExpiry(batches, refs); sourceExpiry > 0 && sourceExpiry < expiresAtUnixUTC {
			expiresAtUnixUTC = sourceExpiry
		}
		creditedBatchID, err := txStore.InsertBatch(ctx, BatchInput{
			WalletID:         toWallet,
			AmountCents:      netCents,
			Origin:           OriginTransferIn,
			AcquiredUnixUTC:  nowUnixUTC,
			ExpiresAtUnixUTC: expiresAtUnixUTC,
		})
		if err != nil {
			return err
		}

		metadataJSON, err := marshalMetadata(transferMetadata{FeeCents: feeCents, NetCents: netCents})
		if err != nil {
			return err
		}
		transferOutID, err := txStore.InsertTransaction(ctx, TransactionInput{
			WalletID:           fromWallet,
			HasWallet:          true,
			Kind:               KindTransferOut,
			AmountCents:        netCents.Negated(),
			IdempotencyKey:     key,
			CounterpartyUserID: toUserID.String(),
			BatchRefs:          refs,
			Metadata:           metadataJSON,
			CreatedUnixUTC:     nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if feeCents > 0 {
			feeKey, err := deriveIdempotencyKey(key, idempotencySuffixFee)
			if err != nil {
				return err
			}
			if _, err := txStore.InsertTransaction(ctx, TransactionInput{
				WalletID:           fromWallet,
				HasWallet:          true,
				Kind:               KindFee,
				AmountCents:        feeCents.Negated(),
				IdempotencyKey:     feeKey,
				CounterpartyUserID: toUserID.String(),
				CreatedUnixUTC:     nowUnixUTC,
			}); err != nil {
				return err
			}
			burnKey, err := deriveIdempotencyKey(key, idempotencySuffixBurn)
			if err != nil {
				return err
			}
			if _, err := txStore.InsertTransaction(ctx, TransactionInput{
				Kind:               KindBurn,
				AmountCents:        feeCents.Negated(),
				IdempotencyKey:     burnKey,
				CounterpartyUserID: fromUserID.String(),
				CreatedUnixUTC:     nowUnixUTC,
			}); err != nil {
				return err
			}
		}
		inKey, err := deriveIdempotencyKey(key, idempotencySuffixIn)
		if err != nil {
			return err
		}
		if _, err := txStore.InsertTransaction(ctx, TransactionInput{
			WalletID:           toWallet,
			HasWallet:          true,
			Kind:               KindTransferIn,
			AmountCents:        netCents,
			IdempotencyKey:     inKey,
			CounterpartyUserID: fromUserID.String(),
			BatchRefs:          []BatchRef{{BatchID: creditedBatchID, ConsumedCents: netCents}},
			CreatedUnixUTC:     nowUnixUTC,
		}); err != nil {
			return err
		}
		if err := txStore.InsertIdempotencyRecord(ctx, key, transferOutID); err != nil {
			return err
		}
		result = TransferResult{TransactionID: transferOutID, FeeCents: feeCents, NetCents: netCents}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotency) {
		priorID, found, lookupErr := service.store.LookupIdempotencyKey(ctx, key)
		if lookupErr == nil && found {
			if prior, err := transferResultFromTransaction(ctx, service.store, priorID); err == nil {
				result = prior
				operationError = nil
			}
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:          operationTransfer,
		UserID:             fromUserID,
		CounterpartyUserID: toUserID.String(),
		Amount:             amount,
		FeeCents:           result.FeeCents,
		IdempotencyKey:     key,
		Status:             duplicateStatus(result.Duplicate),
		Error:              operationError,
	})
	return result, operationError
}

// lockWalletsInOrder acquires both wallet locks in ascending wallet-id order so
// that two opposing transfers between the same pair cannot deadlock.
func lockWalletsInOrder(ctx context.Context, txStore Store, first WalletID, second WalletID) error {
	if second.String() < first.String() {
		first, second = second, first
	}
	if err := txStore.LockWallet(ctx, first); err != nil {
		return err
	}
	return txStore.LockWallet(ctx, second)
}

// earliestExpiry returns the earliest expiration among the batches a debit
// consumed. Credit funded from those batches must not outlive any of them.
func earliestExpiry(batches []Batch, refs []BatchRef) int64 {
	consumed := make(map[BatchID]struct{}, len(refs))
	for _, ref := range refs {
		consumed[ref.BatchID] = struct{}{}
	}
	var earliest int64
	for _, batch := range batches {
		if _, ok := consumed[batch.BatchID]; !ok {
			continue
		}
		if earliest == 0 || batch.ExpiresAtUnixUTC < earliest {
			earliest = batch.ExpiresAtUnixUTC
		}
	}
	return earliest
}

func transferResultFromTransaction(ctx context.Context, store Store, transactionID TransactionID) (TransferResult, error) {
	transaction, err := store.GetTransaction(ctx, transactionID)
	if err != nil {
		return TransferResult{}, err
	}
	var metadata transferMetadata
	if err := json.Unmarshal([]byte(transaction.Metadata.String()), &metadata); err != nil {
		return TransferResult{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return TransferResult{
		TransactionID: transactionID,
		FeeCents:      metadata.FeeCents,
		NetCents:      metadata.NetCents,
		Duplicate:     true,
	}, nil
}
