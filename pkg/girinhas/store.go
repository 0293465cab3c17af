package girinhas

import "context"

// Store is the persistence contract used by Service. Implementations must make
// WithTx atomic: every mutation inside fn commits together or not at all.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateWallet(ctx context.Context, userID UserID) (WalletID, error)
	FindWallet(ctx context.Context, userID UserID) (WalletID, error)
	// LockWallet serializes concurrent mutations on one wallet. Callers lock
	// wallets in ascending wallet-id order to avoid deadlock.
	LockWallet(ctx context.Context, walletID WalletID) error

	InsertBatch(ctx context.Context, input BatchInput) (BatchID, error)
	GetBatch(ctx context.Context, walletID WalletID, batchID BatchID) (Batch, error)
	// ListLiveBatches returns unexpired batches with remaining amount, ascending
	// by expiration timestamp.
	ListLiveBatches(ctx context.Context, walletID WalletID, atUnixUTC int64) ([]Batch, error)
	SumLiveBatches(ctx context.Context, walletID WalletID, atUnixUTC int64) (AmountCents, error)
	// ConsumeBatch decrements remaining by the given amount, failing with
	// ErrBatchConsumed if remaining would go negative.
	ConsumeBatch(ctx context.Context, batchID BatchID, amount AmountCents) error
	// MarkBatchExtended sets the new expiration and the permanent extended flag,
	// failing with ErrAlreadyExtended if the flag is already set.
	MarkBatchExtended(ctx context.Context, batchID BatchID, newExpiresAtUnixUTC int64) error

	InsertTransaction(ctx context.Context, input TransactionInput) (TransactionID, error)
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	// LookupIdempotencyKey returns the transaction a key already produced, if any.
	LookupIdempotencyKey(ctx context.Context, key IdempotencyKey) (TransactionID, bool, error)
	InsertIdempotencyRecord(ctx context.Context, key IdempotencyKey, transactionID TransactionID) error

	// Read-only aggregates consumed by the health monitor.
	SumTransactionsByKind(ctx context.Context, kind TransactionKind, sinceUnixUTC int64) (AmountCents, error)
	SumPaidBRL(ctx context.Context, sinceUnixUTC int64) (AmountCents, error)
	SumExpiredRemainders(ctx context.Context, sinceUnixUTC int64, atUnixUTC int64) (AmountCents, error)
	SumAllLiveBatches(ctx context.Context, atUnixUTC int64) (AmountCents, error)
	TopWalletBalances(ctx context.Context, limit int, atUnixUTC int64) ([]AmountCents, error)
}
