package girinhas

import (
	"context"
	"fmt"
	"sort"
	"testing"
)

// stubStore is an in-memory Store for service tests. Mutations apply directly;
// the service aborts before mutating on every validation failure, which keeps
// the stub honest for the all-or-nothing assertions.
type stubStore struct {
	wallets      map[string]string
	batches      map[string]*Batch
	transactions map[string]Transaction
	idempotency  map[string]string
	lockedOrder  []string
	nextID       int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		wallets:      map[string]string{},
		batches:      map[string]*Batch{},
		transactions: map[string]Transaction{},
		idempotency:  map[string]string{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateWallet(_ context.Context, userID UserID) (WalletID, error) {
	if existing, ok := store.wallets[userID.String()]; ok {
		return NewWalletID(existing)
	}
	store.nextID++
	walletID := fmt.Sprintf("wallet-%03d-%s", store.nextID, userID.String())
	store.wallets[userID.String()] = walletID
	return NewWalletID(walletID)
}

func (store *stubStore) FindWallet(_ context.Context, userID UserID) (WalletID, error) {
	existing, ok := store.wallets[userID.String()]
	if !ok {
		return WalletID{}, ErrUnknownWallet
	}
	return NewWalletID(existing)
}

func (store *stubStore) LockWallet(_ context.Context, walletID WalletID) error {
	store.lockedOrder = append(store.lockedOrder, walletID.String())
	return nil
}

func (store *stubStore) InsertBatch(_ context.Context, input BatchInput) (BatchID, error) {
	store.nextID++
	rawID := fmt.Sprintf("batch-%03d", store.nextID)
	batchID, err := NewBatchID(rawID)
	if err != nil {
		return BatchID{}, err
	}
	store.batches[rawID] = &Batch{
		BatchID:          batchID,
		WalletID:         input.WalletID,
		OriginalCents:    input.AmountCents,
		RemainingCents:   input.AmountCents,
		Origin:           input.Origin,
		AcquiredUnixUTC:  input.AcquiredUnixUTC,
		ExpiresAtUnixUTC: input.ExpiresAtUnixUTC,
	}
	return batchID, nil
}

func (store *stubStore) GetBatch(_ context.Context, walletID WalletID, batchID BatchID) (Batch, error) {
	batch, ok := store.batches[batchID.String()]
	if !ok || batch.WalletID != walletID {
		return Batch{}, ErrUnknownBatch
	}
	return *batch, nil
}

func (store *stubStore) ListLiveBatches(_ context.Context, walletID WalletID, atUnixUTC int64) ([]Batch, error) {
	var live []Batch
	for _, batch := range store.batches {
		if batch.WalletID == walletID && batch.Live(atUnixUTC) {
			live = append(live, *batch)
		}
	}
	sort.Slice(live, func(left, right int) bool {
		return live[left].ExpiresAtUnixUTC < live[right].ExpiresAtUnixUTC
	})
	return live, nil
}

func (store *stubStore) SumLiveBatches(_ context.Context, walletID WalletID, atUnixUTC int64) (AmountCents, error) {
	var total AmountCents
	for _, batch := range store.batches {
		if batch.WalletID == walletID && batch.ExpiresAtUnixUTC > atUnixUTC {
			total += batch.RemainingCents
		}
	}
	return total, nil
}

func (store *stubStore) ConsumeBatch(_ context.Context, batchID BatchID, amount AmountCents) error {
	batch, ok := store.batches[batchID.String()]
	if !ok {
		return ErrUnknownBatch
	}
	if batch.RemainingCents < amount {
		return ErrBatchConsumed
	}
	batch.RemainingCents -= amount
	return nil
}

func (store *stubStore) MarkBatchExtended(_ context.Context, batchID BatchID, newExpiresAtUnixUTC int64) error {
	batch, ok := store.batches[batchID.String()]
	if !ok {
		return ErrUnknownBatch
	}
	if batch.Extended {
		return ErrAlreadyExtended
	}
	batch.Extended = true
	batch.ExpiresAtUnixUTC = newExpiresAtUnixUTC
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, input TransactionInput) (TransactionID, error) {
	if _, exists := store.idempotency[input.IdempotencyKey.String()]; exists {
		return TransactionID{}, ErrDuplicateIdempotency
	}
	for _, transaction := range store.transactions {
		if transaction.IdempotencyKey == input.IdempotencyKey {
			return TransactionID{}, ErrDuplicateIdempotency
		}
	}
	store.nextID++
	rawID := fmt.Sprintf("txn-%03d", store.nextID)
	transactionID, err := NewTransactionID(rawID)
	if err != nil {
		return TransactionID{}, err
	}
	metadata := input.Metadata
	if metadata.String() == "" {
		metadata, _ = NewMetadataJSON("")
	}
	store.transactions[rawID] = Transaction{
		TransactionID:      transactionID,
		WalletID:           input.WalletID,
		HasWallet:          input.HasWallet,
		Kind:               input.Kind,
		AmountCents:        input.AmountCents,
		IdempotencyKey:     input.IdempotencyKey,
		CounterpartyUserID: input.CounterpartyUserID,
		BatchRefs:          append([]BatchRef(nil), input.BatchRefs...),
		PaidBRLCents:       input.PaidBRLCents,
		Metadata:           metadata,
		CreatedUnixUTC:     input.CreatedUnixUTC,
	}
	return transactionID, nil
}

func (store *stubStore) GetTransaction(_ context.Context, transactionID TransactionID) (Transaction, error) {
	transaction, ok := store.transactions[transactionID.String()]
	if !ok {
		return Transaction{}, ErrUnknownTransaction
	}
	return transaction, nil
}

func (store *stubStore) LookupIdempotencyKey(_ context.Context, key IdempotencyKey) (TransactionID, bool, error) {
	rawID, ok := store.idempotency[key.String()]
	if !ok {
		return TransactionID{}, false, nil
	}
	transactionID, err := NewTransactionID(rawID)
	if err != nil {
		return TransactionID{}, false, err
	}
	return transactionID, true, nil
}

func (store *stubStore) InsertIdempotencyRecord(_ context.Context, key IdempotencyKey, transactionID TransactionID) error {
	if _, exists := store.idempotency[key.String()]; exists {
		return ErrDuplicateIdempotency
	}
	store.idempotency[key.String()] = transactionID.String()
	return nil
}

func (store *stubStore) SumTransactionsByKind(_ context.Context, kind TransactionKind, sinceUnixUTC int64) (AmountCents, error) {
	var total AmountCents
	for _, transaction := range store.transactions {
		if transaction.Kind == kind && transaction.CreatedUnixUTC >= sinceUnixUTC {
			total += transaction.AmountCents
		}
	}
	return total, nil
}

func (store *stubStore) SumPaidBRL(_ context.Context, sinceUnixUTC int64) (AmountCents, error) {
	var total AmountCents
	for _, transaction := range store.transactions {
		if transaction.Kind == KindPurchase && transaction.CreatedUnixUTC >= sinceUnixUTC {
			total += transaction.PaidBRLCents
		}
	}
	return total, nil
}

func (store *stubStore) SumExpiredRemainders(_ context.Context, sinceUnixUTC int64, atUnixUTC int64) (AmountCents, error) {
	var total AmountCents
	for _, batch := range store.batches {
		if batch.ExpiresAtUnixUTC <= atUnixUTC && batch.ExpiresAtUnixUTC >= sinceUnixUTC {
			total += batch.RemainingCents
		}
	}
	return total, nil
}

func (store *stubStore) SumAllLiveBatches(_ context.Context, atUnixUTC int64) (AmountCents, error) {
	var total AmountCents
	for _, batch := range store.batches {
		if batch.ExpiresAtUnixUTC > atUnixUTC {
			total += batch.RemainingCents
		}
	}
	return total, nil
}

func (store *stubStore) TopWalletBalances(_ context.Context, limit int, atUnixUTC int64) ([]AmountCents, error) {
	byWallet := map[string]AmountCents{}
	for _, batch := range store.batches {
		if batch.ExpiresAtUnixUTC > atUnixUTC {
			byWallet[batch.WalletID.String()] += batch.RemainingCents
		}
	}
	balances := make([]AmountCents, 0, len(byWallet))
	for _, balance := range byWallet {
		balances = append(balances, balance)
	}
	sort.Slice(balances, func(left, right int) bool { return balances[left] > balances[right] })
	if len(balances) > limit {
		balances = balances[:limit]
	}
	return balances, nil
}

// sumWalletTransactions adds the signed transaction amounts for one wallet; used
// by invariant checks.
func (store *stubStore) sumWalletTransactions(walletID WalletID) AmountCents {
	var total AmountCents
	for _, transaction := range store.transactions {
		if transaction.HasWallet && transaction.WalletID == walletID {
			total += transaction.AmountCents
		}
	}
	return total
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func mustNewService(test *testing.T, store Store, nowUnixUTC int64, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, DefaultConfig(), func() int64 { return nowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}
