package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/girinapp/girinhas/pkg/girinhas"
)

const testNowUnixUTC = int64(1_700_000_000)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "girinhas.db")), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustUserID(test *testing.T, raw string) girinhas.UserID {
	test.Helper()
	userID, err := girinhas.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustKey(test *testing.T, raw string) girinhas.IdempotencyKey {
	test.Helper()
	key, err := girinhas.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	return key
}

func mustWallet(test *testing.T, store *Store, raw string) girinhas.WalletID {
	test.Helper()
	walletID, err := store.GetOrCreateWallet(context.Background(), mustUserID(test, raw))
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	return walletID
}

func mustBatch(test *testing.T, store *Store, walletID girinhas.WalletID, cents int64, expiresAtUnixUTC int64) girinhas.BatchID {
	test.Helper()
	batchID, err := store.InsertBatch(context.Background(), girinhas.BatchInput{
		WalletID:         walletID,
		AmountCents:      girinhas.AmountCents(cents),
		Origin:           girinhas.OriginPurchase,
		AcquiredUnixUTC:  testNowUnixUTC,
		ExpiresAtUnixUTC: expiresAtUnixUTC,
	})
	if err != nil {
		test.Fatalf("insert batch: %v", err)
	}
	return batchID
}

func TestGetOrCreateWalletIsStable(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	first := mustWallet(test, store, "user-1")
	second := mustWallet(test, store, "user-1")
	if first != second {
		test.Fatalf("same user produced two wallets: %s vs %s", first.String(), second.String())
	}
	other := mustWallet(test, store, "user-2")
	if other == first {
		test.Fatalf("distinct users share a wallet")
	}
}

func TestFindWalletUnknownUser(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	if _, err := store.FindWallet(context.Background(), mustUserID(test, "ghost")); !errors.Is(err, girinhas.ErrUnknownWallet) {
		test.Fatalf("expected ErrUnknownWallet, got %v", err)
	}
}

func TestListLiveBatchesOrdersAndFilters(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	walletID := mustWallet(test, store, "batch-user")
	late := mustBatch(test, store, walletID, 3_000, testNowUnixUTC+400)
	early := mustBatch(test, store, walletID, 5_000, testNowUnixUTC+100)
	mustBatch(test, store, walletID, 9_000, testNowUnixUTC-1) // expired
	drained := mustBatch(test, store, walletID, 700, testNowUnixUTC+500)
	if err := store.ConsumeBatch(context.Background(), drained, 700); err != nil {
		test.Fatalf("drain batch: %v", err)
	}

	batches, err := store.ListLiveBatches(context.Background(), walletID, testNowUnixUTC)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(batches) != 2 {
		test.Fatalf("expected 2 live batches, got %d", len(batches))
	}
	if batches[0].BatchID != early || batches[1].BatchID != late {
		test.Fatalf("batches not ascending by expiry: %+v", batches)
	}

	total, err := store.SumLiveBatches(context.Background(), walletID, testNowUnixUTC)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if total != 8_000 {
		test.Fatalf("expected live sum 8000, got %d", total)
	}
}

func TestConsumeBatchGuardsAgainstOverdraw(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	walletID := mustWallet(test, store, "consume-user")
	batchID := mustBatch(test, store, walletID, 1_000, testNowUnixUTC+100)

	if err := store.ConsumeBatch(context.Background(), batchID, 600); err != nil {
		test.Fatalf("consume: %v", err)
	}
	if err := store.ConsumeBatch(context.Background(), batchID, 500); !errors.Is(err, girinhas.ErrBatchConsumed) {
		test.Fatalf("expected ErrBatchConsumed, got %v", err)
	}
	batch, err := store.GetBatch(context.Background(), walletID, batchID)
	if err != nil {
		test.Fatalf("get batch: %v", err)
	}
	if batch.RemainingCents != 400 {
		test.Fatalf("failed consume mutated the batch: %d", batch.RemainingCents)
	}
}

func TestMarkBatchExtendedIsPermanent(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	walletID := mustWallet(test, store, "extend-user")
	batchID := mustBatch(test, store, walletID, 1_000, testNowUnixUTC+100)

	if err := store.MarkBatchExtended(context.Background(), batchID, testNowUnixUTC+1_000); err != nil {
		test.Fatalf("extend: %v", err)
	}
	if err := store.MarkBatchExtended(context.Background(), batchID, testNowUnixUTC+2_000); !errors.Is(err, girinhas.ErrAlreadyExtended) {
		test.Fatalf("expected ErrAlreadyExtended, got %v", err)
	}
	batch, err := store.GetBatch(context.Background(), walletID, batchID)
	if err != nil {
		test.Fatalf("get batch: %v", err)
	}
	if !batch.Extended || batch.ExpiresAtUnixUTC != testNowUnixUTC+1_000 {
		test.Fatalf("second extension mutated the batch: %+v", batch)
	}
}

func TestInsertTransactionRejectsDuplicateKeys(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	walletID := mustWallet(test, store, "txn-user")
	input := girinhas.TransactionInput{
		WalletID:       walletID,
		HasWallet:      true,
		Kind:           girinhas.KindPurchase,
		AmountCents:    1_000,
		IdempotencyKey: mustKey(test, "txn-K1"),
		CreatedUnixUTC: testNowUnixUTC,
	}
	if _, err := store.InsertTransaction(context.Background(), input); err != nil {
		test.Fatalf("insert: %v", err)
	}
	if _, err := store.InsertTransaction(context.Background(), input); !errors.Is(err, girinhas.ErrDuplicateIdempotency) {
		test.Fatalf("expected ErrDuplicateIdempotency, got %v", err)
	}
}

func TestTransactionRoundTripPreservesBurnAndRefs(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	walletID := mustWallet(test, store, "roundtrip-user")
	batchID := mustBatch(test, store, walletID, 2_000, testNowUnixUTC+100)

	burnID, err := store.InsertTransaction(context.Background(), girinhas.TransactionInput{
		Kind:               girinhas.KindBurn,
		AmountCents:        -100,
		IdempotencyKey:     mustKey(test, "burn-K1"),
		CounterpartyUserID: "roundtrip-user",
		BatchRefs:          []girinhas.BatchRef{{BatchID: batchID, ConsumedCents: 100}},
		CreatedUnixUTC:     testNowUnixUTC,
	})
	if err != nil {
		test.Fatalf("insert burn: %v", err)
	}
	burn, err := store.GetTransaction(context.Background(), burnID)
	if err != nil {
		test.Fatalf("get burn: %v", err)
	}
	if burn.HasWallet {
		test.Fatalf("burn row must carry no wallet")
	}
	if burn.CounterpartyUserID != "roundtrip-user" {
		test.Fatalf("counterparty lost: %+v", burn)
	}
	if len(burn.BatchRefs) != 1 || burn.BatchRefs[0].BatchID != batchID || burn.BatchRefs[0].ConsumedCents != 100 {
		test.Fatalf("batch refs lost: %+v", burn.BatchRefs)
	}
}

func TestIdempotencyRecordsAreUnique(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	walletID := mustWallet(test, store, "idem-user")
	transactionID, err := store.InsertTransaction(context.Background(), girinhas.TransactionInput{
		WalletID:       walletID,
		HasWallet:      true,
		Kind:           girinhas.KindBonus,
		AmountCents:    500,
		IdempotencyKey: mustKey(test, "idem-K1"),
		CreatedUnixUTC: testNowUnixUTC,
	})
	if err != nil {
		test.Fatalf("insert: %v", err)
	}
	key := mustKey(test, "idem-K1")
	if err := store.InsertIdempotencyRecord(context.Background(), key, transactionID); err != nil {
		test.Fatalf("record: %v", err)
	}
	if err := store.InsertIdempotencyRecord(context.Background(), key, transactionID); !errors.Is(err, girinhas.ErrDuplicateIdempotency) {
		test.Fatalf("expected ErrDuplicateIdempotency, got %v", err)
	}
	priorID, found, err := store.LookupIdempotencyKey(context.Background(), key)
	if err != nil || !found {
		test.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if priorID != transactionID {
		test.Fatalf("lookup returned wrong transaction: %s", priorID.String())
	}
}

func TestServiceTransferOverSQLiteCommitsAtomically(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service, err := girinhas.NewService(store, girinhas.DefaultConfig(), func() int64 { return testNowUnixUTC })
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	sender := mustUserID(test, "sql-sender")
	recipient := mustUserID(test, "sql-recipient")
	mustWallet(test, store, "sql-recipient")

	if _, err := service.Purchase(context.Background(), sender, 20_000, mustKey(test, "sql-p1"), "checkout", 10_000); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if _, err := service.Transfer(context.Background(), sender, recipient, 10_000, mustKey(test, "sql-t1")); err != nil {
		test.Fatalf("transfer: %v", err)
	}

	senderBalance, err := service.Balance(context.Background(), sender)
	if err != nil {
		test.Fatalf("sender balance: %v", err)
	}
	recipientBalance, err := service.Balance(context.Background(), recipient)
	if err != nil {
		test.Fatalf("recipient balance: %v", err)
	}
	if senderBalance != 10_000 || recipientBalance != 9_900 {
		test.Fatalf("unexpected balances: sender %d recipient %d", senderBalance, recipientBalance)
	}

	// Failed transfers must leave no rows behind.
	if _, err := service.Transfer(context.Background(), sender, recipient, 900_000, mustKey(test, "sql-t2")); !errors.Is(err, girinhas.ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if again, err := service.Balance(context.Background(), sender); err != nil || again != senderBalance {
		test.Fatalf("aborted transfer changed the balance: %d (%v)", again, err)
	}
}

func TestHealthAggregatesOverSQLite(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service, err := girinhas.NewService(store, girinhas.DefaultConfig(), func() int64 { return testNowUnixUTC })
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	buyer := mustUserID(test, "agg-buyer")
	friend := mustUserID(test, "agg-friend")
	mustWallet(test, store, "agg-friend")

	if _, err := service.Purchase(context.Background(), buyer, 10_000, mustKey(test, "agg-p1"), "checkout", 4_000); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if _, err := service.Transfer(context.Background(), buyer, friend, 1_000, mustKey(test, "agg-t1")); err != nil {
		test.Fatalf("transfer: %v", err)
	}

	since := testNowUnixUTC - 100
	purchased, err := store.SumTransactionsByKind(context.Background(), girinhas.KindPurchase, since)
	if err != nil || purchased != 10_000 {
		test.Fatalf("purchased sum %d (%v)", purchased, err)
	}
	burned, err := store.SumTransactionsByKind(context.Background(), girinhas.KindBurn, since)
	if err != nil || burned != -10 {
		test.Fatalf("burn sum %d (%v)", burned, err)
	}
	paid, err := store.SumPaidBRL(context.Background(), since)
	if err != nil || paid != 4_000 {
		test.Fatalf("paid sum %d (%v)", paid, err)
	}
	live, err := store.SumAllLiveBatches(context.Background(), testNowUnixUTC)
	if err != nil || live != 9_990 {
		test.Fatalf("live sum %d (%v)", live, err)
	}
	top, err := store.TopWalletBalances(context.Background(), 10, testNowUnixUTC)
	if err != nil || len(top) != 2 {
		test.Fatalf("top balances %v (%v)", top, err)
	}
	if top[0] < top[1] {
		test.Fatalf("top balances not descending: %v", top)
	}
}
