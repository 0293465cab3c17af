package girinhas

import (
	"context"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsPurchaseOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, testNowUnixUTC, WithOperationLogger(logger))
	userID := mustUserID(test, "log-buyer")
	key := mustIdempotencyKey(test, "log-p1")

	if _, err := service.Purchase(context.Background(), userID, 10_000, key, "checkout", 0); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationPurchase || entry.UserID != userID || entry.Amount != 10_000 || entry.IdempotencyKey != key {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected ok status, got %+v", entry)
	}
}

func TestServiceLogsDuplicateStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, testNowUnixUTC, WithOperationLogger(logger))
	userID := mustUserID(test, "log-dup")
	key := mustIdempotencyKey(test, "log-K1")

	if _, err := service.Purchase(context.Background(), userID, 10_000, key, "checkout", 0); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if _, err := service.Purchase(context.Background(), userID, 10_000, key, "checkout", 0); err != nil {
		test.Fatalf("retried purchase: %v", err)
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	if logger.entries[1].Status != operationStatusDuplicate {
		test.Fatalf("expected duplicate status, got %q", logger.entries[1].Status)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, testNowUnixUTC, WithOperationLogger(logger))
	userID := mustUserID(test, "log-poor")

	if _, err := service.Transfer(context.Background(), userID, userID, 1_000, mustIdempotencyKey(test, "log-t1")); err == nil {
		test.Fatalf("expected self transfer to fail")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error status, got %+v", logger.entries[0])
	}
}
