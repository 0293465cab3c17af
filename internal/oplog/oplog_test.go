package oplog

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/girinapp/girinhas/pkg/girinhas"
)

func TestLogOperationEmitsStructuredFields(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zap.InfoLevel)
	logger := New(zap.New(core))

	userID, err := girinhas.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	logger.LogOperation(context.Background(), girinhas.OperationLog{
		Operation: "transfer",
		UserID:    userID,
		Amount:    10_000,
		FeeCents:  100,
		Status:    "ok",
	})

	entries := recorded.All()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "transfer" || fields["user_id"] != "user-1" {
		test.Fatalf("missing identity fields: %v", fields)
	}
	if fields["amount_cents"] != int64(10_000) || fields["fee_cents"] != int64(100) {
		test.Fatalf("missing amount fields: %v", fields)
	}
}

func TestLogOperationFailureGoesToWarn(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zap.InfoLevel)
	logger := New(zap.New(core))

	logger.LogOperation(context.Background(), girinhas.OperationLog{
		Operation: "purchase",
		Status:    "error",
		Error:     errors.New("insufficient balance"),
	})

	entries := recorded.All()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		test.Fatalf("expected warn level, got %s", entries[0].Level)
	}
}

func TestNilBaseLoggerIsSafe(test *testing.T) {
	test.Parallel()
	logger := New(nil)
	logger.LogOperation(context.Background(), girinhas.OperationLog{Operation: "bonus", Status: "ok"})
}
