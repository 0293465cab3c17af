// Package oplog adapts the domain operation callback onto a zap logger.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/girinapp/girinhas/pkg/girinhas"
)

// Logger emits one structured log line per ledger operation.
type Logger struct {
	base *zap.Logger
}

// New wraps a zap logger. A nil logger falls back to a no-op logger.
func New(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{base: base}
}

func (logger *Logger) LogOperation(_ context.Context, entry girinhas.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.CounterpartyUserID != "" {
		fields = append(fields, zap.String("counterparty_user_id", entry.CounterpartyUserID))
	}
	if entry.BatchID != "" {
		fields = append(fields, zap.String("batch_id", entry.BatchID))
	}
	if entry.FeeCents != 0 {
		fields = append(fields, zap.Int64("fee_cents", entry.FeeCents.Int64()))
	}
	if entry.IdempotencyKey.String() != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		logger.base.Warn("ledger operation failed", fields...)
		return
	}
	logger.base.Info("ledger operation", fields...)
}
