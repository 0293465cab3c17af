package girinhas

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrSelfTransfer          = errors.New("self transfer")
	ErrAmountOutOfRange      = errors.New("amount out of range")
	ErrRecipientNotFound     = errors.New("recipient not found")
	ErrAlreadyExtended       = errors.New("batch already extended")
	ErrNotEligible           = errors.New("batch not eligible for extension")
	ErrUnknownBatch          = errors.New("unknown batch")
	ErrUnknownWallet         = errors.New("unknown wallet")
	ErrUnknownTransaction    = errors.New("unknown transaction")
	ErrDuplicateIdempotency  = errors.New("duplicate idempotency key")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrGatewayUnavailable    = errors.New("payment gateway unavailable")
	ErrInvalidReference      = errors.New("invalid external reference")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidWalletID       = errors.New("invalid wallet id")
	ErrInvalidBatchID        = errors.New("invalid batch id")
	ErrInvalidTransactionID  = errors.New("invalid transaction id")
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	ErrInvalidAmountCents    = errors.New("invalid amount cents")
	ErrInvalidOrigin         = errors.New("invalid batch origin")
	ErrInvalidKind           = errors.New("invalid transaction kind")
	ErrInvalidMetadataJSON   = errors.New("invalid metadata json")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
	ErrBatchConsumed         = errors.New("batch over-consumed")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
