// Package webhook reconciles payment provider notifications against the
// gateway and credits wallets for approved purchases. The webhook body is
// never trusted for amounts; only the payment id is taken from it.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/girinapp/girinhas/internal/gateway"
	"github.com/girinapp/girinhas/pkg/girinhas"
)

// Outcome classifies how a notification was resolved.
type Outcome string

const (
	OutcomeCredited         Outcome = "credited"
	OutcomeAlreadyCredited  Outcome = "already_credited"
	OutcomeNotApproved      Outcome = "not_approved"
	OutcomePaymentNotFound  Outcome = "payment_not_found"
	OutcomeInvalidReference Outcome = "invalid_reference"
)

const (
	defaultMaxAttempts = 5
	purchaseSource     = "payment_gateway"

	referenceKeyWallet = "wallet"
	referenceKeyCents  = "girinhas_cents"
)

// Result reports the terminal state of one reconciliation.
type Result struct {
	Outcome       Outcome
	PaymentID     string
	UserID        string
	GirinhasCents int64
	PaidBRLCents  int64
}

// PaymentLookup is the slice of the gateway client the reconciler needs.
type PaymentLookup interface {
	Lookup(ctx context.Context, paymentID string) (gateway.Payment, error)
}

// PurchaseService credits a wallet for a confirmed payment.
type PurchaseService interface {
	Purchase(ctx context.Context, userID girinhas.UserID, amount girinhas.AmountCents, key girinhas.IdempotencyKey, source string, paidBRLCents girinhas.AmountCents) (girinhas.PurchaseResult, error)
}

// Reconciler drives webhook notifications to a terminal outcome.
type Reconciler struct {
	gateway     PaymentLookup
	service     PurchaseService
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	maxAttempts int
}

// ReconcilerOption adjusts reconciler behavior.
type ReconcilerOption func(*Reconciler)

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ReconcilerOption {
	return func(reconciler *Reconciler) { reconciler.sleep = sleep }
}

// WithMaxAttempts overrides how many gateway lookups are made before giving up.
func WithMaxAttempts(attempts int) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if attempts > 0 {
			reconciler.maxAttempts = attempts
		}
	}
}

// NewReconciler wires a reconciler. A nil logger falls back to a no-op logger.
func NewReconciler(paymentLookup PaymentLookup, service PurchaseService, logger *zap.Logger, options ...ReconcilerOption) (*Reconciler, error) {
	if paymentLookup == nil || service == nil {
		return nil, errors.New("webhook: gateway and service are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reconciler := &Reconciler{
		gateway:     paymentLookup,
		service:     service,
		logger:      logger,
		sleep:       sleepWithContext,
		maxAttempts: defaultMaxAttempts,
	}
	for _, option := range options {
		option(reconciler)
	}
	return reconciler, nil
}

// notification covers the provider's webhook shapes: some put the payment id
// at the top level, some nest it under data.
type notification struct {
	ID   string `json:"id"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ParsePaymentID extracts the payment id from a webhook body.
func ParsePaymentID(body []byte) (string, error) {
	var payload notification
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse webhook body: %w", err)
	}
	if payload.Data.ID != "" {
		return payload.Data.ID, nil
	}
	if payload.ID != "" {
		return payload.ID, nil
	}
	return "", errors.New("webhook body carries no payment id")
}

// Reconcile looks the payment up at the gateway, retrying 404s with
// exponential backoff until the payment is visible, and credits the wallet
// when it is approved. No wallet locks are held while waiting on the gateway.
// Gateway transport failures surface as errors so the provider retries the
// whole webhook.
func (reconciler *Reconciler) Reconcile(ctx context.Context, paymentID string) (Result, error) {
	payment, err := reconciler.lookupWithRetry(ctx, paymentID)
	if err != nil {
		if errors.Is(err, girinhas.ErrPaymentNotFound) {
			reconciler.logger.Warn("payment not found at gateway", zap.String("payment_id", paymentID))
			return Result{Outcome: OutcomePaymentNotFound, PaymentID: paymentID}, nil
		}
		return Result{}, err
	}
	if payment.Status != gateway.StatusApproved {
		reconciler.logger.Info("payment not approved, leaving untouched",
			zap.String("payment_id", paymentID),
			zap.String("status", payment.Status),
		)
		return Result{Outcome: OutcomeNotApproved, PaymentID: paymentID}, nil
	}

	userIDValue, girinhasCents, err := parseExternalReference(payment.ExternalReference)
	if err != nil {
		reconciler.logger.Error("approved payment carries malformed reference",
			zap.String("payment_id", paymentID),
			zap.String("external_reference", payment.ExternalReference),
			zap.Error(err),
		)
		return Result{Outcome: OutcomeInvalidReference, PaymentID: paymentID}, nil
	}
	userID, err := girinhas.NewUserID(userIDValue)
	if err != nil {
		return Result{Outcome: OutcomeInvalidReference, PaymentID: paymentID}, nil
	}
	key, err := girinhas.NewIdempotencyKey("payment:" + paymentID)
	if err != nil {
		return Result{}, fmt.Errorf("derive idempotency key: %w", err)
	}

	purchase, err := reconciler.service.Purchase(ctx, userID, girinhas.AmountCents(girinhasCents), key, purchaseSource, girinhas.AmountCents(payment.AmountBRLCents))
	if err != nil {
		if errors.Is(err, girinhas.ErrAmountOutOfRange) || errors.Is(err, girinhas.ErrInvalidAmount) {
			reconciler.logger.Error("approved payment credits out-of-range amount",
				zap.String("payment_id", paymentID),
				zap.Int64("girinhas_cents", girinhasCents),
			)
			return Result{Outcome: OutcomeInvalidReference, PaymentID: paymentID}, nil
		}
		return Result{}, err
	}

	outcome := OutcomeCredited
	if purchase.Duplicate {
		outcome = OutcomeAlreadyCredited
	}
	reconciler.logger.Info("payment reconciled",
		zap.String("payment_id", paymentID),
		zap.String("user_id", userID.String()),
		zap.Int64("girinhas_cents", girinhasCents),
		zap.String("outcome", string(outcome)),
	)
	return Result{
		Outcome:       outcome,
		PaymentID:     paymentID,
		UserID:        userID.String(),
		GirinhasCents: girinhasCents,
		PaidBRLCents:  payment.AmountBRLCents,
	}, nil
}

func (reconciler *Reconciler) lookupWithRetry(ctx context.Context, paymentID string) (gateway.Payment, error) {
	var lastErr error
	for attempt := 0; attempt < reconciler.maxAttempts; attempt++ {
		if attempt > 0 {
			// Sleeps happen only between attempts, so five attempts make
			// four delays and the 16s step of the doubling series is never
			// reached.
			delay := time.Second << (attempt - 1)
			if err := reconciler.sleep(ctx, delay); err != nil {
				return gateway.Payment{}, err
			}
		}
		payment, err := reconciler.gateway.Lookup(ctx, paymentID)
		if err == nil {
			return payment, nil
		}
		// Only a 404 means the payment may not be visible yet.
		if !errors.Is(err, girinhas.ErrPaymentNotFound) {
			return gateway.Payment{}, err
		}
		lastErr = err
		reconciler.logger.Warn("payment not visible at gateway yet",
			zap.String("payment_id", paymentID),
			zap.Int("attempt", attempt+1),
		)
	}
	return gateway.Payment{}, fmt.Errorf("gateway lookup exhausted after %d attempts: %w", reconciler.maxAttempts, lastErr)
}

// parseExternalReference decodes "wallet=<user>;girinhas_cents=<n>".
func parseExternalReference(reference string) (string, int64, error) {
	fields := map[string]string{}
	for _, pair := range strings.Split(reference, ";") {
		name, value, found := strings.Cut(pair, "=")
		if !found {
			return "", 0, fmt.Errorf("reference segment %q: %w", pair, girinhas.ErrInvalidReference)
		}
		fields[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	userID := fields[referenceKeyWallet]
	if userID == "" {
		return "", 0, fmt.Errorf("reference missing wallet: %w", girinhas.ErrInvalidReference)
	}
	rawCents := fields[referenceKeyCents]
	cents, err := strconv.ParseInt(rawCents, 10, 64)
	if err != nil || cents <= 0 {
		return "", 0, fmt.Errorf("reference girinhas_cents %q: %w", rawCents, girinhas.ErrInvalidReference)
	}
	return userID, cents, nil
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
