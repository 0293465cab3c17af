package girinhas

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const healthConcentrationTopN = 10

// HealthReport aggregates system-wide monetary signals over a trailing window.
// Advisory only: nothing in the transaction processor reads these values, so a
// bad metric can never silently retune the economy.
type HealthReport struct {
	WindowDays int

	// ImplicitRate is reais received per live Girinha (cotacao implicita).
	ImplicitRate decimal.Decimal
	// BurnRate is (burned + expired) over issued.
	BurnRate decimal.Decimal
	// Velocity is transferred over live.
	Velocity decimal.Decimal
	// TopTenConcentration is the top-10 wallets' share of the live supply.
	TopTenConcentration decimal.Decimal

	LiveCents        AmountCents
	IssuedCents      AmountCents
	BurnedCents      AmountCents
	ExpiredCents     AmountCents
	TransferredCents AmountCents
	PaidBRLCents     AmountCents

	GeneratedUnixUTC int64
}

// HealthMonitor derives a HealthReport from the transaction log and batch store.
// Pure reads, never inside a wallet lock.
type HealthMonitor struct {
	store  Store
	nowFn  func() int64
	window time.Duration
}

// NewHealthMonitor wires a HealthMonitor over a trailing window (default 30 days
// when window is zero).
func NewHealthMonitor(store Store, now func() int64, window time.Duration) (*HealthMonitor, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &HealthMonitor{store: store, nowFn: now, window: window}, nil
}

// Report computes the current health signals.
func (monitor *HealthMonitor) Report(ctx context.Context) (HealthReport, error) {
	nowUnixUTC := monitor.nowFn()
	sinceUnixUTC := nowUnixUTC - int64(monitor.window.Seconds())

	purchased, err := monitor.store.SumTransactionsByKind(ctx, KindPurchase, sinceUnixUTC)
	if err != nil {
		return HealthReport{}, err
	}
	granted, err := monitor.store.SumTransactionsByKind(ctx, KindBonus, sinceUnixUTC)
	if err != nil {
		return HealthReport{}, err
	}
	burned, err := monitor.store.SumTransactionsByKind(ctx, KindBurn, sinceUnixUTC)
	if err != nil {
		return HealthReport{}, err
	}
	transferred, err := monitor.store.SumTransactionsByKind(ctx, KindTransferIn, sinceUnixUTC)
	if err != nil {
		return HealthReport{}, err
	}
	expired, err := monitor.store.SumExpiredRemainders(ctx, sinceUnixUTC, nowUnixUTC)
	if err != nil {
		return HealthReport{}, err
	}
	live, err := monitor.store.SumAllLiveBatches(ctx, nowUnixUTC)
	if err != nil {
		return HealthReport{}, err
	}
	paidBRL, err := monitor.store.SumPaidBRL(ctx, sinceUnixUTC)
	if err != nil {
		return HealthReport{}, err
	}
	topBalances, err := monitor.store.TopWalletBalances(ctx, healthConcentrationTopN, nowUnixUTC)
	if err != nil {
		return HealthReport{}, err
	}

	issued := purchased + granted
	var topTotal AmountCents
	for _, balance := range topBalances {
		topTotal += balance
	}
	// Burn rows are negative in the log; the report speaks in magnitudes.
	if burned < 0 {
		burned = burned.Negated()
	}

	return HealthReport{
		WindowDays:          int(monitor.window.Hours() / 24),
		ImplicitRate:        ratio(paidBRL, live),
		BurnRate:            ratio(burned+expired, issued),
		Velocity:            ratio(transferred, live),
		TopTenConcentration: ratio(topTotal, live),
		LiveCents:           live,
		IssuedCents:         issued,
		BurnedCents:         burned,
		ExpiredCents:        expired,
		TransferredCents:    transferred,
		PaidBRLCents:        paidBRL,
		GeneratedUnixUTC:    nowUnixUTC,
	}, nil
}

func ratio(numerator AmountCents, denominator AmountCents) decimal.Decimal {
	if denominator == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(numerator.Int64()).DivRound(decimal.NewFromInt(denominator.Int64()), 6)
}
