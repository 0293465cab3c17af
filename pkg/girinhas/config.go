package girinhas

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the economic policy knobs of the ledger. All values have defaults;
// zero values are rejected by Validate.
type Config struct {
	// ValidityPeriod is how long a freshly purchased or granted batch lives.
	ValidityPeriod time.Duration
	// TransferFeeRate is the fraction of a transfer burned as fee.
	TransferFeeRate decimal.Decimal
	// TransferCeilingCents caps a single transfer.
	TransferCeilingCents AmountCents
	// PurchaseMinCents and PurchaseMaxCents bound a single purchase.
	PurchaseMinCents AmountCents
	PurchaseMaxCents AmountCents
	// ExtensionEligibilityWindow: a batch may be extended only when it expires
	// within this window.
	ExtensionEligibilityWindow time.Duration
	// ExtensionPeriod is the new lifetime granted by an extension.
	ExtensionPeriod time.Duration
	// ExtensionFeeRate prices an extension as a fraction of the batch remainder.
	ExtensionFeeRate decimal.Decimal
}

// DefaultConfig returns the production policy defaults.
func DefaultConfig() Config {
	return Config{
		ValidityPeriod:             365 * 24 * time.Hour,
		TransferFeeRate:            decimal.NewFromFloat(0.01),
		TransferCeilingCents:       1_000_000,
		PurchaseMinCents:           100,
		PurchaseMaxCents:           5_000_000,
		ExtensionEligibilityWindow: 7 * 24 * time.Hour,
		ExtensionPeriod:            30 * 24 * time.Hour,
		ExtensionFeeRate:           decimal.NewFromFloat(0.15),
	}
}

// Validate rejects configurations that would corrupt the ledger.
func (config Config) Validate() error {
	if config.ValidityPeriod <= 0 {
		return fmt.Errorf("%w: validity period must be positive", ErrInvalidServiceConfig)
	}
	if config.TransferFeeRate.IsNegative() || config.TransferFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: transfer fee rate must be in [0,1)", ErrInvalidServiceConfig)
	}
	if config.TransferCeilingCents <= 0 {
		return fmt.Errorf("%w: transfer ceiling must be positive", ErrInvalidServiceConfig)
	}
	if config.PurchaseMinCents <= 0 || config.PurchaseMaxCents < config.PurchaseMinCents {
		return fmt.Errorf("%w: purchase bounds must satisfy 0 < min <= max", ErrInvalidServiceConfig)
	}
	if config.ExtensionEligibilityWindow <= 0 || config.ExtensionPeriod <= 0 {
		return fmt.Errorf("%w: extension window and period must be positive", ErrInvalidServiceConfig)
	}
	if config.ExtensionFeeRate.IsNegative() || config.ExtensionFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: extension fee rate must be in [0,1)", ErrInvalidServiceConfig)
	}
	return nil
}

// feeFor computes round(amount * rate) in cents.
func feeFor(amount AmountCents, rate decimal.Decimal) AmountCents {
	return AmountCents(decimal.NewFromInt(amount.Int64()).Mul(rate).Round(0).IntPart())
}
