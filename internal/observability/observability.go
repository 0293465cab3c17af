// Package observability exports economy health signals as Prometheus metrics.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/girinapp/girinhas/pkg/girinhas"
)

// EconomyImplicitRate tracks reais received per live Girinha.
var EconomyImplicitRate = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "girinhas",
	Subsystem: "economy",
	Name:      "implicit_rate",
	Help:      "Paid BRL cents per live centigirinha over the trailing window.",
})

// EconomyBurnRate tracks (burned + expired) over issued.
var EconomyBurnRate = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "girinhas",
	Subsystem: "economy",
	Name:      "burn_rate",
	Help:      "Burned plus expired centigirinhas over issued, trailing window.",
})

// EconomyVelocity tracks transfer volume over live supply.
var EconomyVelocity = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "girinhas",
	Subsystem: "economy",
	Name:      "velocity",
	Help:      "Transferred centigirinhas over live supply, trailing window.",
})

// EconomyTopTenConcentration tracks the top-10 wallets' share of live supply.
var EconomyTopTenConcentration = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "girinhas",
	Subsystem: "economy",
	Name:      "top10_concentration",
	Help:      "Share of the live supply held by the ten largest wallets.",
})

// EconomyLiveCents tracks the live circulating supply.
var EconomyLiveCents = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "girinhas",
	Subsystem: "economy",
	Name:      "live_cents",
	Help:      "Live circulating supply in centigirinhas.",
})

// EconomyIssuedCents tracks issuance over the trailing window.
var EconomyIssuedCents = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "girinhas",
	Subsystem: "economy",
	Name:      "issued_cents",
	Help:      "Centigirinhas issued over the trailing window.",
})

// EconomyBurnedCents tracks burn volume over the trailing window.
var EconomyBurnedCents = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "girinhas",
	Subsystem: "economy",
	Name:      "burned_cents",
	Help:      "Centigirinhas burned over the trailing window.",
})

// EconomyExpiredCents tracks expiry losses over the trailing window.
var EconomyExpiredCents = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "girinhas",
	Subsystem: "economy",
	Name:      "expired_cents",
	Help:      "Centigirinhas expired over the trailing window.",
})

// EconomyReportFailures counts failed health report refreshes.
var EconomyReportFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "girinhas",
	Subsystem: "economy",
	Name:      "report_failures_total",
	Help:      "Total failed economy health report refreshes.",
})

// HealthReporter is the slice of the health monitor the publisher needs.
type HealthReporter interface {
	Report(ctx context.Context) (girinhas.HealthReport, error)
}

// Publisher refreshes the economy gauges from the health monitor on a fixed
// interval.
type Publisher struct {
	monitor  HealthReporter
	logger   *zap.Logger
	interval time.Duration
}

// NewPublisher wires a Publisher. A zero interval defaults to one minute; a
// nil logger falls back to a no-op logger.
func NewPublisher(monitor HealthReporter, logger *zap.Logger, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{monitor: monitor, logger: logger, interval: interval}
}

// Run refreshes the gauges until the context is cancelled.
func (publisher *Publisher) Run(ctx context.Context) {
	publisher.RefreshOnce(ctx)
	ticker := time.NewTicker(publisher.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publisher.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce computes one health report and publishes it.
func (publisher *Publisher) RefreshOnce(ctx context.Context) {
	report, err := publisher.monitor.Report(ctx)
	if err != nil {
		EconomyReportFailures.Inc()
		publisher.logger.Warn("economy health refresh failed", zap.Error(err))
		return
	}
	Publish(report)
}

// Publish sets every economy gauge from a health report.
func Publish(report girinhas.HealthReport) {
	EconomyImplicitRate.Set(report.ImplicitRate.InexactFloat64())
	EconomyBurnRate.Set(report.BurnRate.InexactFloat64())
	EconomyVelocity.Set(report.Velocity.InexactFloat64())
	EconomyTopTenConcentration.Set(report.TopTenConcentration.InexactFloat64())
	EconomyLiveCents.Set(float64(report.LiveCents.Int64()))
	EconomyIssuedCents.Set(float64(report.IssuedCents.Int64()))
	EconomyBurnedCents.Set(float64(report.BurnedCents.Int64()))
	EconomyExpiredCents.Set(float64(report.ExpiredCents.Int64()))
}
