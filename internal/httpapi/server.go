// Package httpapi exposes the Girinhas ledger over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/girinapp/girinhas/internal/webhook"
	"github.com/girinapp/girinhas/pkg/girinhas"
)

const requestTimeout = 30 * time.Second

// PaymentReconciler resolves a payment notification to a terminal outcome.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, paymentID string) (webhook.Result, error)
}

// HealthReporter computes economy health signals.
type HealthReporter interface {
	Report(ctx context.Context) (girinhas.HealthReport, error)
}

// Server is the Girinhas HTTP API server.
type Server struct {
	service        *girinhas.Service
	monitor        HealthReporter
	reconciler     PaymentReconciler
	logger         *zap.Logger
	tokenSecret    []byte
	metricsEnabled bool
}

// NewServer wires the API server. The token secret guards the /v1 routes; an
// empty secret disables authentication (local development only).
func NewServer(service *girinhas.Service, monitor HealthReporter, reconciler PaymentReconciler, logger *zap.Logger, tokenSecret []byte) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service:     service,
		monitor:     monitor,
		reconciler:  reconciler,
		logger:      logger,
		tokenSecret: tokenSecret,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (server *Server) EnableMetrics() { server.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (server *Server) Handler() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(requestTimeout))

	router.Get("/health", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Get("/health/economy", server.handleEconomyHealth)

	router.Route("/v1", func(router chi.Router) {
		router.Use(server.requireToken)
		router.Post("/purchases", server.handlePurchase)
		router.Post("/transfers", server.handleTransfer)
		router.Post("/bonuses", server.handleBonus)
		router.Post("/extensions", server.handleExtension)
		router.Get("/wallets/{userID}/balance", server.handleBalance)
		router.Get("/wallets/{userID}/schedule", server.handleSchedule)
	})

	// Provider webhooks authenticate out of band, not with our tokens.
	router.Post("/webhooks/payments", server.handlePaymentWebhook)

	if server.metricsEnabled {
		router.Handle("/metrics", promhttp.Handler())
	}

	return router
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(value)
}

// writeError writes a JSON error response.
func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
		},
	})
}

// writeDomainError maps ledger errors onto HTTP statuses.
func writeDomainError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, girinhas.ErrInvalidAmount),
		errors.Is(err, girinhas.ErrAmountOutOfRange),
		errors.Is(err, girinhas.ErrSelfTransfer),
		errors.Is(err, girinhas.ErrInvalidUserID),
		errors.Is(err, girinhas.ErrInvalidBatchID),
		errors.Is(err, girinhas.ErrInvalidAmountCents),
		errors.Is(err, girinhas.ErrInvalidIdempotencyKey):
		writeError(writer, http.StatusBadRequest, err.Error())
	case errors.Is(err, girinhas.ErrRecipientNotFound),
		errors.Is(err, girinhas.ErrUnknownWallet),
		errors.Is(err, girinhas.ErrUnknownBatch):
		writeError(writer, http.StatusNotFound, err.Error())
	case errors.Is(err, girinhas.ErrInsufficientBalance),
		errors.Is(err, girinhas.ErrAlreadyExtended),
		errors.Is(err, girinhas.ErrNotEligible):
		writeError(writer, http.StatusConflict, err.Error())
	case errors.Is(err, girinhas.ErrGatewayUnavailable):
		writeError(writer, http.StatusBadGateway, err.Error())
	default:
		writeError(writer, http.StatusInternalServerError, "internal error")
	}
}
