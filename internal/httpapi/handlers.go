package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/girinapp/girinhas/internal/webhook"
	"github.com/girinapp/girinhas/pkg/girinhas"
)

const maxWebhookBodyBytes = 64 * 1024

type purchaseRequest struct {
	UserID         string `json:"user_id"`
	GirinhasCents  int64  `json:"girinhas_cents"`
	PaidBRLCents   int64  `json:"paid_brl_cents"`
	Source         string `json:"source"`
	IdempotencyKey string `json:"idempotency_key"`
}

type purchaseResponse struct {
	TransactionID   string `json:"transaction_id"`
	NewBalanceCents int64  `json:"new_balance_cents"`
	Duplicate       bool   `json:"duplicate"`
}

func (server *Server) handlePurchase(writer http.ResponseWriter, request *http.Request) {
	var body purchaseRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid json body")
		return
	}
	userID, err := girinhas.NewUserID(body.UserID)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	key, err := girinhas.NewIdempotencyKey(body.IdempotencyKey)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	amount, err := girinhas.NewPositiveAmountCents(body.GirinhasCents)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	source := body.Source
	if source == "" {
		source = "api"
	}
	result, err := server.service.Purchase(request.Context(), userID, amount, key, source, girinhas.AmountCents(body.PaidBRLCents))
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(writer, status, purchaseResponse{
		TransactionID:   result.TransactionID.String(),
		NewBalanceCents: result.NewBalanceCents.Int64(),
		Duplicate:       result.Duplicate,
	})
}

type transferRequest struct {
	FromUserID     string `json:"from_user_id"`
	ToUserID       string `json:"to_user_id"`
	GirinhasCents  int64  `json:"girinhas_cents"`
	IdempotencyKey string `json:"idempotency_key"`
}

type transferResponse struct {
	TransactionID string `json:"transaction_id"`
	FeeCents      int64  `json:"fee_cents"`
	NetCents      int64  `json:"net_cents"`
	Duplicate     bool   `json:"duplicate"`
}

func (server *Server) handleTransfer(writer http.ResponseWriter, request *http.Request) {
	var body transferRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid json body")
		return
	}
	fromUserID, err := girinhas.NewUserID(body.FromUserID)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	toUserID, err := girinhas.NewUserID(body.ToUserID)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	key, err := girinhas.NewIdempotencyKey(body.IdempotencyKey)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	amount, err := girinhas.NewPositiveAmountCents(body.GirinhasCents)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	result, err := server.service.Transfer(request.Context(), fromUserID, toUserID, amount, key)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(writer, status, transferResponse{
		TransactionID: result.TransactionID.String(),
		FeeCents:      result.FeeCents.Int64(),
		NetCents:      result.NetCents.Int64(),
		Duplicate:     result.Duplicate,
	})
}

type bonusRequest struct {
	UserID         string `json:"user_id"`
	GirinhasCents  int64  `json:"girinhas_cents"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type bonusResponse struct {
	TransactionID string `json:"transaction_id"`
	Duplicate     bool   `json:"duplicate"`
}

func (server *Server) handleBonus(writer http.ResponseWriter, request *http.Request) {
	var body bonusRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid json body")
		return
	}
	userID, err := girinhas.NewUserID(body.UserID)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	key, err := girinhas.NewIdempotencyKey(body.IdempotencyKey)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	amount, err := girinhas.NewPositiveAmountCents(body.GirinhasCents)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	result, err := server.service.Bonus(request.Context(), userID, amount, body.Reason, key)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(writer, status, bonusResponse{
		TransactionID: result.TransactionID.String(),
		Duplicate:     result.Duplicate,
	})
}

type extensionRequest struct {
	UserID         string `json:"user_id"`
	BatchID        string `json:"batch_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type extensionResponse struct {
	NewExpiresAtUnixUTC int64 `json:"new_expires_at"`
	CostCents           int64 `json:"cost_cents"`
	Duplicate           bool  `json:"duplicate"`
}

func (server *Server) handleExtension(writer http.ResponseWriter, request *http.Request) {
	var body extensionRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, http.StatusBadRequest, "invalid json body")
		return
	}
	userID, err := girinhas.NewUserID(body.UserID)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	batchID, err := girinhas.NewBatchID(body.BatchID)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	key, err := girinhas.NewIdempotencyKey(body.IdempotencyKey)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	result, err := server.service.ExtendBatch(request.Context(), userID, batchID, key)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(writer, status, extensionResponse{
		NewExpiresAtUnixUTC: result.NewExpiresAtUnixUTC,
		CostCents:           result.CostCents.Int64(),
		Duplicate:           result.Duplicate,
	})
}

type balanceResponse struct {
	UserID        string `json:"user_id"`
	GirinhasCents int64  `json:"girinhas_cents"`
}

func (server *Server) handleBalance(writer http.ResponseWriter, request *http.Request) {
	userID, err := girinhas.NewUserID(chi.URLParam(request, "userID"))
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	balance, err := server.service.Balance(request.Context(), userID)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, balanceResponse{
		UserID:        userID.String(),
		GirinhasCents: balance.Int64(),
	})
}

type scheduleItemResponse struct {
	BatchID        string `json:"batch_id"`
	RemainingCents int64  `json:"remaining_cents"`
	ExpiresAt      int64  `json:"expires_at"`
	DaysUntil      int    `json:"days_until"`
	Extended       bool   `json:"extended"`
}

func (server *Server) handleSchedule(writer http.ResponseWriter, request *http.Request) {
	userID, err := girinhas.NewUserID(chi.URLParam(request, "userID"))
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	schedule, err := server.service.ExpirationSchedule(request.Context(), userID)
	if err != nil {
		writeDomainError(writer, err)
		return
	}
	items := make([]scheduleItemResponse, 0, len(schedule))
	for _, item := range schedule {
		items = append(items, scheduleItemResponse{
			BatchID:        item.BatchID.String(),
			RemainingCents: item.RemainingCents.Int64(),
			ExpiresAt:      item.ExpiresAtUnixUTC,
			DaysUntil:      item.DaysUntilExpiration,
			Extended:       item.Extended,
		})
	}
	writeJSON(writer, http.StatusOK, map[string]any{
		"user_id": userID.String(),
		"batches": items,
	})
}

// handlePaymentWebhook acknowledges provider notifications. The provider
// retries on anything but 2xx, so only internal failures return 500; malformed
// or unverifiable notifications are acknowledged and logged.
func (server *Server) handlePaymentWebhook(writer http.ResponseWriter, request *http.Request) {
	body, err := io.ReadAll(io.LimitReader(request.Body, maxWebhookBodyBytes))
	if err != nil {
		writeError(writer, http.StatusInternalServerError, "read body")
		return
	}
	paymentID, err := webhook.ParsePaymentID(body)
	if err != nil {
		server.logger.Warn("unparseable payment webhook", zap.Error(err))
		writeJSON(writer, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	result, err := server.reconciler.Reconcile(request.Context(), paymentID)
	if err != nil {
		server.logger.Error("payment reconciliation failed",
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		writeError(writer, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	writeJSON(writer, http.StatusOK, map[string]string{
		"status":     string(result.Outcome),
		"payment_id": result.PaymentID,
	})
}

type economyHealthResponse struct {
	WindowDays          int    `json:"window_days"`
	ImplicitRate        string `json:"implicit_rate"`
	BurnRate            string `json:"burn_rate"`
	Velocity            string `json:"velocity"`
	TopTenConcentration string `json:"top10_concentration"`
	LiveCents           int64  `json:"live_cents"`
	IssuedCents         int64  `json:"issued_cents"`
	BurnedCents         int64  `json:"burned_cents"`
	ExpiredCents        int64  `json:"expired_cents"`
	TransferredCents    int64  `json:"transferred_cents"`
	PaidBRLCents        int64  `json:"paid_brl_cents"`
	GeneratedAt         int64  `json:"generated_at"`
}

func (server *Server) handleEconomyHealth(writer http.ResponseWriter, request *http.Request) {
	report, err := server.monitor.Report(request.Context())
	if err != nil {
		writeError(writer, http.StatusInternalServerError, "health report failed")
		return
	}
	writeJSON(writer, http.StatusOK, economyHealthResponse{
		WindowDays:          report.WindowDays,
		ImplicitRate:        report.ImplicitRate.String(),
		BurnRate:            report.BurnRate.String(),
		Velocity:            report.Velocity.String(),
		TopTenConcentration: report.TopTenConcentration.String(),
		LiveCents:           report.LiveCents.Int64(),
		IssuedCents:         report.IssuedCents.Int64(),
		BurnedCents:         report.BurnedCents.Int64(),
		ExpiredCents:        report.ExpiredCents.Int64(),
		TransferredCents:    report.TransferredCents.Int64(),
		PaidBRLCents:        report.PaidBRLCents.Int64(),
		GeneratedAt:         report.GeneratedUnixUTC,
	})
}
