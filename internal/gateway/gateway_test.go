package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/girinapp/girinhas/pkg/girinhas"
)

func TestLookupDecodesApprovedPayment(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/v1/payments/pay-123" {
			test.Errorf("unexpected path %s", request.URL.Path)
		}
		if got := request.Header.Get("Authorization"); got != "Bearer secret-token" {
			test.Errorf("unexpected authorization header %q", got)
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{
			"id": "pay-123",
			"status": "approved",
			"transaction_amount_cents": 5000,
			"external_reference": "wallet=user-1;girinhas_cents=10000"
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", zap.NewNop())
	payment, err := client.Lookup(context.Background(), "pay-123")
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	if payment.Status != StatusApproved {
		test.Fatalf("expected approved, got %q", payment.Status)
	}
	if payment.AmountBRLCents != 5000 {
		test.Fatalf("unexpected amount %d", payment.AmountBRLCents)
	}
	if payment.ExternalReference != "wallet=user-1;girinhas_cents=10000" {
		test.Fatalf("unexpected reference %q", payment.ExternalReference)
	}
}

func TestLookupMapsNotFound(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.NotFound(writer, request)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", nil)
	_, err := client.Lookup(context.Background(), "pay-missing")
	if !errors.Is(err, girinhas.ErrPaymentNotFound) {
		test.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestLookupMapsServerErrorsToUnavailable(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", nil)
	_, err := client.Lookup(context.Background(), "pay-1")
	if !errors.Is(err, girinhas.ErrGatewayUnavailable) {
		test.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestLookupMapsTransportFailureToUnavailable(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, "secret-token", nil)
	_, err := client.Lookup(context.Background(), "pay-1")
	if !errors.Is(err, girinhas.ErrGatewayUnavailable) {
		test.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}
