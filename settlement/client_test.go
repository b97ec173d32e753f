package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func testRequest() SettleRequest {
	return SettleRequest{
		Amount:         decimal.RequireFromString("150.00"),
		Currency:       "USD",
		PayeeId:        7,
		IdempotencyKey: "escrow-release-42",
		Description:    "order 10 milestone CUTTING_STARTED",
	}
}

func newTestBackend(t *testing.T, serverURL string) Backend {
	t.Helper()
	t.Setenv("SETTLEMENT_API_BASE_URL", serverURL)
	t.Setenv("SETTLEMENT_API_KEY", "test-key")
	t.Setenv("SETTLEMENT_API_KEY_HEADER", "")
	backend, err := NewHTTPBackend()
	if err != nil {
		t.Fatalf("NewHTTPBackend: %v", err)
	}
	return backend
}

func TestSettle_Success(t *testing.T) {
	var gotIdempotencyKey, gotAPIKey, gotPath string
	var gotBody SettleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		gotAPIKey = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"reference": "stl_123"})
	}))
	defer srv.Close()

	backend := newTestBackend(t, srv.URL)
	result, err := backend.Settle(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Reference != "stl_123" {
		t.Fatalf("reference = %q, want stl_123", result.Reference)
	}
	if gotPath != "/v1/settlements" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotIdempotencyKey != "escrow-release-42" {
		t.Fatalf("Idempotency-Key = %q", gotIdempotencyKey)
	}
	if gotAPIKey != "test-key" {
		t.Fatalf("X-API-Key = %q", gotAPIKey)
	}
	if !gotBody.Amount.Equal(decimal.RequireFromString("150.00")) || gotBody.PayeeId != 7 {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
}

func TestSettle_RejectedOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "payee account frozen"})
	}))
	defer srv.Close()

	backend := newTestBackend(t, srv.URL)
	_, err := backend.Settle(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRejected(err) {
		t.Fatalf("expected rejected error, got %v", err)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Reason != "payee account frozen" {
		t.Fatalf("reason = %v", err)
	}
}

func TestSettle_TransientOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	backend := newTestBackend(t, srv.URL)
	_, err := backend.Settle(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if IsRejected(err) {
		t.Fatalf("5xx must be transient, not rejected: %v", err)
	}
}

func TestSettle_MissingReferenceIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	backend := newTestBackend(t, srv.URL)
	_, err := backend.Settle(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error for 2xx response without reference")
	}
	if IsRejected(err) {
		t.Fatalf("missing reference must be transient, not rejected: %v", err)
	}
}

func TestSettle_ContextCancellationIsTransient(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	backend := newTestBackend(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := backend.Settle(ctx, testRequest())
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if IsRejected(err) {
		t.Fatalf("cancellation must be transient, not rejected: %v", err)
	}
}
