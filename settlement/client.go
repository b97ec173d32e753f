package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type httpBackend struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

// NewHTTPBackend builds the production settlement client from env:
// SETTLEMENT_API_BASE_URL, SETTLEMENT_API_KEY, SETTLEMENT_API_KEY_HEADER.
func NewHTTPBackend() (Backend, error) {
	baseURL := strings.TrimSpace(os.Getenv("SETTLEMENT_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("SETTLEMENT_API_BASE_URL is required")
	}
	apiKey := strings.TrimSpace(os.Getenv("SETTLEMENT_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("SETTLEMENT_API_KEY is required")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("SETTLEMENT_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &httpBackend{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		// Per-call deadlines come from the caller's context; this is a hard cap.
		http: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type settleResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

func (c *httpBackend) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/settlements", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(c.apiKeyHdr, c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Network error or context timeout: transient. The caller leaves the
		// escrow row PROCESSING because the backend may have succeeded.
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed settleResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("settlement response parse: %w", err)
		}
		if parsed.Reference == "" {
			return nil, errors.New("settlement response missing reference")
		}
		return &SettleResult{Reference: parsed.Reference}, nil
	}

	// 4xx: the backend refuses this settlement outright.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var parsed settleResponse
		reason := strings.TrimSpace(string(raw))
		if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
			reason = parsed.Error
		}
		return nil, &RejectedError{Reason: reason}
	}

	// 5xx: transient.
	return nil, fmt.Errorf("settlement backend error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
