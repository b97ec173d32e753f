// Package settlement is the only place that talks to the external settlement
// backend. The engine supplies an idempotency key per call, so a retry of the
// same release is safe on the backend side too.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// SettleRequest asks the backend to move escrowed funds to a payee.
type SettleRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PayeeId        int             `json:"payee_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Description    string          `json:"description,omitempty"`
}

// SettleResult is returned on a definitive success.
type SettleResult struct {
	Reference string `json:"reference"`
}

// RejectedError means the backend definitively refused the settlement; the
// escrow transaction goes FAILED and the failure is surfaced for manual
// intervention. Anything else (timeouts, 5xx, network) is transient: the
// transaction is left PROCESSING for the reconciliation pass.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("settlement rejected: %s", e.Reason)
}

// IsRejected reports whether err is a definitive backend refusal.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// Backend is the opaque settlement interface the release processor calls.
type Backend interface {
	Settle(ctx context.Context, req SettleRequest) (*SettleResult, error)
}
