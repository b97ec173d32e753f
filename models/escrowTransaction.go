package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EscrowTransaction is an append-only ledger of partial escrow releases.
//
// Exactly-once invariant: at most one COMPLETED row may ever exist per
// milestone. MySQL has no partial unique indexes, so the invariant rides on
// completed_key: NULL while PROCESSING/FAILED, set to the milestone id on
// completion, under a unique index (NULLs don't collide in MySQL). A racing
// second completion becomes a duplicate-key error and is handled as the
// idempotent case, never as a second payout.
type EscrowTransaction struct {
	ID          int                     `gorm:"primary_key" json:"id"`
	OrderId     int                     `gorm:"not null;index" json:"order_id"`
	MilestoneId int                     `gorm:"not null;index" json:"milestone_id"`
	Stage       MilestoneStage          `gorm:"size:40;not null" json:"stage"`
	Amount      decimal.Decimal         `gorm:"type:decimal(20,2);not null" json:"amount"`
	Status      EscrowTransactionStatus `gorm:"size:20;not null;index" json:"status"`

	CompletedKey *int `gorm:"uniqueIndex" json:"-"`

	// SettlementRef is the settlement backend's reference for a completed
	// release; FailureReason is set only on FAILED rows.
	SettlementRef *string `gorm:"size:255" json:"settlement_ref"`
	FailureReason *string `gorm:"type:text" json:"failure_reason"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// HasCompletedRelease is the release processor's step-1 idempotency guard.
func HasCompletedRelease(tx *gorm.DB, milestoneId int) (bool, error) {
	var count int64
	err := tx.Model(&EscrowTransaction{}).
		Where("milestone_id = ? AND status = ?", milestoneId, EscrowTransactionStatusCompleted).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SumCompletedByOrder totals all completed releases for an order; bounded by
// the order total because stage weights sum to 1.0.
func SumCompletedByOrder(tx *gorm.DB, orderId int) (decimal.Decimal, error) {
	var rows []EscrowTransaction
	err := tx.Where("order_id = ? AND status = ?", orderId, EscrowTransactionStatusCompleted).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.Amount)
	}
	return sum, nil
}
