package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/config"
	"github.com/stitchbase/atelier_backend/models"
	"github.com/stitchbase/atelier_backend/settlement"
)

var (
	// ErrInvalidAmount halts a release whose computed payout is not positive.
	// It should be unreachable while the stage catalog validates at startup.
	ErrInvalidAmount = errors.New("escrow release amount must be positive")

	// ErrReleaseInFlight means a PROCESSING transaction exists for the
	// milestone. A PROCESSING row may come from an ambiguous settlement call
	// whose idempotency key the backend could still honor, so an automated
	// retry must never mint a fresh row (and a fresh key) next to it. Only
	// the reconciliation tool resolves such rows.
	ErrReleaseInFlight = errors.New("escrow release already in flight")
)

// ReleaseProcessor turns an approved milestone into exactly one completed
// escrow transaction. It is driven by APPROVED milestone events and is safe
// to invoke any number of times for the same milestone.
type ReleaseProcessor struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Settlement settlement.Backend
	Tracer     trace.Tracer

	// CallTimeout bounds the settlement API call; zero means 15s.
	CallTimeout time.Duration
}

func NewReleaseProcessor(db *gorm.DB, logger *logrus.Logger, backend settlement.Backend) *ReleaseProcessor {
	return &ReleaseProcessor{DB: db, Logger: logger, Settlement: backend, Tracer: otel.Tracer("escrow-release")}
}

// ProcessRelease releases the escrow tranche for an approved milestone.
//
// The flow deliberately splits across two transactions with the settlement
// call in between:
//
//  1. tx1: verify the milestone is APPROVED, check the ledger guard, insert
//     a PROCESSING transaction (under the per-order advisory lock).
//  2. Call the settlement backend outside any DB transaction, with our
//     transaction id as the idempotency key.
//  3. tx2: on success flip the row to COMPLETED and claim completed_key; on
//     definitive rejection mark FAILED; on a transient error leave it
//     PROCESSING for reconciliation.
//
// A duplicate-key error while claiming completed_key means a concurrent
// release completed first: our row is marked FAILED superseded and the call
// returns success, because the milestone's funds are released either way.
func (p *ReleaseProcessor) ProcessRelease(ctx context.Context, milestoneId int) error {
	if p.Tracer != nil {
		var span trace.Span
		ctx, span = p.Tracer.Start(ctx, "ProcessRelease")
		defer span.End()
	}
	db := p.DB.WithContext(ctx)

	var (
		escrowTx models.EscrowTransaction
		payeeId  int
	)
	peek, err := models.GetMilestoneById(db, milestoneId)
	if err != nil {
		return err
	}
	orderId := peek.OrderId

	// GET_LOCK is connection-scoped, so the guard-and-insert runs on one
	// pinned connection with the lock taken outside the transaction: it stays
	// held until after COMMIT, leaving no gap for a second process to read a
	// pre-insert snapshot.
	err = db.Connection(func(conn *gorm.DB) error {
		if err := AcquireOrderLock(conn, orderId); err != nil {
			return err
		}
		defer ReleaseOrderLock(conn, orderId)

		return conn.Transaction(func(tx *gorm.DB) error {
			m, err := models.GetMilestoneById(tx, milestoneId)
			if err != nil {
				return err
			}
			if m.ApprovalStatus != models.ApprovalStatusApproved {
				return fmt.Errorf("milestone id=%d is %s, not APPROVED", m.ID, m.ApprovalStatus)
			}

			done, err := models.HasCompletedRelease(tx, m.ID)
			if err != nil {
				return err
			}
			if done {
				return errReleaseAlreadyDone
			}

			// Any PROCESSING row blocks, whatever its age. A stale one marks
			// an ambiguous settlement outcome and belongs to reconciliation.
			var inflight int64
			err = tx.Model(&models.EscrowTransaction{}).
				Where("milestone_id = ? AND status = ?",
					m.ID, models.EscrowTransactionStatusProcessing).
				Count(&inflight).Error
			if err != nil {
				return err
			}
			if inflight > 0 {
				return ErrReleaseInFlight
			}

			order, err := models.GetOrderById(tx, m.OrderId)
			if err != nil {
				return err
			}
			payeeId = order.TailorId

			amount, err := models.StagePayout(order.TotalAmount, m.Stage)
			if err != nil {
				return err
			}
			if !amount.IsPositive() {
				return ErrInvalidAmount
			}

			escrowTx = models.EscrowTransaction{
				OrderId:     m.OrderId,
				MilestoneId: m.ID,
				Stage:       m.Stage,
				Amount:      amount,
				Status:      models.EscrowTransactionStatusProcessing,
			}
			return tx.Create(&escrowTx).Error
		})
	})
	if err != nil {
		if errors.Is(err, errReleaseAlreadyDone) {
			return nil
		}
		return err
	}

	result, settleErr := p.settle(ctx, &escrowTx, payeeId)

	switch {
	case settleErr == nil:
		return p.markCompleted(ctx, &escrowTx, result.Reference)
	case settlement.IsRejected(settleErr):
		config.LogError(p.Logger, "workflow", "ProcessRelease", "settlement rejected", escrowTx, settleErr)
		return p.markFailed(ctx, &escrowTx, settleErr.Error())
	default:
		// Ambiguous outcome: the backend may or may not have settled. Leave
		// the row PROCESSING; reconciliation resolves it via the idempotency
		// key once the backend is reachable again.
		config.LogError(p.Logger, "workflow", "ProcessRelease", "settlement call failed transiently", escrowTx, settleErr)
		return settleErr
	}
}

var errReleaseAlreadyDone = errors.New("escrow release already completed")

func (p *ReleaseProcessor) settle(ctx context.Context, escrowTx *models.EscrowTransaction, payeeId int) (*settlement.SettleResult, error) {
	timeout := p.CallTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return p.Settlement.Settle(callCtx, settlement.SettleRequest{
		Amount:         escrowTx.Amount,
		Currency:       settlementCurrency(),
		PayeeId:        payeeId,
		IdempotencyKey: fmt.Sprintf("escrow-release-%d", escrowTx.ID),
		Description:    fmt.Sprintf("order %d milestone %s", escrowTx.OrderId, escrowTx.Stage),
	})
}

func (p *ReleaseProcessor) markCompleted(ctx context.Context, escrowTx *models.EscrowTransaction, reference string) error {
	db := p.DB.WithContext(ctx)
	now := time.Now().UTC()
	completedKey := escrowTx.MilestoneId

	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.EscrowTransaction{}).
			Where("id = ? AND status = ?", escrowTx.ID, models.EscrowTransactionStatusProcessing).
			Updates(map[string]interface{}{
				"status":         models.EscrowTransactionStatusCompleted,
				"completed_key":  completedKey,
				"settlement_ref": reference,
				"processed_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		m, err := models.GetMilestoneById(tx, escrowTx.MilestoneId)
		if err != nil {
			return err
		}
		return models.PublishMilestoneEvent(ctx, tx, m, models.MilestoneEventFundsReleased, models.ReviewerKindSystem, 0)
	})
	if err != nil {
		if isDuplicateKeyErr(err) {
			// Another transaction claimed completed_key first: the funds are
			// out exactly once, just not through this row.
			reason := "superseded by a concurrent completed release"
			return p.markFailed(ctx, escrowTx, reason)
		}
		return err
	}

	p.Logger.WithFields(logrus.Fields{
		"module":         "workflow",
		"funcName":       "ProcessRelease",
		"escrow_tx_id":   escrowTx.ID,
		"order_id":       escrowTx.OrderId,
		"milestone_id":   escrowTx.MilestoneId,
		"stage":          escrowTx.Stage,
		"amount":         escrowTx.Amount.String(),
		"settlement_ref": reference,
	}).Info("escrow release completed")
	return nil
}

func (p *ReleaseProcessor) markFailed(ctx context.Context, escrowTx *models.EscrowTransaction, reason string) error {
	db := p.DB.WithContext(ctx)
	now := time.Now().UTC()
	return db.Model(&models.EscrowTransaction{}).
		Where("id = ? AND status = ?", escrowTx.ID, models.EscrowTransactionStatusProcessing).
		Updates(map[string]interface{}{
			"status":         models.EscrowTransactionStatusFailed,
			"failure_reason": reason,
			"processed_at":   now,
		}).Error
}

// OrderReleaseTotal reports the completed payout sum for an order. Used by
// reconciliation to assert the sum never exceeds the order total.
func OrderReleaseTotal(ctx context.Context, db *gorm.DB, orderId int) (decimal.Decimal, error) {
	return models.SumCompletedByOrder(db.WithContext(ctx), orderId)
}

func settlementCurrency() string {
	if c := os.Getenv("SETTLEMENT_CURRENCY"); c != "" {
		return c
	}
	return "USD"
}
