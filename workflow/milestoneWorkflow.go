package workflow

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/config"
	"github.com/stitchbase/atelier_backend/models"
	"github.com/stitchbase/atelier_backend/utils"
)

const milestoneCacheTTL = 30 * time.Second

// SubmitMilestone records the tailor's proof of work for a stage. Valid for a
// stage with no record yet or one previously REJECTED; a PENDING or APPROVED
// stage refuses resubmission. Starts a fresh 48h auto-approval window.
func SubmitMilestone(ctx context.Context, orderId int, stage models.MilestoneStage, photoUrl *string, notes string) (*models.Milestone, error) {
	if !models.IsValidStage(stage) {
		return nil, errValidationf("unknown milestone stage %q", stage)
	}

	db := config.GetDB()
	var result *models.Milestone
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := models.GetOrderById(tx, orderId)
		if err != nil {
			return err
		}
		if !order.InActiveProduction() {
			return ErrOrderNotInProduction
		}
		actorId, _ := utils.GetUserIdFromContext(ctx)
		if actorId != 0 && actorId != order.TailorId {
			return ErrNotOrderParticipant
		}

		now := time.Now().UTC()
		existing, err := models.GetMilestone(tx, orderId, stage)
		if err != nil && err != utils.ErrorRecordNotFound {
			return err
		}

		if existing == nil {
			m := models.Milestone{OrderId: orderId, Stage: stage}
			if err := ApplySubmit(&m, photoUrl, notes, now); err != nil {
				return err
			}
			if err := tx.Create(&m).Error; err != nil {
				if isDuplicateKeyErr(err) {
					// Concurrent first submission won; this one is a replay.
					return ErrInvalidTransition
				}
				return err
			}
			result = &m
		} else {
			updated := *existing
			prevStatus := existing.ApprovalStatus
			if err := ApplySubmit(&updated, photoUrl, notes, now); err != nil {
				return err
			}
			// Conditional write: resubmission only lands if the row is still in
			// the state we read. Losing the race means the event is stale.
			res := tx.Model(&models.Milestone{}).
				Where("id = ? AND approval_status = ?", existing.ID, prevStatus).
				Updates(map[string]interface{}{
					"photo_url":              updated.PhotoUrl,
					"notes":                  updated.Notes,
					"submitted_at":           updated.SubmittedAt,
					"approval_status":        updated.ApprovalStatus,
					"auto_approval_deadline": updated.AutoApprovalDeadline,
					"reviewed_at":            nil,
					"reviewed_by":            nil,
					"reviewer_id":            nil,
					"rejection_reason":       nil,
					"warnings_sent":          updated.WarningsSent,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrInvalidTransition
			}
			result = &updated
		}

		return models.PublishMilestoneEvent(ctx, tx, result, models.MilestoneEventSubmitted, models.ReviewerKindHuman, actorId)
	})
	if err != nil {
		return nil, err
	}

	invalidateMilestoneCache(orderId, stage)
	return result, nil
}

// ApproveMilestone is the customer's explicit approval of a pending stage.
// The APPROVED event it publishes is what drives the escrow release.
func ApproveMilestone(ctx context.Context, orderId int, stage models.MilestoneStage, actorId int) (*models.Milestone, error) {
	return resolveMilestone(ctx, orderId, stage, NewHumanApproval(actorId))
}

// RejectMilestone routes a pending stage back to the tailor for resubmission.
func RejectMilestone(ctx context.Context, orderId int, stage models.MilestoneStage, actorId int, reason string) (*models.Milestone, error) {
	return resolveMilestone(ctx, orderId, stage, NewHumanRejection(actorId, reason))
}

func resolveMilestone(ctx context.Context, orderId int, stage models.MilestoneStage, ev ResolveEvent) (*models.Milestone, error) {
	if !models.IsValidStage(stage) {
		return nil, errValidationf("unknown milestone stage %q", stage)
	}

	db := config.GetDB()
	var result *models.Milestone
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := models.GetOrderById(tx, orderId)
		if err != nil {
			return err
		}
		if !order.InActiveProduction() {
			return ErrOrderNotInProduction
		}
		if ev.ActorKind == models.ReviewerKindHuman && ev.ActorId != order.CustomerId {
			return ErrNotOrderParticipant
		}

		m, err := models.GetMilestone(tx, orderId, stage)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		updated := *m
		if err := ApplyResolve(&updated, ev, now); err != nil {
			return err
		}

		// The sole serialization point between the interactive path and the
		// timeout sweep: a single conditional UPDATE from PENDING. Zero rows
		// means another actor already resolved the milestone.
		res := tx.Model(&models.Milestone{}).
			Where("id = ? AND approval_status = ?", m.ID, models.ApprovalStatusPending).
			Updates(map[string]interface{}{
				"approval_status":  updated.ApprovalStatus,
				"reviewed_at":      updated.ReviewedAt,
				"reviewed_by":      updated.ReviewedBy,
				"reviewer_id":      updated.ReviewerId,
				"rejection_reason": updated.RejectionReason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotPending
		}
		result = &updated

		eventType := models.MilestoneEventApproved
		if updated.ApprovalStatus == models.ApprovalStatusRejected {
			eventType = models.MilestoneEventRejected
		}
		return models.PublishMilestoneEvent(ctx, tx, result, eventType, ev.ActorKind, ev.ActorId)
	})
	if err != nil {
		return nil, err
	}

	invalidateMilestoneCache(orderId, stage)
	return result, nil
}

// ResolveMilestoneTimeout is the sweep's entry point: auto-approve an overdue
// pending milestone. Idempotent: losing the race to an interactive resolution
// (or another sweep instance) is success, not an error.
func ResolveMilestoneTimeout(ctx context.Context, db *gorm.DB, milestoneId int) error {
	var transitioned *models.Milestone
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := models.GetMilestoneById(tx, milestoneId)
		if err != nil {
			if err == utils.ErrorRecordNotFound {
				return nil
			}
			return err
		}

		now := time.Now().UTC()
		if !TimeoutDue(m, now) {
			return nil
		}

		kind := models.ReviewerKindSystem
		res := tx.Model(&models.Milestone{}).
			Where("id = ? AND approval_status = ? AND auto_approval_deadline <= ?",
				m.ID, models.ApprovalStatusPending, now).
			Updates(map[string]interface{}{
				"approval_status": models.ApprovalStatusApproved,
				"reviewed_at":     now,
				"reviewed_by":     kind,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already resolved by the customer or a concurrent sweep.
			return nil
		}

		m.ApprovalStatus = models.ApprovalStatusApproved
		m.ReviewedAt = &now
		m.ReviewedBy = &kind
		transitioned = m

		return models.PublishMilestoneEvent(ctx, tx, m, models.MilestoneEventApproved, models.ReviewerKindSystem, 0)
	})
	if err != nil {
		return err
	}
	if transitioned != nil {
		invalidateMilestoneCache(transitioned.OrderId, transitioned.Stage)
	}
	return nil
}

// GetMilestoneStatus reads one milestone with a short-TTL Redis cache in
// front. The cache is only ever a staleness optimization; every transition
// invalidates it.
func GetMilestoneStatus(ctx context.Context, orderId int, stage models.MilestoneStage) (*models.Milestone, error) {
	if !models.IsValidStage(stage) {
		return nil, errValidationf("unknown milestone stage %q", stage)
	}

	var cached models.Milestone
	if ok, err := config.GetRedisObject(milestoneCacheKey(orderId, stage), &cached); err == nil && ok {
		return &cached, nil
	}

	db := config.GetDB()
	m, err := models.GetMilestone(db.WithContext(ctx), orderId, stage)
	if err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(milestoneCacheKey(orderId, stage), m, milestoneCacheTTL)
	return m, nil
}

// ListOrderMilestones returns all submitted milestones of an order in catalog
// order.
func ListOrderMilestones(ctx context.Context, orderId int) ([]models.Milestone, error) {
	db := config.GetDB()
	return models.GetMilestonesByOrder(db.WithContext(ctx), orderId)
}

func milestoneCacheKey(orderId int, stage models.MilestoneStage) string {
	return fmt.Sprintf("Milestone:%d:%s", orderId, stage)
}

func invalidateMilestoneCache(orderId int, stage models.MilestoneStage) {
	_ = config.RemoveRedisKey(milestoneCacheKey(orderId, stage))
}
