package workflow

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/config"
	"github.com/stitchbase/atelier_backend/models"
)

// FanOutNotifications materializes the in-app and SMS notifications for one
// milestone event, inside the caller's transaction so the notification rows
// commit with the idempotency record.
//
// Recipient routing:
//
//	MILESTONE_SUBMITTED        -> customer
//	MILESTONE_APPROVED (human) -> tailor
//	MILESTONE_APPROVED (system)-> customer and tailor (auto-approval surprises both)
//	MILESTONE_REJECTED         -> tailor
//	MILESTONE_DEADLINE_WARNING -> customer
//	MILESTONE_FUNDS_RELEASED   -> tailor
//
// A human actor is never notified of their own action.
func FanOutNotifications(ctx context.Context, tx *gorm.DB, logger *logrus.Logger, msg config.MilestoneEventMessage) error {
	order, err := models.GetOrderById(tx, msg.OrderId)
	if err != nil {
		return err
	}

	for _, recipientId := range recipientsForEvent(msg, order) {
		if msg.ActorKind == string(models.ReviewerKindHuman) && recipientId == msg.ActorId {
			continue
		}
		recipient, err := models.GetUserById(tx, recipientId)
		if err != nil {
			// A missing user must not wedge the event; the workflow state is
			// already committed.
			config.LogError(logger, "workflow", "FanOutNotifications", "recipient lookup failed", msg, err)
			continue
		}

		title, body := notificationContent(msg, order)
		n := models.Notification{
			RecipientId: recipient.ID,
			Type:        notificationTypeForEvent(models.MilestoneEventType(msg.Event)),
			Title:       title,
			Body:        body,
			OrderId:     msg.OrderId,
			MilestoneId: msg.MilestoneId,
		}
		if err := models.CreateNotification(tx, &n); err != nil {
			return err
		}

		queued, err := models.QueueSms(tx, recipient, body)
		if err != nil {
			return err
		}
		if !queued {
			logger.WithFields(logrus.Fields{
				"module":       "workflow",
				"funcName":     "FanOutNotifications",
				"recipient_id": recipient.ID,
				"event":        msg.Event,
			}).Debug("sms skipped for recipient without usable phone")
		}
	}
	return nil
}

func recipientsForEvent(msg config.MilestoneEventMessage, order *models.Order) []int {
	switch models.MilestoneEventType(msg.Event) {
	case models.MilestoneEventSubmitted:
		return []int{order.CustomerId}
	case models.MilestoneEventApproved:
		if msg.ActorKind == string(models.ReviewerKindSystem) {
			return []int{order.CustomerId, order.TailorId}
		}
		return []int{order.TailorId}
	case models.MilestoneEventRejected:
		return []int{order.TailorId}
	case models.MilestoneEventDeadlineWarning:
		return []int{order.CustomerId}
	case models.MilestoneEventFundsReleased:
		return []int{order.TailorId}
	default:
		return nil
	}
}

func notificationTypeForEvent(event models.MilestoneEventType) models.NotificationType {
	switch event {
	case models.MilestoneEventSubmitted:
		return models.NotificationTypeMilestoneSubmitted
	case models.MilestoneEventApproved:
		return models.NotificationTypeMilestoneApproved
	case models.MilestoneEventRejected:
		return models.NotificationTypeMilestoneRejected
	case models.MilestoneEventDeadlineWarning:
		return models.NotificationTypeDeadlineWarning
	case models.MilestoneEventFundsReleased:
		return models.NotificationTypeFundsReleased
	default:
		return models.NotificationType(event)
	}
}

func notificationContent(msg config.MilestoneEventMessage, order *models.Order) (string, string) {
	stage := stageDisplayName(models.MilestoneStage(msg.Stage))
	switch models.MilestoneEventType(msg.Event) {
	case models.MilestoneEventSubmitted:
		return "Milestone submitted",
			fmt.Sprintf("Your tailor submitted %q for order %s. Review it within 48 hours or it will be approved automatically.", stage, order.OrderNumber)
	case models.MilestoneEventApproved:
		if msg.ActorKind == string(models.ReviewerKindSystem) {
			return "Milestone auto-approved",
				fmt.Sprintf("%q for order %s was approved automatically after the 48-hour review window.", stage, order.OrderNumber)
		}
		return "Milestone approved",
			fmt.Sprintf("%q for order %s was approved by the customer.", stage, order.OrderNumber)
	case models.MilestoneEventRejected:
		return "Milestone rejected",
			fmt.Sprintf("%q for order %s was sent back for rework.", stage, order.OrderNumber)
	case models.MilestoneEventDeadlineWarning:
		return "Review window closing",
			fmt.Sprintf("%q for order %s will be approved automatically in about 6 hours.", stage, order.OrderNumber)
	case models.MilestoneEventFundsReleased:
		return "Funds released",
			fmt.Sprintf("The escrow tranche for %q on order %s has been released to you.", stage, order.OrderNumber)
	default:
		return string(msg.Event), fmt.Sprintf("Order %s milestone update.", order.OrderNumber)
	}
}

func stageDisplayName(stage models.MilestoneStage) string {
	switch stage {
	case models.StageMeasurementsConfirmed:
		return "Measurements confirmed"
	case models.StageFabricSourced:
		return "Fabric sourced"
	case models.StageCuttingStarted:
		return "Cutting started"
	case models.StageStitchingInProgress:
		return "Stitching in progress"
	case models.StageFittingReady:
		return "Fitting ready"
	case models.StageFinishingTouches:
		return "Finishing touches"
	case models.StageReadyForDelivery:
		return "Ready for delivery"
	default:
		return string(stage)
	}
}
