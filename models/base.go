package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/utils"
)

// PublishMilestoneEvent implements the transactional outbox: it writes the
// event record inside the caller's DB transaction and does NOT publish to
// Pub/Sub. Publishing is performed asynchronously by the outbox dispatcher
// after commit, so an event exists iff the state change committed.
func PublishMilestoneEvent(ctx context.Context, tx *gorm.DB, milestone *Milestone, eventType MilestoneEventType, actorKind ReviewerKind, actorId int) error {
	payload, err := json.Marshal(milestone)
	if err != nil {
		return err
	}

	record := MilestoneEventRecord{
		OrderId:       milestone.OrderId,
		MilestoneId:   milestone.ID,
		Stage:         milestone.Stage,
		EventType:     eventType,
		ActorKind:     actorKind,
		ActorId:       actorId,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
		IsProcessed:   false,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
