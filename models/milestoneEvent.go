package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stitchbase/atelier_backend/config"
)

// MilestoneEventRecord is the transactional outbox row for milestone
// transition events. It is written inside the same DB transaction as the
// state change; the outbox dispatcher publishes it to Pub/Sub after commit.
type MilestoneEventRecord struct {
	ID          int                `gorm:"primary_key;index:idx_event_dispatch,priority:3" json:"id"`
	OrderId     int                `gorm:"not null;index" json:"order_id"`
	MilestoneId int                `gorm:"not null;index" json:"milestone_id"`
	Stage       MilestoneStage     `gorm:"size:40;not null" json:"stage"`
	EventType   MilestoneEventType `gorm:"size:40;not null;index" json:"event_type"`
	ActorKind   ReviewerKind       `gorm:"size:10;not null" json:"actor_kind"`
	ActorId     int                `json:"actor_id"`
	Payload     []byte             `gorm:"type:blob" json:"payload"`
	OccurredAt  time.Time          `gorm:"not null;index" json:"occurred_at"`

	IsProcessed bool `gorm:"index;not null" json:"is_processed"`

	// Publish metadata (dispatcher side; publish happens after commit).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_event_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_event_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	// Processing metadata (consumer side).
	LastProcessError *string    `gorm:"type:text" json:"last_process_error"`
	ProcessedAt      *time.Time `gorm:"index" json:"processed_at"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Publish lifecycle. The dispatch policy — what is claimable, when a record
// goes terminal, how a retry is scheduled — lives with the record so every
// dispatcher instance (and the replay endpoint) agrees on it.

// ClaimableEvents selects records a dispatcher may take, locked with SKIP
// LOCKED so concurrent dispatchers shard the backlog instead of colliding:
// PENDING or FAILED rows whose retry time has come, plus PROCESSING rows
// whose claim went stale because a dispatcher died mid-batch.
func ClaimableEvents(tx *gorm.DB, now, staleBefore time.Time, limit int) ([]MilestoneEventRecord, error) {
	var recs []MilestoneEventRecord
	err := tx.
		Where(`
			(
				publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			)
			OR
			(
				publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
			)
		`, []string{OutboxPublishStatusPending, OutboxPublishStatusFailed}, now,
			OutboxPublishStatusProcessing, staleBefore).
		Order("id ASC").
		Limit(limit).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Find(&recs).Error
	return recs, err
}

// AttemptsExhausted reports whether the record has used up its publish
// budget; zero maxAttempts means unlimited.
func (r *MilestoneEventRecord) AttemptsExhausted(maxAttempts int) bool {
	return maxAttempts > 0 && r.PublishAttempts >= maxAttempts
}

// ClaimEventForPublish moves a record to PROCESSING under the claimer's name
// and burns one attempt, mirroring the change onto r.
func ClaimEventForPublish(tx *gorm.DB, r *MilestoneEventRecord, claimedBy string, now time.Time) error {
	r.PublishStatus = OutboxPublishStatusProcessing
	r.LockedAt = &now
	r.LockedBy = &claimedBy
	r.PublishAttempts++
	r.LastPublishError = nil
	return tx.Model(&MilestoneEventRecord{}).Where("id = ?", r.ID).Updates(map[string]interface{}{
		"publish_status":     OutboxPublishStatusProcessing,
		"locked_at":          &now,
		"locked_by":          &claimedBy,
		"publish_attempts":   gorm.Expr("publish_attempts + 1"),
		"last_publish_error": nil,
		"next_attempt_at":    nil,
	}).Error
}

// MarkEventPublished records a successful publish and releases the claim.
func MarkEventPublished(db *gorm.DB, recordId int, pubsubMsgId string, now time.Time) error {
	return db.Model(&MilestoneEventRecord{}).
		Where("id = ?", recordId).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &pubsubMsgId,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

// MarkEventDead parks a record terminally; only the replay endpoint brings a
// DEAD record back.
func MarkEventDead(db *gorm.DB, recordId int, reason string) error {
	return db.Model(&MilestoneEventRecord{}).
		Where("id = ?", recordId).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusDead,
			"last_publish_error": &reason,
			"next_attempt_at":    nil,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
}

// ScheduleEventRetry releases the claim and queues the record for another
// publish attempt at next.
func ScheduleEventRetry(db *gorm.DB, recordId int, lastError string, next time.Time) error {
	return db.Model(&MilestoneEventRecord{}).
		Where("id = ?", recordId).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusFailed,
			"last_publish_error": &lastError,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
}

func ConvertToEventMessage(record MilestoneEventRecord) config.MilestoneEventMessage {
	return config.MilestoneEventMessage{
		ID:            record.ID,
		OrderId:       record.OrderId,
		MilestoneId:   record.MilestoneId,
		Stage:         string(record.Stage),
		Event:         string(record.EventType),
		ActorKind:     string(record.ActorKind),
		ActorId:       record.ActorId,
		Payload:       record.Payload,
		OccurredAt:    record.OccurredAt,
		CorrelationId: record.CorrelationId,
	}
}
