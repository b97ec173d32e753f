package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/config"
	"github.com/stitchbase/atelier_backend/models"
)

// OutboxDispatcher drains the milestone event outbox to Pub/Sub. Events are
// written inside the state-change transaction; the dispatcher is the only
// component that talks to the broker, so a Pub/Sub outage never blocks an
// approval or a submission. The eligibility and lifecycle rules live on
// models.MilestoneEventRecord; this loop only sequences them.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// dispatchOnce claims one batch inside a transaction, then publishes outside
// it: a slow broker must not hold row locks.
func (d *OutboxDispatcher) dispatchOnce(ctx context.Context) {
	db := d.DB
	if db == nil {
		return
	}
	now := time.Now().UTC()

	var claimed []models.MilestoneEventRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recs, err := models.ClaimableEvents(tx, now, now.Add(-d.LockTimeout), d.BatchSize)
		if err != nil || len(recs) == 0 {
			return err
		}
		for i := range recs {
			rec := &recs[i]
			// Poison events go terminal rather than starving the batch.
			if rec.AttemptsExhausted(d.MaxAttempts) {
				reason := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				if err := models.MarkEventDead(tx, rec.ID, reason); err != nil {
					return err
				}
				rec.PublishStatus = models.OutboxPublishStatusDead
				continue
			}
			if err := models.ClaimEventForPublish(tx, rec, d.DispatcherID, now); err != nil {
				return err
			}
		}
		claimed = recs
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, rec := range claimed {
		if rec.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		pubID, pubErr := config.PublishMilestoneEventWithResult(ctx, models.ConvertToEventMessage(rec))
		if pubErr != nil {
			d.handlePublishFailure(ctx, rec, pubErr)
			continue
		}
		_ = models.MarkEventPublished(db.WithContext(ctx), rec.ID, pubID, now)
	}
}

func (d *OutboxDispatcher) handlePublishFailure(ctx context.Context, rec models.MilestoneEventRecord, pubErr error) {
	db := d.DB.WithContext(ctx)

	if rec.AttemptsExhausted(d.MaxAttempts) {
		_ = models.MarkEventDead(db, rec.ID, pubErr.Error())
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":     "OutboxDispatcher",
				"order_id":  rec.OrderId,
				"record_id": rec.ID,
				"attempt":   rec.PublishAttempts,
			}).Error("outbox publish moved to DEAD after max attempts: " + pubErr.Error())
		}
		return
	}

	next := time.Now().UTC().Add(d.retryBackoff(rec.PublishAttempts))
	_ = models.ScheduleEventRetry(db, rec.ID, pubErr.Error(), next)
	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "OutboxDispatcher",
			"order_id":        rec.OrderId,
			"record_id":       rec.ID,
			"attempt":         rec.PublishAttempts,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("outbox publish failed: " + pubErr.Error())
	}
}

// retryBackoff doubles from InitialBackoff per prior attempt, capped at 10m.
func (d *OutboxDispatcher) retryBackoff(attempt int) time.Duration {
	const maxBackoff = 10 * time.Minute
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	return backoff
}
