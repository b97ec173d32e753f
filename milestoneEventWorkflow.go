package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/config"
	"github.com/stitchbase/atelier_backend/models"
	"github.com/stitchbase/atelier_backend/settlement"
	"github.com/stitchbase/atelier_backend/utils"
	"github.com/stitchbase/atelier_backend/workflow"
)

var (
	orderMutexMap = make(map[int]*sync.Mutex)
	globalMutex   = &sync.Mutex{}
)

var (
	settlementBackendOnce sync.Once
	settlementBackend     settlement.Backend
	settlementBackendErr  error
)

func getSettlementBackend() (settlement.Backend, error) {
	settlementBackendOnce.Do(func() {
		settlementBackend, settlementBackendErr = settlement.NewHTTPBackend()
	})
	return settlementBackend, settlementBackendErr
}

// RunMilestoneEventWorkflow consumes milestone events from a pull
// subscription. This is the alternative to the /pubsub push endpoint for
// deployments that are not behind a push-capable frontend.
func RunMilestoneEventWorkflow(ctx context.Context, db *gorm.DB, logger *logrus.Logger, backend settlement.Backend) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.MilestoneEventMessage{}
		err := json.Unmarshal(msg.Data, &m)
		if err != nil {
			config.LogError(logger, "milestoneEventWorkflow.go", "RunMilestoneEventWorkflow", "Unmarshaling pubsub message", msg.Data, err)
			// Poisoned payload: ack/drop instead of looping.
			msg.Ack()
			return
		}

		// Per-order in-process serialization; cross-instance ordering rides on
		// the MySQL advisory lock inside processing.
		globalMutex.Lock()
		mutex, exists := orderMutexMap[m.OrderId]
		if !exists {
			mutex = &sync.Mutex{}
			orderMutexMap[m.OrderId] = mutex
		}
		globalMutex.Unlock()

		mutex.Lock()
		defer mutex.Unlock()

		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, m.CorrelationId)
		if err := processMilestoneEventWith(ctx, db, logger, backend, m, msg.ID); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "MilestoneEventWorkflow",
				"order_id":   m.OrderId,
				"event":      m.Event,
				"message_id": msg.ID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	return sub.Receive(ctx, callback)
}

// ProcessMilestoneEvent handles one event delivered by the push endpoint.
func ProcessMilestoneEvent(ctx context.Context, logger *logrus.Logger, m config.MilestoneEventMessage, messageId string) error {
	backend, err := getSettlementBackend()
	if err != nil {
		return err
	}
	return processMilestoneEventWith(ctx, config.GetDB(), logger, backend, m, messageId)
}

// processMilestoneEventWith runs the consumer-side work for one milestone
// event: notification fan-out under an idempotency key, then (for APPROVED
// events) the escrow release. The release runs after the fan-out transaction
// commits because it makes an external call; its own ledger guards make it
// idempotent, so a crash between the two phases only costs a retry.
func processMilestoneEventWith(ctx context.Context, db *gorm.DB, logger *logrus.Logger, backend settlement.Backend, m config.MilestoneEventMessage, messageId string) error {
	handlerName := m.Event
	// Key on the outbox record id when present: the dispatcher may publish a
	// record more than once, and each publish gets a fresh Pub/Sub message id.
	if m.ID > 0 {
		messageId = strconv.Itoa(m.ID)
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := workflow.AcquireOrderLock(tx, m.OrderId); err != nil {
			return err
		}
		defer workflow.ReleaseOrderLock(tx, m.OrderId)

		skip, err := workflow.BeginIdempotency(tx, handlerName, messageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		if err := workflow.FanOutNotifications(ctx, tx, logger, m); err != nil {
			return err
		}
		if err := workflow.MarkIdempotencySucceeded(tx, handlerName, messageId); err != nil {
			return err
		}

		if m.ID > 0 {
			if err := markEventProcessed(tx, m.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Outside the rolled-back tx so the FAILED mark actually persists.
		// An in-progress signal belongs to another worker; leave its row alone.
		if !errors.Is(err, workflow.ErrIdempotencyInProgress) {
			_ = workflow.MarkIdempotencyFailed(db.WithContext(ctx), handlerName, messageId, err)
		}
		return err
	}

	if models.MilestoneEventType(m.Event) == models.MilestoneEventApproved {
		processor := workflow.NewReleaseProcessor(db, logger, backend)
		if err := processor.ProcessRelease(ctx, m.MilestoneId); err != nil {
			return err
		}
	}
	return nil
}

func markEventProcessed(tx *gorm.DB, recordId int) error {
	now := time.Now().UTC()
	return tx.Model(&models.MilestoneEventRecord{}).
		Where("id = ?", recordId).
		Updates(map[string]interface{}{
			"is_processed": true,
			"processed_at": &now,
		}).Error
}
