package workflow

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/config"
	"github.com/stitchbase/atelier_backend/models"
)

const sweepBatchSize = 200

// AutoApprovalSweeper periodically auto-approves milestones whose 48h review
// window has lapsed and sends the one-time deadline warning beforehand. Every
// action it takes races the interactive handlers and other sweeper instances;
// all of them resolve through conditional updates, so the sweep needs no
// leader election. The Redis lock below only spares redundant scans.
type AutoApprovalSweeper struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Interval time.Duration
}

func NewAutoApprovalSweeper(db *gorm.DB, logger *logrus.Logger) *AutoApprovalSweeper {
	interval := 60 * time.Second
	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Second
		}
	}
	return &AutoApprovalSweeper{DB: db, Logger: logger, Interval: interval}
}

// Run blocks until ctx is done, sweeping once per interval.
func (s *AutoApprovalSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single warning + timeout pass. Exposed so one-shot
// invocations (cron-style deployments) can reuse the sweep without Run's
// ticker.
func (s *AutoApprovalSweeper) SweepOnce(ctx context.Context) {
	// Best effort: if Redis is down or another instance holds the lock, sweep
	// anyway; correctness lives in the conditional updates.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "lock:milestone-sweep", s.Interval, nil)
		if err == nil {
			defer lock.Release(context.Background())
		} else if err != redislock.ErrNotObtained {
			config.LogError(s.Logger, "workflow", "SweepOnce", "redis lock error", nil, err)
		}
	}

	if err := s.warningPass(ctx); err != nil {
		config.LogError(s.Logger, "workflow", "SweepOnce", "warning pass failed", nil, err)
	}
	if err := s.timeoutPass(ctx); err != nil {
		config.LogError(s.Logger, "workflow", "SweepOnce", "timeout pass failed", nil, err)
	}
}

func (s *AutoApprovalSweeper) timeoutPass(ctx context.Context) error {
	now := time.Now().UTC()
	var due []models.Milestone
	err := s.DB.WithContext(ctx).
		Where("approval_status = ? AND auto_approval_deadline <= ?", models.ApprovalStatusPending, now).
		Order("auto_approval_deadline asc").
		Limit(sweepBatchSize).
		Find(&due).Error
	if err != nil {
		return err
	}

	for _, m := range due {
		if err := ResolveMilestoneTimeout(ctx, s.DB, m.ID); err != nil {
			config.LogError(s.Logger, "workflow", "timeoutPass", "auto-approval failed", m, err)
			continue
		}
		s.Logger.WithFields(logrus.Fields{
			"module":       "workflow",
			"funcName":     "timeoutPass",
			"milestone_id": m.ID,
			"order_id":     m.OrderId,
			"stage":        m.Stage,
		}).Info("milestone auto-approved after review window lapse")
	}
	return nil
}

// warningPass sends the one-time "approaching deadline" notification. The
// persisted warnings_sent set plus a conditional update keep it at exactly
// one warning per (milestone, threshold) across instances and resubmissions.
func (s *AutoApprovalSweeper) warningPass(ctx context.Context) error {
	now := time.Now().UTC()
	horizon := now.Add(DeadlineWarningThreshold)

	var approaching []models.Milestone
	err := s.DB.WithContext(ctx).
		Where("approval_status = ? AND auto_approval_deadline > ? AND auto_approval_deadline <= ?",
			models.ApprovalStatusPending, now, horizon).
		Limit(sweepBatchSize).
		Find(&approaching).Error
	if err != nil {
		return err
	}

	for _, m := range approaching {
		m := m
		if !WarningDue(&m, DeadlineWarningThreshold, now) {
			continue
		}
		if err := s.sendWarning(ctx, &m, horizon); err != nil {
			config.LogError(s.Logger, "workflow", "warningPass", "deadline warning failed", m, err)
		}
	}
	return nil
}

func (s *AutoApprovalSweeper) sendWarning(ctx context.Context, m *models.Milestone, horizon time.Time) error {
	key := ThresholdKey(DeadlineWarningThreshold)
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// JSON_CONTAINS as the guard: the update only lands if this threshold
		// has not been recorded yet, whatever another instance did meanwhile.
		// The deadline bound keeps a reject->resubmit landing between scan and
		// update from stealing the warning for its fresh 48h window.
		res := tx.Model(&models.Milestone{}).
			Where("id = ? AND approval_status = ? AND auto_approval_deadline <= ? AND NOT JSON_CONTAINS(warnings_sent, JSON_QUOTE(?))",
				m.ID, models.ApprovalStatusPending, horizon, key).
			Update("warnings_sent", m.WarningsSent.With(key))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Resolved, resubmitted, or warned by another instance meanwhile.
			return nil
		}
		m.WarningsSent = m.WarningsSent.With(key)
		return models.PublishMilestoneEvent(ctx, tx, m, models.MilestoneEventDeadlineWarning, models.ReviewerKindSystem, 0)
	})
}
