package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/utils"
)

// WarningThresholdSet records which deadline-warning thresholds have already
// been notified for a milestone, so warnings stay idempotent across sweeps
// and scheduler instances. Persisted as a JSON array on the milestone row
// (never in-memory state: it must survive restarts).
type WarningThresholdSet []string

func (s WarningThresholdSet) Contains(threshold string) bool {
	for _, v := range s {
		if v == threshold {
			return true
		}
	}
	return false
}

func (s WarningThresholdSet) With(threshold string) WarningThresholdSet {
	if s.Contains(threshold) {
		return s
	}
	out := make(WarningThresholdSet, 0, len(s)+1)
	out = append(out, s...)
	out = append(out, threshold)
	return out
}

func (s WarningThresholdSet) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *WarningThresholdSet) Scan(value interface{}) error {
	if value == nil {
		*s = WarningThresholdSet{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into WarningThresholdSet", value)
	}
	if len(raw) == 0 {
		*s = WarningThresholdSet{}
		return nil
	}
	return json.Unmarshal(raw, s)
}

// Milestone is one row per (order, stage), created lazily on first submission.
//
// Ownership: only the approval state machine mutates approval_status and the
// review fields. The row is mutable only while PENDING; APPROVED is terminal.
type Milestone struct {
	ID      int            `gorm:"primary_key" json:"id"`
	OrderId int            `gorm:"not null;index;uniqueIndex:uniq_order_stage,priority:1" json:"order_id"`
	Stage   MilestoneStage `gorm:"size:40;not null;uniqueIndex:uniq_order_stage,priority:2" json:"stage"`

	PhotoUrl    *string    `gorm:"size:1024" json:"photo_url"`
	Notes       string     `gorm:"type:text" json:"notes"`
	SubmittedAt *time.Time `gorm:"index" json:"submitted_at"`

	ApprovalStatus       ApprovalStatus `gorm:"size:20;not null;default:'PENDING';index;index:idx_milestone_sweep,priority:1" json:"approval_status"`
	AutoApprovalDeadline *time.Time     `gorm:"index;index:idx_milestone_sweep,priority:2" json:"auto_approval_deadline"`

	ReviewedAt      *time.Time    `json:"reviewed_at"`
	ReviewedBy      *ReviewerKind `gorm:"size:10" json:"reviewed_by"`
	ReviewerId      *int          `json:"reviewer_id"`
	RejectionReason *string       `gorm:"type:text" json:"rejection_reason"`

	WarningsSent WarningThresholdSet `gorm:"type:json" json:"warnings_sent"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetMilestone(tx *gorm.DB, orderId int, stage MilestoneStage) (*Milestone, error) {
	var m Milestone
	if err := tx.Where("order_id = ? AND stage = ?", orderId, stage).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &m, nil
}

func GetMilestoneById(tx *gorm.DB, milestoneId int) (*Milestone, error) {
	var m Milestone
	if err := tx.Where("id = ?", milestoneId).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &m, nil
}

// GetMilestonesByOrder returns the order's milestones in catalog order.
func GetMilestonesByOrder(tx *gorm.DB, orderId int) ([]Milestone, error) {
	var rows []Milestone
	if err := tx.Where("order_id = ?", orderId).Find(&rows).Error; err != nil {
		return nil, err
	}
	byStage := make(map[MilestoneStage]Milestone, len(rows))
	for _, m := range rows {
		byStage[m.Stage] = m
	}
	ordered := make([]Milestone, 0, len(rows))
	for _, sw := range stageCatalog {
		if m, ok := byStage[sw.Stage]; ok {
			ordered = append(ordered, m)
		}
	}
	return ordered, nil
}
