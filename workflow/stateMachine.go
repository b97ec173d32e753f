package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stitchbase/atelier_backend/models"
)

// AutoApprovalWindow is the fixed customer review window per submission.
const AutoApprovalWindow = 48 * time.Hour

// DeadlineWarningThreshold is how close to the deadline the one-time
// "approaching deadline" warning fires.
const DeadlineWarningThreshold = 6 * time.Hour

var (
	// ErrInvalidTransition: the requested action is not legal from the
	// milestone's current state. Surfaced to the caller, never retried.
	ErrInvalidTransition = errors.New("invalid milestone transition")

	// ErrNotPending: approve/reject/timeout on a milestone that is not
	// PENDING. A second approval of an already-approved milestone must fail
	// loudly, never silently succeed.
	ErrNotPending = errors.New("milestone is not pending review")

	// ErrValidation covers malformed input: unknown stage, empty rejection
	// reason, missing required photo.
	ErrValidation = errors.New("validation error")

	// ErrOrderNotInProduction: milestones may only be processed for orders in
	// an active production status.
	ErrOrderNotInProduction = errors.New("order is not in active production")

	// ErrNotOrderParticipant: the acting user is not the right party for the
	// requested action on this order.
	ErrNotOrderParticipant = errors.New("actor is not a participant of this order")
)

// ResolveOutcome is what a resolution does to a pending milestone.
type ResolveOutcome string

const (
	ResolveOutcomeApprove ResolveOutcome = "APPROVE"
	ResolveOutcomeReject  ResolveOutcome = "REJECT"
)

// ResolveEvent is the single internal event type behind both the interactive
// approve/reject path and the scheduler's timeout path. The actor tag keeps
// the audit trail; the transition logic is shared so the two paths cannot
// drift apart.
type ResolveEvent struct {
	Outcome   ResolveOutcome
	ActorKind models.ReviewerKind
	ActorId   int
	Reason    string
}

// NewHumanApproval is the interactive customer approval.
func NewHumanApproval(actorId int) ResolveEvent {
	return ResolveEvent{Outcome: ResolveOutcomeApprove, ActorKind: models.ReviewerKindHuman, ActorId: actorId}
}

// NewHumanRejection is the interactive customer rejection; reason is required.
func NewHumanRejection(actorId int, reason string) ResolveEvent {
	return ResolveEvent{Outcome: ResolveOutcomeReject, ActorKind: models.ReviewerKindHuman, ActorId: actorId, Reason: reason}
}

// NewSystemTimeout is the scheduler's synthetic approval once the review
// window elapses without customer action.
func NewSystemTimeout() ResolveEvent {
	return ResolveEvent{Outcome: ResolveOutcomeApprove, ActorKind: models.ReviewerKindSystem}
}

// ApplySubmit mutates m in place for a (re)submission at now. Valid from an
// empty record or REJECTED; PENDING and APPROVED refuse the event.
func ApplySubmit(m *models.Milestone, photoUrl *string, notes string, now time.Time) error {
	switch m.ApprovalStatus {
	case models.ApprovalStatusPending:
		if m.SubmittedAt != nil {
			return ErrInvalidTransition
		}
		// A freshly-created row defaults to PENDING before first submission.
	case models.ApprovalStatusApproved:
		return ErrInvalidTransition
	case models.ApprovalStatusRejected, "":
		// resubmission after rejection, or lazy creation
	default:
		return ErrInvalidTransition
	}

	if models.StagePhotoRequired(m.Stage) && (photoUrl == nil || strings.TrimSpace(*photoUrl) == "") {
		return errValidationf("stage %s requires photo evidence", m.Stage)
	}

	submittedAt := now
	deadline := now.Add(AutoApprovalWindow)

	m.PhotoUrl = photoUrl
	m.Notes = notes
	m.SubmittedAt = &submittedAt
	m.ApprovalStatus = models.ApprovalStatusPending
	m.AutoApprovalDeadline = &deadline
	m.ReviewedAt = nil
	m.ReviewedBy = nil
	m.ReviewerId = nil
	m.RejectionReason = nil
	m.WarningsSent = models.WarningThresholdSet{}
	return nil
}

// ApplyResolve mutates m in place for an approval or rejection at now.
// Valid only from PENDING with a prior submission.
func ApplyResolve(m *models.Milestone, ev ResolveEvent, now time.Time) error {
	if m.ApprovalStatus != models.ApprovalStatusPending || m.SubmittedAt == nil {
		return ErrNotPending
	}
	if ev.Outcome == ResolveOutcomeReject && strings.TrimSpace(ev.Reason) == "" {
		return errValidationf("rejection reason is required")
	}
	if ev.ActorKind == models.ReviewerKindSystem && !TimeoutDue(m, now) {
		// The sweep may only auto-approve once the deadline has passed.
		return ErrNotPending
	}

	reviewedAt := now
	kind := ev.ActorKind
	m.ReviewedAt = &reviewedAt
	m.ReviewedBy = &kind
	if ev.ActorKind == models.ReviewerKindHuman {
		actorId := ev.ActorId
		m.ReviewerId = &actorId
	}

	switch ev.Outcome {
	case ResolveOutcomeApprove:
		m.ApprovalStatus = models.ApprovalStatusApproved
	case ResolveOutcomeReject:
		reason := ev.Reason
		m.ApprovalStatus = models.ApprovalStatusRejected
		m.RejectionReason = &reason
	default:
		return ErrInvalidTransition
	}
	return nil
}

// TimeoutDue reports whether the sweep may auto-approve m at now.
func TimeoutDue(m *models.Milestone, now time.Time) bool {
	return m.ApprovalStatus == models.ApprovalStatusPending &&
		m.AutoApprovalDeadline != nil &&
		!now.Before(*m.AutoApprovalDeadline)
}

// WarningDue reports whether the deadline warning for threshold should fire
// at now: within the threshold window, not yet overdue, not already sent.
func WarningDue(m *models.Milestone, threshold time.Duration, now time.Time) bool {
	if m.ApprovalStatus != models.ApprovalStatusPending || m.AutoApprovalDeadline == nil {
		return false
	}
	if m.WarningsSent.Contains(ThresholdKey(threshold)) {
		return false
	}
	remaining := m.AutoApprovalDeadline.Sub(now)
	return remaining > 0 && remaining <= threshold
}

// ThresholdKey is the stable identifier stored in warnings_sent.
func ThresholdKey(threshold time.Duration) string {
	return threshold.String()
}

func errValidationf(format string, args ...interface{}) error {
	return validationError{msg: fmt.Sprintf(format, args...)}
}

type validationError struct {
	msg string
}

func (e validationError) Error() string { return e.msg }

func (e validationError) Is(target error) bool { return target == ErrValidation }
