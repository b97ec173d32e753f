package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stitchbase/atelier_backend/models"
)

func strPtr(s string) *string { return &s }

func pendingMilestone(stage models.MilestoneStage, submittedAt time.Time) *models.Milestone {
	deadline := submittedAt.Add(AutoApprovalWindow)
	return &models.Milestone{
		ID:                   1,
		OrderId:              10,
		Stage:                stage,
		PhotoUrl:             strPtr("https://storage.example/photo.jpg"),
		SubmittedAt:          &submittedAt,
		ApprovalStatus:       models.ApprovalStatusPending,
		AutoApprovalDeadline: &deadline,
	}
}

func TestApplySubmit_FirstSubmissionStartsReviewWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &models.Milestone{OrderId: 10, Stage: models.StageCuttingStarted}

	if err := ApplySubmit(m, strPtr("https://storage.example/cut.jpg"), "cut complete", now); err != nil {
		t.Fatalf("ApplySubmit: %v", err)
	}
	if m.ApprovalStatus != models.ApprovalStatusPending {
		t.Fatalf("expected PENDING, got %s", m.ApprovalStatus)
	}
	if m.SubmittedAt == nil || !m.SubmittedAt.Equal(now) {
		t.Fatalf("expected submitted_at=%s, got %v", now, m.SubmittedAt)
	}
	want := now.Add(48 * time.Hour)
	if m.AutoApprovalDeadline == nil || !m.AutoApprovalDeadline.Equal(want) {
		t.Fatalf("expected deadline=%s, got %v", want, m.AutoApprovalDeadline)
	}
}

func TestApplySubmit_PhotoRequiredStages(t *testing.T) {
	now := time.Now().UTC()

	for _, stage := range []models.MilestoneStage{
		models.StageFabricSourced,
		models.StageCuttingStarted,
		models.StageStitchingInProgress,
		models.StageFittingReady,
		models.StageReadyForDelivery,
	} {
		m := &models.Milestone{OrderId: 10, Stage: stage}
		if err := ApplySubmit(m, nil, "", now); !errors.Is(err, ErrValidation) {
			t.Fatalf("stage %s: expected ErrValidation without photo, got %v", stage, err)
		}
		m = &models.Milestone{OrderId: 10, Stage: stage}
		if err := ApplySubmit(m, strPtr("   "), "", now); !errors.Is(err, ErrValidation) {
			t.Fatalf("stage %s: expected ErrValidation for blank photo url, got %v", stage, err)
		}
	}

	for _, stage := range []models.MilestoneStage{
		models.StageMeasurementsConfirmed,
		models.StageFinishingTouches,
	} {
		m := &models.Milestone{OrderId: 10, Stage: stage}
		if err := ApplySubmit(m, nil, "no photo needed", now); err != nil {
			t.Fatalf("stage %s: expected photo-less submission to pass, got %v", stage, err)
		}
	}
}

func TestApplySubmit_RefusedWhilePendingOrApproved(t *testing.T) {
	now := time.Now().UTC()

	m := pendingMilestone(models.StageCuttingStarted, now.Add(-time.Hour))
	if err := ApplySubmit(m, strPtr("u"), "", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition while PENDING, got %v", err)
	}

	m = pendingMilestone(models.StageCuttingStarted, now.Add(-time.Hour))
	m.ApprovalStatus = models.ApprovalStatusApproved
	if err := ApplySubmit(m, strPtr("u"), "", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition while APPROVED, got %v", err)
	}
}

func TestApplySubmit_ResubmitAfterRejectionResetsReviewState(t *testing.T) {
	now := time.Now().UTC()
	submitted := now.Add(-72 * time.Hour)

	m := pendingMilestone(models.StageFittingReady, submitted)
	if err := ApplyResolve(m, NewHumanRejection(7, "sleeves too long"), submitted.Add(time.Hour)); err != nil {
		t.Fatalf("ApplyResolve(reject): %v", err)
	}
	m.WarningsSent = models.WarningThresholdSet{ThresholdKey(DeadlineWarningThreshold)}

	if err := ApplySubmit(m, strPtr("https://storage.example/fit2.jpg"), "fixed sleeves", now); err != nil {
		t.Fatalf("resubmit after rejection: %v", err)
	}
	if m.ApprovalStatus != models.ApprovalStatusPending {
		t.Fatalf("expected PENDING after resubmit, got %s", m.ApprovalStatus)
	}
	if m.ReviewedAt != nil || m.ReviewedBy != nil || m.ReviewerId != nil || m.RejectionReason != nil {
		t.Fatalf("expected review fields cleared on resubmit")
	}
	if len(m.WarningsSent) != 0 {
		t.Fatalf("expected warnings reset on resubmit, got %v", m.WarningsSent)
	}
	want := now.Add(AutoApprovalWindow)
	if m.AutoApprovalDeadline == nil || !m.AutoApprovalDeadline.Equal(want) {
		t.Fatalf("expected fresh 48h deadline, got %v", m.AutoApprovalDeadline)
	}
}

func TestApplyResolve_HumanApproval(t *testing.T) {
	now := time.Now().UTC()
	m := pendingMilestone(models.StageCuttingStarted, now.Add(-time.Hour))

	if err := ApplyResolve(m, NewHumanApproval(42), now); err != nil {
		t.Fatalf("ApplyResolve: %v", err)
	}
	if m.ApprovalStatus != models.ApprovalStatusApproved {
		t.Fatalf("expected APPROVED, got %s", m.ApprovalStatus)
	}
	if m.ReviewedBy == nil || *m.ReviewedBy != models.ReviewerKindHuman {
		t.Fatalf("expected reviewed_by=HUMAN, got %v", m.ReviewedBy)
	}
	if m.ReviewerId == nil || *m.ReviewerId != 42 {
		t.Fatalf("expected reviewer_id=42, got %v", m.ReviewerId)
	}
}

func TestApplyResolve_SecondResolutionFails(t *testing.T) {
	now := time.Now().UTC()
	m := pendingMilestone(models.StageCuttingStarted, now.Add(-time.Hour))

	if err := ApplyResolve(m, NewHumanApproval(42), now); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := ApplyResolve(m, NewHumanApproval(42), now); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on second approve, got %v", err)
	}
	if err := ApplyResolve(m, NewHumanRejection(42, "changed my mind"), now); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on reject after approve, got %v", err)
	}
}

func TestApplyResolve_RejectionRequiresReason(t *testing.T) {
	now := time.Now().UTC()
	m := pendingMilestone(models.StageCuttingStarted, now.Add(-time.Hour))

	if err := ApplyResolve(m, NewHumanRejection(42, "  "), now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for blank reason, got %v", err)
	}
	if m.ApprovalStatus != models.ApprovalStatusPending {
		t.Fatalf("milestone must stay PENDING after failed rejection, got %s", m.ApprovalStatus)
	}
}

func TestApplyResolve_SystemTimeoutBoundary(t *testing.T) {
	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := submitted.Add(AutoApprovalWindow)

	// One second before the deadline the sweep must not fire.
	m := pendingMilestone(models.StageCuttingStarted, submitted)
	if err := ApplyResolve(m, NewSystemTimeout(), deadline.Add(-time.Second)); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending before deadline, got %v", err)
	}

	// At the deadline exactly, and after, it may.
	for _, at := range []time.Time{deadline, deadline.Add(time.Second)} {
		m := pendingMilestone(models.StageCuttingStarted, submitted)
		if err := ApplyResolve(m, NewSystemTimeout(), at); err != nil {
			t.Fatalf("at %s: ApplyResolve(system): %v", at, err)
		}
		if m.ApprovalStatus != models.ApprovalStatusApproved {
			t.Fatalf("expected APPROVED, got %s", m.ApprovalStatus)
		}
		if m.ReviewedBy == nil || *m.ReviewedBy != models.ReviewerKindSystem {
			t.Fatalf("expected reviewed_by=SYSTEM, got %v", m.ReviewedBy)
		}
		if m.ReviewerId != nil {
			t.Fatalf("system approval must not set reviewer_id, got %v", m.ReviewerId)
		}
	}
}

func TestTimeoutDue(t *testing.T) {
	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := submitted.Add(AutoApprovalWindow)
	m := pendingMilestone(models.StageCuttingStarted, submitted)

	if TimeoutDue(m, deadline.Add(-time.Second)) {
		t.Fatal("timeout must not be due one second before the deadline")
	}
	if !TimeoutDue(m, deadline) {
		t.Fatal("timeout must be due exactly at the deadline")
	}
	if !TimeoutDue(m, deadline.Add(time.Second)) {
		t.Fatal("timeout must be due after the deadline")
	}

	m.ApprovalStatus = models.ApprovalStatusApproved
	if TimeoutDue(m, deadline.Add(time.Hour)) {
		t.Fatal("timeout must not be due for a resolved milestone")
	}
}

func TestWarningDue(t *testing.T) {
	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline := submitted.Add(AutoApprovalWindow)
	m := pendingMilestone(models.StageCuttingStarted, submitted)

	if WarningDue(m, DeadlineWarningThreshold, deadline.Add(-7*time.Hour)) {
		t.Fatal("warning must not fire outside the threshold window")
	}
	if !WarningDue(m, DeadlineWarningThreshold, deadline.Add(-6*time.Hour)) {
		t.Fatal("warning must fire at the threshold boundary")
	}
	if !WarningDue(m, DeadlineWarningThreshold, deadline.Add(-time.Minute)) {
		t.Fatal("warning must fire close to the deadline")
	}
	if WarningDue(m, DeadlineWarningThreshold, deadline) {
		t.Fatal("warning must not fire once the deadline has passed")
	}

	m.WarningsSent = m.WarningsSent.With(ThresholdKey(DeadlineWarningThreshold))
	if WarningDue(m, DeadlineWarningThreshold, deadline.Add(-time.Hour)) {
		t.Fatal("warning must not fire twice for the same threshold")
	}
}
