package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/config"
	"github.com/stitchbase/atelier_backend/models"
	"github.com/stitchbase/atelier_backend/settlement"
	"github.com/stitchbase/atelier_backend/utils"
	"github.com/stitchbase/atelier_backend/workflow"
)

type fakeSettlementBackend struct {
	mu      sync.Mutex
	calls   int
	byKey   map[string]int
	failErr error
}

func newFakeSettlementBackend() *fakeSettlementBackend {
	return &fakeSettlementBackend{byKey: map[string]int{}}
}

func (f *fakeSettlementBackend) Settle(ctx context.Context, req settlement.SettleRequest) (*settlement.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.calls++
	f.byKey[req.IdempotencyKey]++
	return &settlement.SettleResult{Reference: "stl-" + req.IdempotencyKey}, nil
}

// End-to-end regression over a real MySQL: submit -> approve -> exactly one
// completed escrow release; duplicate approval and duplicate release are
// no-ops or loud errors, never second payouts; an overdue submission is
// auto-approved by the sweep path.
func TestMilestoneFlow_SubmitApproveRelease(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "atelier_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()
	db := config.GetDB()
	logger := logrus.New()

	customer := models.User{Name: "Customer", Email: "customer@test.local", Phone: "+959791111111", Role: models.UserRoleCustomer}
	tailor := models.User{Name: "Tailor", Email: "tailor@test.local", Phone: "+959792222222", Role: models.UserRoleTailor}
	if err := db.Create(&customer).Error; err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if err := db.Create(&tailor).Error; err != nil {
		t.Fatalf("create tailor: %v", err)
	}
	order := models.Order{
		OrderNumber: "T-0001",
		CustomerId:  customer.ID,
		TailorId:    tailor.ID,
		TotalAmount: decimal.RequireFromString("1000.00"),
		Status:      models.OrderStatusInProduction,
	}
	if err := db.Create(&order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}

	tailorCtx := utils.SetUserIdInContext(ctx, tailor.ID)

	// Submit with proof photo.
	m, err := workflow.SubmitMilestone(tailorCtx, order.ID, models.StageCuttingStarted,
		strPtr("https://storage.test/cut.jpg"), "cutting done")
	if err != nil {
		t.Fatalf("SubmitMilestone: %v", err)
	}
	if m.ApprovalStatus != models.ApprovalStatusPending {
		t.Fatalf("expected PENDING after submit, got %s", m.ApprovalStatus)
	}

	// The wrong party cannot approve.
	if _, err := workflow.ApproveMilestone(ctx, order.ID, models.StageCuttingStarted, tailor.ID); !errors.Is(err, workflow.ErrNotOrderParticipant) {
		t.Fatalf("expected ErrNotOrderParticipant for tailor approval, got %v", err)
	}

	approved, err := workflow.ApproveMilestone(ctx, order.ID, models.StageCuttingStarted, customer.ID)
	if err != nil {
		t.Fatalf("ApproveMilestone: %v", err)
	}
	if approved.ApprovalStatus != models.ApprovalStatusApproved {
		t.Fatalf("expected APPROVED, got %s", approved.ApprovalStatus)
	}

	// A second approval fails loudly.
	if _, err := workflow.ApproveMilestone(ctx, order.ID, models.StageCuttingStarted, customer.ID); !errors.Is(err, workflow.ErrNotPending) {
		t.Fatalf("expected ErrNotPending on second approval, got %v", err)
	}

	// An APPROVED event row was written in the same transaction.
	var eventCount int64
	if err := db.Model(&models.MilestoneEventRecord{}).
		Where("milestone_id = ? AND event_type = ?", approved.ID, models.MilestoneEventApproved).
		Count(&eventCount).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("expected 1 APPROVED event record, got %d", eventCount)
	}

	// Release: exactly one COMPLETED transaction for 15% of 1000.00.
	backend := newFakeSettlementBackend()
	processor := workflow.NewReleaseProcessor(db, logger, backend)
	if err := processor.ProcessRelease(ctx, approved.ID); err != nil {
		t.Fatalf("ProcessRelease: %v", err)
	}
	// Replaying the release (redelivered event) is a no-op.
	if err := processor.ProcessRelease(ctx, approved.ID); err != nil {
		t.Fatalf("ProcessRelease replay: %v", err)
	}

	var completed []models.EscrowTransaction
	if err := db.Where("milestone_id = ? AND status = ?", approved.ID, models.EscrowTransactionStatusCompleted).
		Find(&completed).Error; err != nil {
		t.Fatalf("load completed transactions: %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("expected exactly 1 COMPLETED transaction, got %d", len(completed))
	}
	if !completed[0].Amount.Equal(decimal.RequireFromString("150.00")) {
		t.Fatalf("expected release amount 150.00, got %s", completed[0].Amount)
	}
	if completed[0].SettlementRef == nil || *completed[0].SettlementRef == "" {
		t.Fatal("expected settlement reference on completed transaction")
	}
	if backend.calls != 1 {
		t.Fatalf("expected exactly 1 settlement call, got %d", backend.calls)
	}

	// Fan-out: approval notifies the tailor, with an SMS queued.
	if err := db.Transaction(func(tx *gorm.DB) error {
		return workflow.FanOutNotifications(ctx, tx, logger, models.ConvertToEventMessage(loadLatestEvent(t, db, approved.ID, models.MilestoneEventApproved)))
	}); err != nil {
		t.Fatalf("FanOutNotifications: %v", err)
	}
	var notifCount int64
	if err := db.Model(&models.Notification{}).
		Where("recipient_id = ? AND milestone_id = ?", tailor.ID, approved.ID).
		Count(&notifCount).Error; err != nil {
		t.Fatalf("count notifications: %v", err)
	}
	if notifCount == 0 {
		t.Fatal("expected an approval notification for the tailor")
	}

	// A PROCESSING row from an ambiguous settlement call blocks every later
	// automated attempt, however old the row is: the backend may have honored
	// the original idempotency key, and a new row would mint a new key.
	stitched, err := workflow.SubmitMilestone(tailorCtx, order.ID, models.StageStitchingInProgress,
		strPtr("https://storage.test/stitch.jpg"), "stitching done")
	if err != nil {
		t.Fatalf("SubmitMilestone (stitching): %v", err)
	}
	if _, err := workflow.ApproveMilestone(ctx, order.ID, models.StageStitchingInProgress, customer.ID); err != nil {
		t.Fatalf("ApproveMilestone (stitching): %v", err)
	}
	stuck := models.EscrowTransaction{
		OrderId:     order.ID,
		MilestoneId: stitched.ID,
		Stage:       stitched.Stage,
		Amount:      decimal.RequireFromString("200.00"),
		Status:      models.EscrowTransactionStatusProcessing,
	}
	if err := db.Create(&stuck).Error; err != nil {
		t.Fatalf("create stuck transaction: %v", err)
	}
	if err := db.Model(&models.EscrowTransaction{}).Where("id = ?", stuck.ID).
		Update("created_at", time.Now().UTC().Add(-2*time.Hour)).Error; err != nil {
		t.Fatalf("backdate stuck transaction: %v", err)
	}

	callsBefore := backend.calls
	if err := processor.ProcessRelease(ctx, stitched.ID); !errors.Is(err, workflow.ErrReleaseInFlight) {
		t.Fatalf("expected ErrReleaseInFlight for a stale PROCESSING row, got %v", err)
	}
	if backend.calls != callsBefore {
		t.Fatalf("settlement backend must not be called past an in-flight row, got %d extra calls", backend.calls-callsBefore)
	}
	var stitchedCompleted int64
	if err := db.Model(&models.EscrowTransaction{}).
		Where("milestone_id = ? AND status = ?", stitched.ID, models.EscrowTransactionStatusCompleted).
		Count(&stitchedCompleted).Error; err != nil {
		t.Fatalf("count stitching completions: %v", err)
	}
	if stitchedCompleted != 0 {
		t.Fatalf("no completion may exist while the outcome is ambiguous, got %d", stitchedCompleted)
	}

	// Only after reconciliation supersedes the stuck row may a retry settle.
	if err := db.Model(&models.EscrowTransaction{}).Where("id = ?", stuck.ID).
		Updates(map[string]interface{}{
			"status":         models.EscrowTransactionStatusFailed,
			"failure_reason": "superseded by reconciliation",
		}).Error; err != nil {
		t.Fatalf("supersede stuck transaction: %v", err)
	}
	if err := processor.ProcessRelease(ctx, stitched.ID); err != nil {
		t.Fatalf("ProcessRelease after reconcile: %v", err)
	}
	if backend.calls != callsBefore+1 {
		t.Fatalf("expected exactly 1 settlement call after reconcile, got %d", backend.calls-callsBefore)
	}
}

func TestMilestoneFlow_TimeoutAutoApproval(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "atelier_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	customer := models.User{Name: "Customer", Email: "customer2@test.local", Role: models.UserRoleCustomer}
	tailor := models.User{Name: "Tailor", Email: "tailor2@test.local", Role: models.UserRoleTailor}
	if err := db.Create(&customer).Error; err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if err := db.Create(&tailor).Error; err != nil {
		t.Fatalf("create tailor: %v", err)
	}
	order := models.Order{
		OrderNumber: "T-0002",
		CustomerId:  customer.ID,
		TailorId:    tailor.ID,
		TotalAmount: decimal.RequireFromString("500.00"),
		Status:      models.OrderStatusInProduction,
	}
	if err := db.Create(&order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}

	tailorCtx := utils.SetUserIdInContext(ctx, tailor.ID)
	m, err := workflow.SubmitMilestone(tailorCtx, order.ID, models.StageMeasurementsConfirmed, nil, "measured")
	if err != nil {
		t.Fatalf("SubmitMilestone: %v", err)
	}

	// Not overdue yet: the sweep path leaves it alone.
	if err := workflow.ResolveMilestoneTimeout(ctx, db, m.ID); err != nil {
		t.Fatalf("ResolveMilestoneTimeout (not due): %v", err)
	}
	fresh, err := models.GetMilestoneById(db, m.ID)
	if err != nil {
		t.Fatalf("reload milestone: %v", err)
	}
	if fresh.ApprovalStatus != models.ApprovalStatusPending {
		t.Fatalf("milestone must stay PENDING before the deadline, got %s", fresh.ApprovalStatus)
	}

	// Backdate the deadline past the 48h window (T+49h).
	past := time.Now().UTC().Add(-time.Hour)
	if err := db.Model(&models.Milestone{}).Where("id = ?", m.ID).
		Update("auto_approval_deadline", past).Error; err != nil {
		t.Fatalf("backdate deadline: %v", err)
	}

	if err := workflow.ResolveMilestoneTimeout(ctx, db, m.ID); err != nil {
		t.Fatalf("ResolveMilestoneTimeout: %v", err)
	}
	fresh, err = models.GetMilestoneById(db, m.ID)
	if err != nil {
		t.Fatalf("reload milestone: %v", err)
	}
	if fresh.ApprovalStatus != models.ApprovalStatusApproved {
		t.Fatalf("expected auto-approval, got %s", fresh.ApprovalStatus)
	}
	if fresh.ReviewedBy == nil || *fresh.ReviewedBy != models.ReviewerKindSystem {
		t.Fatalf("expected reviewed_by=SYSTEM, got %v", fresh.ReviewedBy)
	}

	// Idempotent: a second sweep pass is a benign no-op.
	if err := workflow.ResolveMilestoneTimeout(ctx, db, m.ID); err != nil {
		t.Fatalf("ResolveMilestoneTimeout replay: %v", err)
	}
	var eventCount int64
	if err := db.Model(&models.MilestoneEventRecord{}).
		Where("milestone_id = ? AND event_type = ?", m.ID, models.MilestoneEventApproved).
		Count(&eventCount).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != 1 {
		t.Fatalf("expected exactly 1 APPROVED event despite replay, got %d", eventCount)
	}

	// Deadline warning: sent once inside the 6h window, and a rejection
	// followed by resubmission opens a fresh 48h window that gets no warning
	// until its own 6h mark.
	logger := logrus.New()
	sweeper := workflow.NewAutoApprovalSweeper(db, logger)
	warnKey := workflow.ThresholdKey(workflow.DeadlineWarningThreshold)

	finishing, err := workflow.SubmitMilestone(tailorCtx, order.ID, models.StageFinishingTouches, nil, "hemming")
	if err != nil {
		t.Fatalf("SubmitMilestone (finishing): %v", err)
	}
	soon := time.Now().UTC().Add(3 * time.Hour)
	if err := db.Model(&models.Milestone{}).Where("id = ?", finishing.ID).
		Update("auto_approval_deadline", soon).Error; err != nil {
		t.Fatalf("move deadline into warning window: %v", err)
	}

	sweeper.SweepOnce(ctx)
	sweeper.SweepOnce(ctx)

	warned, err := models.GetMilestoneById(db, finishing.ID)
	if err != nil {
		t.Fatalf("reload milestone: %v", err)
	}
	if !warned.WarningsSent.Contains(warnKey) {
		t.Fatalf("expected %s warning recorded, got %v", warnKey, warned.WarningsSent)
	}
	if warned.ApprovalStatus != models.ApprovalStatusPending {
		t.Fatalf("warning must not resolve the milestone, got %s", warned.ApprovalStatus)
	}
	var warnEvents int64
	if err := db.Model(&models.MilestoneEventRecord{}).
		Where("milestone_id = ? AND event_type = ?", finishing.ID, models.MilestoneEventDeadlineWarning).
		Count(&warnEvents).Error; err != nil {
		t.Fatalf("count warning events: %v", err)
	}
	if warnEvents != 1 {
		t.Fatalf("expected exactly 1 deadline warning event, got %d", warnEvents)
	}

	if _, err := workflow.RejectMilestone(ctx, order.ID, models.StageFinishingTouches, customer.ID, "hem uneven"); err != nil {
		t.Fatalf("RejectMilestone: %v", err)
	}
	if _, err := workflow.SubmitMilestone(tailorCtx, order.ID, models.StageFinishingTouches, nil, "hem redone"); err != nil {
		t.Fatalf("resubmit after rejection: %v", err)
	}

	sweeper.SweepOnce(ctx)

	resubmitted, err := models.GetMilestoneById(db, finishing.ID)
	if err != nil {
		t.Fatalf("reload resubmitted milestone: %v", err)
	}
	if resubmitted.WarningsSent.Contains(warnKey) {
		t.Fatalf("fresh 48h window must carry no warning, got %v", resubmitted.WarningsSent)
	}
	if err := db.Model(&models.MilestoneEventRecord{}).
		Where("milestone_id = ? AND event_type = ?", finishing.ID, models.MilestoneEventDeadlineWarning).
		Count(&warnEvents).Error; err != nil {
		t.Fatalf("recount warning events: %v", err)
	}
	if warnEvents != 1 {
		t.Fatalf("resubmission must not trigger an early warning, got %d events", warnEvents)
	}
}

func strPtr(s string) *string { return &s }

func loadLatestEvent(t *testing.T, db *gorm.DB, milestoneId int, eventType models.MilestoneEventType) models.MilestoneEventRecord {
	t.Helper()
	var rec models.MilestoneEventRecord
	if err := db.Where("milestone_id = ? AND event_type = ?", milestoneId, eventType).
		Order("id DESC").First(&rec).Error; err != nil {
		t.Fatalf("load %s event: %v", eventType, err)
	}
	return rec
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("atelier-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("atelier-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=atelier_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
