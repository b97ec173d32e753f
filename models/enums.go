package models

// ApprovalStatus is the milestone review state. APPROVED is terminal;
// REJECTED re-enters PENDING on the next submission.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
)

// ReviewerKind tags who resolved a pending milestone. Human approvals and
// system timeouts share the same transition but keep a distinct audit trail.
type ReviewerKind string

const (
	ReviewerKindHuman  ReviewerKind = "HUMAN"
	ReviewerKindSystem ReviewerKind = "SYSTEM"
)

type EscrowTransactionStatus string

const (
	EscrowTransactionStatusProcessing EscrowTransactionStatus = "PROCESSING"
	EscrowTransactionStatusCompleted  EscrowTransactionStatus = "COMPLETED"
	EscrowTransactionStatusFailed     EscrowTransactionStatus = "FAILED"
)

// MilestoneEventType enumerates the transitions published to the event feed.
type MilestoneEventType string

const (
	MilestoneEventSubmitted       MilestoneEventType = "MILESTONE_SUBMITTED"
	MilestoneEventApproved        MilestoneEventType = "MILESTONE_APPROVED"
	MilestoneEventRejected        MilestoneEventType = "MILESTONE_REJECTED"
	MilestoneEventDeadlineWarning MilestoneEventType = "MILESTONE_DEADLINE_WARNING"
	MilestoneEventFundsReleased   MilestoneEventType = "MILESTONE_FUNDS_RELEASED"
)

type OrderStatus string

const (
	OrderStatusDraft        OrderStatus = "DRAFT"
	OrderStatusConfirmed    OrderStatus = "CONFIRMED"
	OrderStatusInProduction OrderStatus = "IN_PRODUCTION"
	OrderStatusDelivered    OrderStatus = "DELIVERED"
	OrderStatusCancelled    OrderStatus = "CANCELLED"
	OrderStatusDisputed     OrderStatus = "DISPUTED"
)

type UserRole string

const (
	UserRoleCustomer UserRole = "CUSTOMER"
	UserRoleTailor   UserRole = "TAILOR"
	UserRoleAdmin    UserRole = "ADMIN"
)

type NotificationType string

const (
	NotificationTypeMilestoneSubmitted NotificationType = "MILESTONE_SUBMITTED"
	NotificationTypeMilestoneApproved  NotificationType = "MILESTONE_APPROVED"
	NotificationTypeMilestoneRejected  NotificationType = "MILESTONE_REJECTED"
	NotificationTypeDeadlineWarning    NotificationType = "DEADLINE_WARNING"
	NotificationTypeFundsReleased      NotificationType = "FUNDS_RELEASED"
)

type SmsStatus string

const (
	SmsStatusQueued SmsStatus = "QUEUED"
	SmsStatusSent   SmsStatus = "SENT"
	SmsStatusFailed SmsStatus = "FAILED"
)

// Outbox publish states (dispatcher side).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
