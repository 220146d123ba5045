package models

// ReviewCheckStatus is the overall lifecycle state of a review check.
// FAILED is only reached when notification dispatch breaks after an approval
// and the escalation path is exhausted.
type ReviewCheckStatus string

const (
	ReviewCheckStatusActive ReviewCheckStatus = "ACTIVE"
	ReviewCheckStatusFailed ReviewCheckStatus = "FAILED"
)

// FulfillmentStatus tracks the gift code send for a review check.
type FulfillmentStatus string

const (
	FulfillmentStatusUnsent        FulfillmentStatus = "UNSENT"
	FulfillmentStatusSent          FulfillmentStatus = "SENT"
	FulfillmentStatusOutOfStock    FulfillmentStatus = "OUT_OF_STOCK"
	FulfillmentStatusNotConfigured FulfillmentStatus = "NOT_CONFIGURED"
)

// ReviewCheckTaskStatus is the outcome of one verification attempt.
type ReviewCheckTaskStatus string

const (
	TaskStatusPending          ReviewCheckTaskStatus = "PENDING"
	TaskStatusConfirmed        ReviewCheckTaskStatus = "CONFIRMED"
	TaskStatusAlreadyConfirmed ReviewCheckTaskStatus = "ALREADY_CONFIRMED"
	TaskStatusFailed           ReviewCheckTaskStatus = "FAILED"
	TaskStatusSkipped          ReviewCheckTaskStatus = "SKIPPED"
)

// ReviewCheckTaskKind distinguishes the fast pass right after submission from
// the delayed recheck pass.
type ReviewCheckTaskKind string

const (
	TaskKindFast    ReviewCheckTaskKind = "FAST"
	TaskKindRecheck ReviewCheckTaskKind = "RECHECK"
)

// ConfirmationStatus is derived from a check's tasks on every read; it is
// never stored (tasks can complete in either order).
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "PENDING"
	ConfirmationConfirmed ConfirmationStatus = "CONFIRMED"
	ConfirmationDuplicate ConfirmationStatus = "DUPLICATE"
	ConfirmationFailed    ConfirmationStatus = "FAILED"
)
