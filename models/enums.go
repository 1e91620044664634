package models

// ProductionLineStatus is the ledger state of one field-reported unit of work.
type ProductionLineStatus string

const (
	LineStatusNew            ProductionLineStatus = "NEW"
	LineStatusPendingReview  ProductionLineStatus = "PENDING_REVIEW"
	LineStatusReviewed       ProductionLineStatus = "REVIEWED"
	LineStatusNeedsInfo      ProductionLineStatus = "NEEDS_INFO"
	LineStatusReadyToInvoice ProductionLineStatus = "READY_TO_INVOICE"
	LineStatusInvoiced       ProductionLineStatus = "INVOICED"
	LineStatusPaid           ProductionLineStatus = "PAID"
	LineStatusRejected       ProductionLineStatus = "REJECTED"
	LineStatusOnHold         ProductionLineStatus = "ON_HOLD"
)

// IsTerminal reports whether the status accepts no further transitions
// (REJECTED can still be reopened into NEEDS_INFO with a reason).
func (s ProductionLineStatus) IsTerminal() bool {
	return s == LineStatusPaid
}

func (s ProductionLineStatus) IsPreInvoiced() bool {
	switch s {
	case LineStatusNew, LineStatusPendingReview, LineStatusReviewed,
		LineStatusNeedsInfo, LineStatusReadyToInvoice, LineStatusOnHold:
		return true
	}
	return false
}

// InvoiceBatchStatus is the customer-facing billing state.
type InvoiceBatchStatus string

const (
	BatchStatusDraft       InvoiceBatchStatus = "Draft"
	BatchStatusSubmitted   InvoiceBatchStatus = "Submitted"
	BatchStatusApproved    InvoiceBatchStatus = "Approved"
	BatchStatusPartialPaid InvoiceBatchStatus = "Partial Paid"
	BatchStatusPaid        InvoiceBatchStatus = "Paid"
	BatchStatusRejected    InvoiceBatchStatus = "Rejected"
)

// Open reports whether the batch still claims its production lines.
func (s InvoiceBatchStatus) Open() bool {
	return s != BatchStatusRejected
}

// Outstanding reports whether the batch carries a receivable balance.
func (s InvoiceBatchStatus) Outstanding() bool {
	switch s {
	case BatchStatusSubmitted, BatchStatusApproved, BatchStatusPartialPaid:
		return true
	}
	return false
}

// ValidationSeverity ranks rule outcomes.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "ERROR"
	SeverityWarning ValidationSeverity = "WARNING"
	SeverityInfo    ValidationSeverity = "INFO"
)

// Compliance score weights per failed result. A single ERROR failure must
// cap the score below the approval threshold.
const (
	ComplianceApprovalThreshold = 80
	weightError                 = 30
	weightWarning               = 10
	weightInfo                  = 2
)

func severityWeight(s ValidationSeverity) int {
	switch s {
	case SeverityError:
		return weightError
	case SeverityWarning:
		return weightWarning
	case SeverityInfo:
		return weightInfo
	}
	return 0
}

// WorkType classifies field construction services.
type WorkType string

const (
	WorkTypeAerial      WorkType = "Aerial"
	WorkTypeUnderground WorkType = "Underground"
	WorkTypeFiberStrand WorkType = "Fiber Strand"
	WorkTypeOverlash    WorkType = "Overlash"
)

// EvidenceType classifies captured evidence assets.
type EvidenceType string

const (
	EvidencePhoto    EvidenceType = "Photo"
	EvidenceDocument EvidenceType = "Document"
	EvidenceForm     EvidenceType = "Form"
)

// PaymentTerms drive due-date derivation on batch submission.
type PaymentTerms string

const (
	PaymentTermsDueOnReceipt      PaymentTerms = "DueOnReceipt"
	PaymentTermsNet15             PaymentTerms = "Net15"
	PaymentTermsNet30             PaymentTerms = "Net30"
	PaymentTermsNet45             PaymentTerms = "Net45"
	PaymentTermsNet60             PaymentTerms = "Net60"
	PaymentTermsDueEndOfMonth     PaymentTerms = "DueMonthEnd"
	PaymentTermsDueEndOfNextMonth PaymentTerms = "DueNextMonthEnd"
	PaymentTermsCustom            PaymentTerms = "Custom"
)

// AgingBucket is a fixed day-range classification of overdue receivables.
type AgingBucket string

const (
	AgingBucketCurrent AgingBucket = "0-30"
	AgingBucket31To60  AgingBucket = "31-60"
	AgingBucket61To90  AgingBucket = "61-90"
	AgingBucket90Plus  AgingBucket = "90+"
)

// BucketForDays maps days outstanding to its aging bucket.
func BucketForDays(days int) AgingBucket {
	switch {
	case days <= 30:
		return AgingBucketCurrent
	case days <= 60:
		return AgingBucket31To60
	case days <= 90:
		return AgingBucket61To90
	default:
		return AgingBucket90Plus
	}
}

// Outbox publish lifecycle for status-change events.
type OutboxPublishStatus string

const (
	OutboxPublishStatusPending OutboxPublishStatus = "PENDING"
	OutboxPublishStatusSent    OutboxPublishStatus = "SENT"
	OutboxPublishStatusFailed  OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead    OutboxPublishStatus = "DEAD"
)

// Entity tags used on status events and batch history rows.
const (
	EntityTypeProductionLine = "production_line"
	EntityTypeInvoiceBatch   = "invoice_batch"
)
