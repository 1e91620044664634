package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InvoiceBatch groups aggregated production for one customer and billing
// period into a submittable invoice. Draft batches are freely editable;
// submission freezes them and flips every claimed line in the same
// transaction. A batch and its lines never disagree about status.
type InvoiceBatch struct {
	ID          int        `gorm:"primary_key" json:"id"`
	TenantId    string     `gorm:"index;not null;uniqueIndex:idx_batch_seq,priority:1" json:"tenant_id"`
	SequenceNo  int64      `gorm:"not null;uniqueIndex:idx_batch_seq,priority:2" json:"sequence_no"`
	BatchNumber string     `gorm:"size:50;index;not null" json:"batch_number"`
	CustomerId  int        `gorm:"index;not null" json:"customer_id"`
	JobId       int        `gorm:"index" json:"job_id"`
	PeriodStart time.Time  `gorm:"not null" json:"period_start"`
	PeriodEnd   time.Time  `gorm:"not null" json:"period_end"`

	Status           InvoiceBatchStatus `gorm:"size:20;index;not null;default:'Draft'" json:"status"`
	RetainagePercent int                `gorm:"default:0" json:"retainage_percent"`
	Subtotal         decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	DeductionsTotal  decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"deductions_total"`
	RetainageAmount  decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"retainage_amount"`
	Total            decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"total"`
	PaidAmount       decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"paid_amount"`

	PaymentTerms  PaymentTerms `gorm:"size:20;default:'Net30'" json:"payment_terms"`
	CustomDueDays int          `gorm:"default:0" json:"custom_due_days"`
	InvoiceDate   *time.Time   `json:"invoice_date"`
	DueDate       *time.Time   `gorm:"index" json:"due_date"`
	SubmittedAt   *time.Time   `json:"submitted_at"`
	ApprovedAt    *time.Time   `json:"approved_at"`

	LineItems  []InvoiceBatchLineItem `gorm:"foreignKey:InvoiceBatchId" json:"line_items"`
	Deductions []Deduction            `gorm:"foreignKey:InvoiceBatchId" json:"deductions"`
	Checklist  []BatchChecklistItem   `gorm:"foreignKey:InvoiceBatchId" json:"checklist"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// InvoiceBatchLineItem is a persisted aggregate. The quantity breakdown is
// reconstructable from the claimed production lines (invoice_batch_id).
type InvoiceBatchLineItem struct {
	ID              int             `gorm:"primary_key" json:"id"`
	InvoiceBatchId  int             `gorm:"index;not null" json:"invoice_batch_id"`
	BillingCode     string          `gorm:"size:50;not null" json:"billing_code"`
	Description     string          `gorm:"size:255" json:"description"`
	Unit            string          `gorm:"size:20" json:"unit"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Rate            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"rate"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	RateCardId      int             `json:"rate_card_id"`
	RateCardVersion int             `json:"rate_card_version"`
	MinCompliance   int             `json:"min_compliance"`
	EvidenceCount   int             `json:"evidence_count"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// Deduction is a negative adjustment (backcharge, damage claim, rework).
// Every deduction carries its justification.
type Deduction struct {
	ID             int             `gorm:"primary_key" json:"id"`
	InvoiceBatchId int             `gorm:"index;not null" json:"invoice_batch_id"`
	Description    string          `gorm:"size:255;not null" json:"description"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Reason         string          `gorm:"type:text" json:"reason"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// BatchChecklistItem is the readiness snapshot frozen at submission time.
type BatchChecklistItem struct {
	ID             int       `gorm:"primary_key" json:"id"`
	InvoiceBatchId int       `gorm:"index;not null" json:"invoice_batch_id"`
	Name           string    `gorm:"size:100;not null" json:"name"`
	Required       bool      `gorm:"not null" json:"required"`
	Passed         bool      `gorm:"not null" json:"passed"`
	Detail         string    `gorm:"size:500" json:"detail"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ChecklistItem is the computed (unpersisted) readiness line.
type ChecklistItem struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail"`
}

type NewInvoiceBatch struct {
	CustomerId       int             `json:"customer_id" binding:"required"`
	JobId            int             `json:"job_id"`
	PeriodStart      time.Time       `json:"period_start" binding:"required"`
	PeriodEnd        time.Time       `json:"period_end" binding:"required"`
	LineIds          []int           `json:"line_ids" binding:"required"`
	Deductions       []NewDeduction  `json:"deductions"`
	RetainagePercent *int            `json:"retainage_percent"`
	PaymentTerms     PaymentTerms    `json:"payment_terms"`
	CustomDueDays    int             `json:"custom_due_days"`
}

type NewDeduction struct {
	Description string          `json:"description" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Reason      string          `json:"reason"`
}

func (input NewInvoiceBatch) validate() error {
	if input.PeriodEnd.Before(input.PeriodStart) {
		return errors.New("period_end must not precede period_start")
	}
	if len(input.LineIds) == 0 {
		return errors.New("batch requires at least one production line")
	}
	for _, d := range input.Deductions {
		if d.Amount.IsNegative() {
			return errors.New("deduction amounts are entered as positive values")
		}
	}
	return nil
}

// CreateInvoiceBatch assembles a DRAFT batch: prices and aggregates the
// listed READY lines, claims them, and computes totals. The invariant
// total == subtotal - deductions - retainage is established here and
// re-derived (never patched) on every recalculation.
func CreateInvoiceBatch(ctx context.Context, input *NewInvoiceBatch) (*InvoiceBatch, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	customer, err := utils.FetchModel[Customer](ctx, tenantId, input.CustomerId)
	if err != nil {
		return nil, errors.New("customer not found")
	}

	release, err := utils.TenantLock(ctx, tenantId, "invoiceBatch", "create", "models", "CreateInvoiceBatch")
	if err != nil {
		return nil, err
	}
	defer release()

	lines, err := PriceReadyLines(ctx, input.LineIds)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if line.CustomerId != input.CustomerId {
			return nil, fmt.Errorf("production line %d belongs to another customer", line.ID)
		}
		if line.InvoiceBatchId != 0 {
			return nil, &StateConflictError{
				EntityType: EntityTypeProductionLine, EntityId: line.ID,
				From: string(line.CurrentStatus), To: string(line.CurrentStatus),
				Detail: fmt.Sprintf("already claimed by invoice batch %d", line.InvoiceBatchId),
			}
		}
	}
	aggregates, err := AggregateLines(lines)
	if err != nil {
		return nil, err
	}

	retainagePercent := customer.DefaultRetainagePercent
	if input.RetainagePercent != nil {
		if *input.RetainagePercent < 0 || *input.RetainagePercent > 100 {
			return nil, errors.New("retainage percent must be between 0 and 100")
		}
		retainagePercent = *input.RetainagePercent
	}
	terms := input.PaymentTerms
	if terms == "" {
		terms = customer.DefaultPaymentTerms
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	seq, err := nextBatchSequence(ctx, tx, tenantId)
	if err != nil {
		return nil, err
	}

	batch := InvoiceBatch{
		TenantId:         tenantId,
		SequenceNo:       seq,
		BatchNumber:      formatBatchNumber(input.PeriodEnd, seq),
		CustomerId:       input.CustomerId,
		JobId:            input.JobId,
		PeriodStart:      input.PeriodStart,
		PeriodEnd:        input.PeriodEnd,
		Status:           BatchStatusDraft,
		RetainagePercent: retainagePercent,
		PaymentTerms:     terms,
		CustomDueDays:    input.CustomDueDays,
	}
	for _, agg := range aggregates {
		batch.LineItems = append(batch.LineItems, InvoiceBatchLineItem{
			BillingCode:     agg.BillingCode,
			Description:     agg.Description,
			Unit:            agg.Unit,
			Quantity:        agg.Quantity,
			Rate:            agg.Rate,
			Amount:          agg.Amount,
			RateCardId:      agg.RateCardId,
			RateCardVersion: agg.RateCardVersion,
			MinCompliance:   agg.MinCompliance,
			EvidenceCount:   agg.EvidenceCount,
		})
	}
	for _, d := range input.Deductions {
		batch.Deductions = append(batch.Deductions, Deduction{
			Description: d.Description,
			Amount:      d.Amount,
			Reason:      d.Reason,
		})
	}
	batch.recomputeTotals()

	if err := tx.WithContext(ctx).Create(&batch).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&ProductionLine{}).
		Where("tenant_id = ? AND id IN ?", tenantId, input.LineIds).
		Update("invoice_batch_id", batch.ID).Error; err != nil {
		return nil, err
	}
	if err := RecordStatusEvent(ctx, tx, tenantId, EntityTypeInvoiceBatch, batch.ID, "", string(BatchStatusDraft), "batch created"); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// recomputeTotals re-derives every money field from the batch's parts.
func (b *InvoiceBatch) recomputeTotals() {
	subtotal := decimal.Zero
	for _, item := range b.LineItems {
		subtotal = subtotal.Add(item.Amount)
	}
	deductions := decimal.Zero
	for _, d := range b.Deductions {
		deductions = deductions.Add(d.Amount)
	}
	retainage := subtotal.
		Mul(decimal.NewFromInt(int64(b.RetainagePercent))).
		Div(decimal.NewFromInt(100)).
		Round(2)

	b.Subtotal = subtotal
	b.DeductionsTotal = deductions
	b.RetainageAmount = retainage
	b.Total = subtotal.Sub(deductions).Sub(retainage)
}

func GetInvoiceBatch(ctx context.Context, id int) (*InvoiceBatch, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	return utils.FetchModel[InvoiceBatch](ctx, tenantId, id, "LineItems", "Deductions", "Checklist")
}

func batchLines(ctx context.Context, db *gorm.DB, tenantId string, batchId int) ([]*ProductionLine, error) {
	var lines []*ProductionLine
	err := db.WithContext(ctx).
		Preload("EvidenceAssets").
		Where("tenant_id = ? AND invoice_batch_id = ?", tenantId, batchId).
		Find(&lines).Error
	return lines, err
}

// EvaluateReadiness computes the submission checklist. Every required item
// must pass before SubmitInvoiceBatch will proceed; optional items only
// inform the biller.
func EvaluateReadiness(ctx context.Context, batchId int) ([]ChecklistItem, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	batch, err := utils.FetchModel[InvoiceBatch](ctx, tenantId, batchId, "LineItems", "Deductions")
	if err != nil {
		return nil, err
	}
	customer, err := utils.FetchModel[Customer](ctx, tenantId, batch.CustomerId)
	if err != nil {
		return nil, err
	}
	lines, err := batchLines(ctx, db, tenantId, batch.ID)
	if err != nil {
		return nil, err
	}

	items := make([]ChecklistItem, 0, 6)

	items = append(items, ChecklistItem{
		Name: "has-line-items", Required: true,
		Passed: len(batch.LineItems) > 0,
		Detail: fmt.Sprintf("%d aggregated line items", len(batch.LineItems)),
	})

	missingEvidence := 0
	for _, line := range lines {
		if len(line.EvidenceAssets) == 0 {
			missingEvidence++
		}
	}
	items = append(items, ChecklistItem{
		Name: "evidence-on-all-lines", Required: true,
		Passed: missingEvidence == 0,
		Detail: fmt.Sprintf("%d line(s) without evidence", missingEvidence),
	})

	minCompliance := 100
	for _, line := range lines {
		if line.ComplianceScore < minCompliance {
			minCompliance = line.ComplianceScore
		}
	}
	items = append(items, ChecklistItem{
		Name: "minimum-compliance-met", Required: true,
		Passed: len(lines) > 0 && minCompliance >= ComplianceApprovalThreshold,
		Detail: fmt.Sprintf("lowest line compliance %d (threshold %d)", minCompliance, ComplianceApprovalThreshold),
	})

	outOfPeriod := 0
	for _, line := range lines {
		if line.WorkDate.Before(batch.PeriodStart) || line.WorkDate.After(batch.PeriodEnd) {
			outOfPeriod++
		}
	}
	items = append(items, ChecklistItem{
		Name: "work-dates-within-period", Required: true,
		Passed: outOfPeriod == 0,
		Detail: fmt.Sprintf("%d line(s) dated outside the billing period", outOfPeriod),
	})

	unpriced := 0
	for _, line := range lines {
		if line.AppliedRateCardId == 0 {
			unpriced++
		}
	}
	items = append(items, ChecklistItem{
		Name: "rates-resolved-on-all-lines", Required: true,
		Passed: unpriced == 0,
		Detail: fmt.Sprintf("%d line(s) without a published rate applied", unpriced),
	})

	items = append(items, ChecklistItem{
		Name: "customer-billing-profile-complete", Required: true,
		Passed: customer.BillingProfileComplete(),
		Detail: "billing name, address and email on file",
	})

	undocumented := 0
	for _, d := range batch.Deductions {
		if d.Reason == "" {
			undocumented++
		}
	}
	items = append(items, ChecklistItem{
		Name: "deductions-documented", Required: false,
		Passed: undocumented == 0,
		Detail: fmt.Sprintf("%d deduction(s) without a reason", undocumented),
	})

	return items, nil
}

// ReadinessScore is the percentage of checklist items currently passing.
// Display only; submission gates on the required items, not the score.
func ReadinessScore(items []ChecklistItem) int {
	if len(items) == 0 {
		return 0
	}
	passed := 0
	for _, item := range items {
		if item.Passed {
			passed++
		}
	}
	return passed * 100 / len(items)
}

func failingRequired(items []ChecklistItem) []string {
	var failing []string
	for _, item := range items {
		if item.Required && !item.Passed {
			failing = append(failing, fmt.Sprintf("%s (%s)", item.Name, item.Detail))
		}
	}
	return failing
}

// SubmitInvoiceBatch flips a DRAFT batch and every claimed line in one
// transaction, under an advisory lock so two billers cannot race the same
// batch. A readiness failure returns *NotReadyError and mutates nothing.
func SubmitInvoiceBatch(ctx context.Context, batchId int) (*InvoiceBatch, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	release, err := utils.TenantLock(ctx, tenantId, "invoiceBatch", fmt.Sprint(batchId), "models", "SubmitInvoiceBatch")
	if err != nil {
		return nil, err
	}
	defer release()

	batch, err := utils.FetchModel[InvoiceBatch](ctx, tenantId, batchId, "LineItems", "Deductions")
	if err != nil {
		return nil, err
	}
	if batch.Status != BatchStatusDraft {
		return nil, &StateConflictError{
			EntityType: EntityTypeInvoiceBatch, EntityId: batch.ID,
			From: string(batch.Status), To: string(BatchStatusSubmitted),
			Detail: "only draft batches can be submitted",
		}
	}

	checklist, err := EvaluateReadiness(ctx, batchId)
	if err != nil {
		return nil, err
	}
	if failing := failingRequired(checklist); len(failing) > 0 {
		return nil, &NotReadyError{BatchId: batch.ID, FailingItems: failing}
	}

	customer, err := utils.FetchModel[Customer](ctx, tenantId, batch.CustomerId)
	if err != nil {
		return nil, err
	}
	terms := batch.PaymentTerms
	if terms == "" {
		terms = customer.DefaultPaymentTerms
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	lines, err := batchLines(ctx, tx, tenantId, batch.ID)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if err := transitionLine(ctx, tx, line, LineStatusInvoiced, "submitted in "+batch.BatchNumber); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	dueDate := calculateDueDate(now, terms, batch.CustomDueDays)
	updates := map[string]interface{}{
		"status":       BatchStatusSubmitted,
		"invoice_date": now,
		"due_date":     dueDate,
		"submitted_at": now,
	}
	if err := tx.Model(&InvoiceBatch{}).Where("id = ?", batch.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	for _, item := range checklist {
		snapshot := BatchChecklistItem{
			InvoiceBatchId: batch.ID,
			Name:           item.Name,
			Required:       item.Required,
			Passed:         item.Passed,
			Detail:         item.Detail,
		}
		if err := tx.WithContext(ctx).Create(&snapshot).Error; err != nil {
			return nil, err
		}
	}
	if err := RecordStatusEvent(ctx, tx, tenantId, EntityTypeInvoiceBatch, batch.ID,
		string(BatchStatusDraft), string(BatchStatusSubmitted), "submitted to "+customer.Name); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	batch.Status = BatchStatusSubmitted
	batch.InvoiceDate = &now
	batch.DueDate = dueDate
	batch.SubmittedAt = &now
	return batch, nil
}

// ApproveInvoiceBatch records customer acceptance of a submitted batch.
func ApproveInvoiceBatch(ctx context.Context, batchId int) (*InvoiceBatch, error) {
	return batchTransition(ctx, batchId, BatchStatusSubmitted, BatchStatusApproved, "", false)
}

// RejectInvoiceBatch pushes a submitted batch back and releases its lines to
// READY_TO_INVOICE so they can be corrected and rebatched. Reason required.
func RejectInvoiceBatch(ctx context.Context, batchId int, reason string) (*InvoiceBatch, error) {
	return batchTransition(ctx, batchId, BatchStatusSubmitted, BatchStatusRejected, reason, true)
}

func batchTransition(ctx context.Context, batchId int, from, to InvoiceBatchStatus, reason string, reasonRequired bool) (*InvoiceBatch, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if reasonRequired && reason == "" {
		return nil, &ReasonRequiredError{Action: "transition batch to " + string(to)}
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var batch InvoiceBatch
	if err := tx.WithContext(ctx).Where("tenant_id = ?", tenantId).First(&batch, batchId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if batch.Status != from {
		return nil, &StateConflictError{
			EntityType: EntityTypeInvoiceBatch, EntityId: batch.ID,
			From: string(batch.Status), To: string(to),
		}
	}

	updates := map[string]interface{}{"status": to}
	now := time.Now()
	if to == BatchStatusApproved {
		updates["approved_at"] = now
	}
	if err := tx.Model(&InvoiceBatch{}).Where("id = ?", batch.ID).Updates(updates).Error; err != nil {
		return nil, err
	}

	if to == BatchStatusRejected {
		lines, err := batchLines(ctx, tx, tenantId, batch.ID)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			if err := transitionLine(ctx, tx, line, LineStatusReadyToInvoice, "released by rejection of "+batch.BatchNumber); err != nil {
				return nil, err
			}
		}
		if err := tx.Model(&ProductionLine{}).
			Where("tenant_id = ? AND invoice_batch_id = ?", tenantId, batch.ID).
			Update("invoice_batch_id", 0).Error; err != nil {
			return nil, err
		}
	}

	if err := RecordStatusEvent(ctx, tx, tenantId, EntityTypeInvoiceBatch, batch.ID,
		string(from), string(to), reason); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	batch.Status = to
	if to == BatchStatusApproved {
		batch.ApprovedAt = &now
	}
	return &batch, nil
}
