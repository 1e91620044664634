package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payment is one receipt applied against an invoice batch. Settlement with
// a processor is out of scope; this records what the customer paid.
type Payment struct {
	ID             int             `gorm:"primary_key" json:"id"`
	TenantId       string          `gorm:"index;not null" json:"tenant_id"`
	InvoiceBatchId int             `gorm:"index;not null" json:"invoice_batch_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	ReceivedDate   time.Time       `gorm:"not null" json:"received_date"`
	Method         string          `gorm:"size:30" json:"method"`
	Reference      string          `gorm:"size:100" json:"reference"`
	Note           string          `gorm:"type:text" json:"note"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewPayment struct {
	InvoiceBatchId int             `json:"invoice_batch_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	ReceivedDate   time.Time       `json:"received_date" binding:"required"`
	Method         string          `json:"method"`
	Reference      string          `json:"reference"`
	Note           string          `json:"note"`
}

// AgingEntry is one outstanding batch classified into its aging bucket.
// Derived on demand, never stored.
type AgingEntry struct {
	InvoiceBatchId  int                `json:"invoice_batch_id"`
	BatchNumber     string             `json:"batch_number"`
	CustomerId      int                `json:"customer_id"`
	Status          InvoiceBatchStatus `json:"status"`
	DueDate         *time.Time         `json:"due_date"`
	DaysOutstanding int                `json:"days_outstanding"`
	Bucket          AgingBucket        `json:"bucket"`
	Balance         decimal.Decimal    `json:"balance"`
}

// ReceivablesSummary is the dashboard roll-up across a tenant's open batches.
type ReceivablesSummary struct {
	TotalOutstanding decimal.Decimal                 `json:"total_outstanding"`
	DueToday         decimal.Decimal                 `json:"due_today"`
	DueWithin30Days  decimal.Decimal                 `json:"due_within_30_days"`
	Overdue          decimal.Decimal                 `json:"overdue"`
	ByBucket         map[AgingBucket]decimal.Decimal `json:"by_bucket"`
}

// RecordPayment applies a receipt to a submitted or approved batch. Partial
// payments accumulate; paying the batch in full cascades PAID onto every
// invoiced line in the same transaction. Overpayment is refused.
func RecordPayment(ctx context.Context, input *NewPayment) (*InvoiceBatch, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if !input.Amount.IsPositive() {
		return nil, errors.New("payment amount must be positive")
	}

	release, err := utils.TenantLock(ctx, tenantId, "invoiceBatch", "payment", "models", "RecordPayment")
	if err != nil {
		return nil, err
	}
	defer release()

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var batch InvoiceBatch
	if err := tx.WithContext(ctx).Where("tenant_id = ?", tenantId).First(&batch, input.InvoiceBatchId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if !batch.Status.Outstanding() {
		return nil, &StateConflictError{
			EntityType: EntityTypeInvoiceBatch, EntityId: batch.ID,
			From: string(batch.Status), To: string(BatchStatusPaid),
			Detail: "batch carries no receivable balance",
		}
	}

	newPaid := batch.PaidAmount.Add(input.Amount)
	if newPaid.GreaterThan(batch.Total) {
		return nil, errors.New("payment exceeds the outstanding balance")
	}

	payment := Payment{
		TenantId:       tenantId,
		InvoiceBatchId: batch.ID,
		Amount:         input.Amount,
		ReceivedDate:   input.ReceivedDate,
		Method:         input.Method,
		Reference:      input.Reference,
		Note:           input.Note,
	}
	if err := tx.WithContext(ctx).Create(&payment).Error; err != nil {
		return nil, err
	}

	oldStatus := batch.Status
	newStatus := BatchStatusPartialPaid
	if newPaid.Equal(batch.Total) {
		newStatus = BatchStatusPaid
	}
	updates := map[string]interface{}{
		"paid_amount": newPaid,
		"status":      newStatus,
	}
	if err := tx.Model(&InvoiceBatch{}).Where("id = ?", batch.ID).Updates(updates).Error; err != nil {
		return nil, err
	}

	if newStatus == BatchStatusPaid {
		lines, err := batchLines(ctx, tx, tenantId, batch.ID)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			if err := transitionLine(ctx, tx, line, LineStatusPaid, "batch "+batch.BatchNumber+" paid in full"); err != nil {
				return nil, err
			}
		}
	}
	if string(oldStatus) != string(newStatus) {
		if err := RecordStatusEvent(ctx, tx, tenantId, EntityTypeInvoiceBatch, batch.ID,
			string(oldStatus), string(newStatus), "payment "+input.Reference); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	batch.PaidAmount = newPaid
	batch.Status = newStatus
	return &batch, nil
}

// ComputeAging classifies every outstanding batch as of the given date.
// Draft batches are not receivables and are excluded. Days outstanding
// counts from the due date; not-yet-due balances sit in the 0-30 bucket.
func ComputeAging(ctx context.Context, asOf time.Time) ([]AgingEntry, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	var batches []*InvoiceBatch
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantId,
			[]InvoiceBatchStatus{BatchStatusSubmitted, BatchStatusApproved, BatchStatusPartialPaid}).
		Find(&batches).Error
	if err != nil {
		return nil, err
	}

	entries := make([]AgingEntry, 0, len(batches))
	for _, batch := range batches {
		entries = append(entries, agingEntryFor(batch, asOf))
	}
	return entries, nil
}

func agingEntryFor(batch *InvoiceBatch, asOf time.Time) AgingEntry {
	days := 0
	if batch.DueDate != nil {
		elapsed := int(asOf.Sub(*batch.DueDate).Hours() / 24)
		if elapsed > 0 {
			days = elapsed
		}
	}
	return AgingEntry{
		InvoiceBatchId:  batch.ID,
		BatchNumber:     batch.BatchNumber,
		CustomerId:      batch.CustomerId,
		Status:          batch.Status,
		DueDate:         batch.DueDate,
		DaysOutstanding: days,
		Bucket:          BucketForDays(days),
		Balance:         batch.Total.Sub(batch.PaidAmount),
	}
}

// ComputeReceivablesSummary rolls the aging entries up for the dashboard.
func ComputeReceivablesSummary(ctx context.Context, asOf time.Time) (*ReceivablesSummary, error) {
	entries, err := ComputeAging(ctx, asOf)
	if err != nil {
		return nil, err
	}

	summary := &ReceivablesSummary{
		TotalOutstanding: decimal.Zero,
		DueToday:         decimal.Zero,
		DueWithin30Days:  decimal.Zero,
		Overdue:          decimal.Zero,
		ByBucket:         make(map[AgingBucket]decimal.Decimal),
	}
	today := asOf.Truncate(24 * time.Hour)
	for _, e := range entries {
		summary.TotalOutstanding = summary.TotalOutstanding.Add(e.Balance)
		prev, okBucket := summary.ByBucket[e.Bucket]
		if !okBucket {
			prev = decimal.Zero
		}
		summary.ByBucket[e.Bucket] = prev.Add(e.Balance)

		if e.DueDate == nil {
			continue
		}
		due := e.DueDate.Truncate(24 * time.Hour)
		switch {
		case due.Equal(today):
			summary.DueToday = summary.DueToday.Add(e.Balance)
		case due.After(today) && !due.After(today.AddDate(0, 0, 30)):
			summary.DueWithin30Days = summary.DueWithin30Days.Add(e.Balance)
		case due.Before(today):
			summary.Overdue = summary.Overdue.Add(e.Balance)
		}
	}
	return summary, nil
}
