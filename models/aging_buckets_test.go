package models_test

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/models"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
)

func TestBucketForDays(t *testing.T) {
	cases := []struct {
		days int
		want models.AgingBucket
	}{
		{0, models.AgingBucketCurrent},
		{30, models.AgingBucketCurrent},
		{31, models.AgingBucket31To60},
		{45, models.AgingBucket31To60},
		{60, models.AgingBucket31To60},
		{61, models.AgingBucket61To90},
		{90, models.AgingBucket61To90},
		{91, models.AgingBucket90Plus},
		{365, models.AgingBucket90Plus},
	}
	for _, tc := range cases {
		if got := models.BucketForDays(tc.days); got != tc.want {
			t.Fatalf("BucketForDays(%d) = %s, want %s", tc.days, got, tc.want)
		}
	}
}

// submittedBatch builds one submitted batch and returns it.
func submittedBatch(t *testing.T, ctx context.Context, customerId, jobId int, externalId string) *models.InvoiceBatch {
	t.Helper()
	workWeek := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	line := readyLine(t, ctx, jobId, externalId, "3700", workWeek)
	batch, err := models.CreateInvoiceBatch(ctx, &models.NewInvoiceBatch{
		CustomerId:  customerId,
		PeriodStart: workWeek,
		PeriodEnd:   workWeek.AddDate(0, 0, 6),
		LineIds:     []int{line.ID},
	})
	if err != nil {
		t.Fatalf("CreateInvoiceBatch: %v", err)
	}
	submitted, err := models.SubmitInvoiceBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("SubmitInvoiceBatch: %v", err)
	}
	return submitted
}

func TestComputeAgingClassifiesOverdueBatches(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.45", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	batch := submittedBatch(t, ctx, customer.ID, job.ID, "EXT-AGE-1")

	// 45 days past due lands in the 31-60 bucket.
	asOf := batch.DueDate.AddDate(0, 0, 45)
	entries, err := models.ComputeAging(ctx, asOf)
	if err != nil {
		t.Fatalf("ComputeAging: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.DaysOutstanding != 45 {
		t.Fatalf("days outstanding = %d, want 45", entry.DaysOutstanding)
	}
	if entry.Bucket != models.AgingBucket31To60 {
		t.Fatalf("bucket = %s, want 31-60", entry.Bucket)
	}
	if !entry.Balance.Equal(batch.Total) {
		t.Fatalf("balance = %s, want %s", entry.Balance, batch.Total)
	}

	// Before the due date the batch sits in the current bucket.
	early, err := models.ComputeAging(ctx, batch.DueDate.AddDate(0, 0, -5))
	if err != nil {
		t.Fatalf("ComputeAging: %v", err)
	}
	if early[0].DaysOutstanding != 0 || early[0].Bucket != models.AgingBucketCurrent {
		t.Fatalf("early entry = %+v, want 0 days in 0-30", early[0])
	}
}

func TestDraftBatchesAreNotReceivables(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.45", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	workWeek := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	line := readyLine(t, ctx, job.ID, "EXT-DRAFT-1", "1000", workWeek)
	if _, err := models.CreateInvoiceBatch(ctx, &models.NewInvoiceBatch{
		CustomerId:  customer.ID,
		PeriodStart: workWeek,
		PeriodEnd:   workWeek.AddDate(0, 0, 6),
		LineIds:     []int{line.ID},
	}); err != nil {
		t.Fatalf("CreateInvoiceBatch: %v", err)
	}

	entries, err := models.ComputeAging(ctx, time.Now())
	if err != nil {
		t.Fatalf("ComputeAging: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %d, want 0 (drafts excluded)", len(entries))
	}
}

func TestPartialThenFullPaymentCascadesToLines(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.45", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	batch := submittedBatch(t, ctx, customer.ID, job.ID, "EXT-PAY-1")

	partial, err := models.RecordPayment(ctx, &models.NewPayment{
		InvoiceBatchId: batch.ID,
		Amount:         mustDecimal(t, "1000.00"),
		ReceivedDate:   time.Now(),
		Method:         "ACH",
		Reference:      "ACH-1001",
	})
	if err != nil {
		t.Fatalf("RecordPayment partial: %v", err)
	}
	if partial.Status != models.BatchStatusPartialPaid {
		t.Fatalf("status = %s, want Partial Paid", partial.Status)
	}

	// Overpayment refused.
	if _, err := models.RecordPayment(ctx, &models.NewPayment{
		InvoiceBatchId: batch.ID,
		Amount:         mustDecimal(t, "99999.00"),
		ReceivedDate:   time.Now(),
	}); err == nil {
		t.Fatal("overpayment should be refused")
	}

	remaining := batch.Total.Sub(mustDecimal(t, "1000.00"))
	paid, err := models.RecordPayment(ctx, &models.NewPayment{
		InvoiceBatchId: batch.ID,
		Amount:         remaining,
		ReceivedDate:   time.Now(),
		Method:         "ACH",
		Reference:      "ACH-1002",
	})
	if err != nil {
		t.Fatalf("RecordPayment final: %v", err)
	}
	if paid.Status != models.BatchStatusPaid {
		t.Fatalf("status = %s, want Paid", paid.Status)
	}

	lines, err := models.ComputeAging(ctx, time.Now())
	if err != nil {
		t.Fatalf("ComputeAging: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("paid batch still in aging: %+v", lines)
	}

	fetched, err := models.GetInvoiceBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetInvoiceBatch: %v", err)
	}
	if !fetched.PaidAmount.Equal(fetched.Total) {
		t.Fatalf("paid %s != total %s", fetched.PaidAmount, fetched.Total)
	}

	var lineModels []*models.ProductionLine
	tenantId, _ := utils.GetTenantIdFromContext(ctx)
	if err := config.GetDB().Where("tenant_id = ? AND invoice_batch_id = ?", tenantId, batch.ID).Find(&lineModels).Error; err != nil {
		t.Fatalf("fetch lines: %v", err)
	}
	for _, line := range lineModels {
		if line.CurrentStatus != models.LineStatusPaid {
			t.Fatalf("line %d status = %s, want PAID", line.ID, line.CurrentStatus)
		}
	}
}

func TestReceivablesSummaryBuckets(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.45", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	batch := submittedBatch(t, ctx, customer.ID, job.ID, "EXT-SUM-1")

	summary, err := models.ComputeReceivablesSummary(ctx, batch.DueDate.AddDate(0, 0, 45))
	if err != nil {
		t.Fatalf("ComputeReceivablesSummary: %v", err)
	}
	if !summary.TotalOutstanding.Equal(batch.Total) {
		t.Fatalf("outstanding = %s, want %s", summary.TotalOutstanding, batch.Total)
	}
	if !summary.Overdue.Equal(batch.Total) {
		t.Fatalf("overdue = %s, want %s", summary.Overdue, batch.Total)
	}
	if got, present := summary.ByBucket[models.AgingBucket31To60]; !present || !got.Equal(batch.Total) {
		t.Fatalf("bucket 31-60 = %s, want %s", got, batch.Total)
	}
}
