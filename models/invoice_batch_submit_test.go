package models_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/models"
	"github.com/shopspring/decimal"
)

func intPtr(v int) *int { return &v }

func TestCreateBatchComputesTotalsWithRetainage(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.45", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	workWeek := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	line := readyLine(t, ctx, job.ID, "EXT-BAT-1", "3700", workWeek)

	batch, err := models.CreateInvoiceBatch(ctx, &models.NewInvoiceBatch{
		CustomerId:       customer.ID,
		JobId:            job.ID,
		PeriodStart:      workWeek,
		PeriodEnd:        workWeek.AddDate(0, 0, 6),
		LineIds:          []int{line.ID},
		RetainagePercent: intPtr(5),
	})
	if err != nil {
		t.Fatalf("CreateInvoiceBatch: %v", err)
	}

	if !batch.Subtotal.Equal(mustDecimal(t, "1665.00")) {
		t.Fatalf("subtotal = %s, want 1665.00", batch.Subtotal)
	}
	if !batch.RetainageAmount.Equal(mustDecimal(t, "83.25")) {
		t.Fatalf("retainage = %s, want 83.25", batch.RetainageAmount)
	}
	if !batch.Total.Equal(mustDecimal(t, "1581.75")) {
		t.Fatalf("total = %s, want 1581.75", batch.Total)
	}

	// total == subtotal - deductions - retainage, always re-derived.
	derived := batch.Subtotal.Sub(batch.DeductionsTotal).Sub(batch.RetainageAmount)
	if !batch.Total.Equal(derived) {
		t.Fatalf("total %s != derived %s", batch.Total, derived)
	}
	if batch.Status != models.BatchStatusDraft {
		t.Fatalf("status = %s, want Draft", batch.Status)
	}
	if !strings.HasPrefix(batch.BatchNumber, "INV-202607-") {
		t.Fatalf("batch number = %s, want INV-202607-NNNN", batch.BatchNumber)
	}
}

func TestCreateBatchWithDeductionsKeepsInvariant(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.45", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	workWeek := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	line := readyLine(t, ctx, job.ID, "EXT-DED-1", "3700", workWeek)

	batch, err := models.CreateInvoiceBatch(ctx, &models.NewInvoiceBatch{
		CustomerId:       customer.ID,
		PeriodStart:      workWeek,
		PeriodEnd:        workWeek.AddDate(0, 0, 6),
		LineIds:          []int{line.ID},
		RetainagePercent: intPtr(5),
		Deductions: []models.NewDeduction{
			{Description: "Damaged pedestal replacement", Amount: mustDecimal(t, "100.00"), Reason: "backcharge per field report 88"},
		},
	})
	if err != nil {
		t.Fatalf("CreateInvoiceBatch: %v", err)
	}
	if !batch.DeductionsTotal.Equal(mustDecimal(t, "100.00")) {
		t.Fatalf("deductions = %s, want 100.00", batch.DeductionsTotal)
	}
	if !batch.Total.Equal(mustDecimal(t, "1481.75")) {
		t.Fatalf("total = %s, want 1481.75", batch.Total)
	}
}

func TestSubmitGatedByReadinessChecklist(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.42", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	workWeek := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)

	// Approve a line whose compliance sits below the threshold (warning +
	// info failures but no blocking error).
	line := seedLine(t, ctx, job.ID, "EXT-LOW-1", "1000", workWeek)
	weak := passingResults()
	weak[1].Passed = false
	weak[2].Passed = false
	weak = append(weak, models.ValidationResult{
		RuleId: "activity-code-known", RuleName: "Activity code known",
		Passed: false, Severity: models.SeverityInfo,
	})
	if _, err := models.AttachValidation(ctx, line.ID, weak); err != nil {
		t.Fatalf("AttachValidation: %v", err)
	}
	approved, err := models.ApproveLine(ctx, line.ID)
	if err != nil {
		t.Fatalf("ApproveLine: %v", err)
	}
	if approved.ComplianceScore >= models.ComplianceApprovalThreshold {
		t.Fatalf("test setup: score %d should be below threshold", approved.ComplianceScore)
	}

	batch, err := models.CreateInvoiceBatch(ctx, &models.NewInvoiceBatch{
		CustomerId:  customer.ID,
		PeriodStart: workWeek,
		PeriodEnd:   workWeek.AddDate(0, 0, 6),
		LineIds:     []int{line.ID},
	})
	if err != nil {
		t.Fatalf("CreateInvoiceBatch: %v", err)
	}

	_, err = models.SubmitInvoiceBatch(ctx, batch.ID)
	var notReady *models.NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("SubmitInvoiceBatch err = %v, want *NotReadyError", err)
	}
	named := false
	for _, item := range notReady.FailingItems {
		if strings.Contains(item, "minimum-compliance-met") {
			named = true
		}
	}
	if !named {
		t.Fatalf("failing items %v do not name the compliance gate", notReady.FailingItems)
	}

	// Nothing moved: batch still draft, line still READY_TO_INVOICE.
	fetched, err := models.GetInvoiceBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetInvoiceBatch: %v", err)
	}
	if fetched.Status != models.BatchStatusDraft {
		t.Fatalf("batch status = %s, want Draft after failed submit", fetched.Status)
	}
	stillReady, err := models.GetProductionLine(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetProductionLine: %v", err)
	}
	if stillReady.CurrentStatus != models.LineStatusReadyToInvoice {
		t.Fatalf("line status = %s, want READY_TO_INVOICE after failed submit", stillReady.CurrentStatus)
	}
}

func TestSubmitFlipsBatchAndLinesTogether(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.42", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	workWeek := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	a := readyLine(t, ctx, job.ID, "EXT-SUB-1", "1250", workWeek)
	b := readyLine(t, ctx, job.ID, "EXT-SUB-2", "2500", workWeek.AddDate(0, 0, 1))

	batch, err := models.CreateInvoiceBatch(ctx, &models.NewInvoiceBatch{
		CustomerId:  customer.ID,
		PeriodStart: workWeek,
		PeriodEnd:   workWeek.AddDate(0, 0, 6),
		LineIds:     []int{a.ID, b.ID},
	})
	if err != nil {
		t.Fatalf("CreateInvoiceBatch: %v", err)
	}

	submitted, err := models.SubmitInvoiceBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("SubmitInvoiceBatch: %v", err)
	}
	if submitted.Status != models.BatchStatusSubmitted {
		t.Fatalf("status = %s, want Submitted", submitted.Status)
	}
	if submitted.DueDate == nil || submitted.InvoiceDate == nil {
		t.Fatal("submit must stamp invoice and due dates")
	}
	wantDue := submitted.InvoiceDate.AddDate(0, 0, 30)
	if submitted.DueDate.Format("2006-01-02") != wantDue.Format("2006-01-02") {
		t.Fatalf("due date = %s, want Net30 = %s", submitted.DueDate, wantDue)
	}

	for _, id := range []int{a.ID, b.ID} {
		line, err := models.GetProductionLine(ctx, id)
		if err != nil {
			t.Fatalf("GetProductionLine: %v", err)
		}
		if line.CurrentStatus != models.LineStatusInvoiced {
			t.Fatalf("line %d status = %s, want INVOICED", id, line.CurrentStatus)
		}
	}

	// Checklist snapshot frozen with the submission.
	persisted, err := models.GetInvoiceBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetInvoiceBatch: %v", err)
	}
	if len(persisted.Checklist) == 0 {
		t.Fatal("submitted batch has no checklist snapshot")
	}

	// Submitting twice is a state conflict.
	var conflict *models.StateConflictError
	if _, err := models.SubmitInvoiceBatch(ctx, batch.ID); !errors.As(err, &conflict) {
		t.Fatalf("second submit err = %v, want *StateConflictError", err)
	}

	// Invoiced lines are immutable history.
	if _, err := models.IngestProductionLine(ctx, &models.NewProductionLine{
		ExternalId:   "EXT-SUB-1",
		SourceSystem: "fieldapp",
		JobId:        job.ID,
		Quantity:     decimal.NewFromInt(999),
		Unit:         "ft",
		WorkDate:     workWeek,
		WorkType:     models.WorkTypeAerial,
		BillingCode:  "AER-STRAND",
	}); !errors.As(err, &conflict) {
		t.Fatalf("re-ingest of invoiced line err = %v, want *StateConflictError", err)
	}
}

func TestRejectedBatchReleasesItsLines(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.42", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	workWeek := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	line := readyLine(t, ctx, job.ID, "EXT-RELB-1", "1000", workWeek)

	batch, err := models.CreateInvoiceBatch(ctx, &models.NewInvoiceBatch{
		CustomerId:  customer.ID,
		PeriodStart: workWeek,
		PeriodEnd:   workWeek.AddDate(0, 0, 6),
		LineIds:     []int{line.ID},
	})
	if err != nil {
		t.Fatalf("CreateInvoiceBatch: %v", err)
	}
	if _, err := models.SubmitInvoiceBatch(ctx, batch.ID); err != nil {
		t.Fatalf("SubmitInvoiceBatch: %v", err)
	}

	var reasonErr *models.ReasonRequiredError
	if _, err := models.RejectInvoiceBatch(ctx, batch.ID, ""); !errors.As(err, &reasonErr) {
		t.Fatalf("reject without reason err = %v, want *ReasonRequiredError", err)
	}

	rejected, err := models.RejectInvoiceBatch(ctx, batch.ID, "customer disputes footage on run 12")
	if err != nil {
		t.Fatalf("RejectInvoiceBatch: %v", err)
	}
	if rejected.Status != models.BatchStatusRejected {
		t.Fatalf("status = %s, want Rejected", rejected.Status)
	}

	released, err := models.GetProductionLine(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetProductionLine: %v", err)
	}
	if released.CurrentStatus != models.LineStatusReadyToInvoice {
		t.Fatalf("line status = %s, want READY_TO_INVOICE after batch rejection", released.CurrentStatus)
	}
	if released.InvoiceBatchId != 0 {
		t.Fatalf("line still claimed by batch %d", released.InvoiceBatchId)
	}
}

func TestClaimedLinesRefuseCorrectionsUntilReleased(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.42", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	workWeek := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	line := readyLine(t, ctx, job.ID, "EXT-CLM-2", "1000", workWeek)

	batch, err := models.CreateInvoiceBatch(ctx, &models.NewInvoiceBatch{
		CustomerId:  customer.ID,
		PeriodStart: workWeek,
		PeriodEnd:   workWeek.AddDate(0, 0, 6),
		LineIds:     []int{line.ID},
	})
	if err != nil {
		t.Fatalf("CreateInvoiceBatch: %v", err)
	}

	// The batch's persisted aggregates were computed from this line; the
	// line cannot drift underneath them while it is claimed.
	var conflict *models.StateConflictError
	if _, err := models.IngestProductionLine(ctx, &models.NewProductionLine{
		ExternalId:   "EXT-CLM-2",
		SourceSystem: "fieldapp",
		JobId:        job.ID,
		Quantity:     decimal.NewFromInt(10),
		Unit:         "ft",
		WorkDate:     workWeek,
		WorkType:     models.WorkTypeAerial,
		BillingCode:  "AER-STRAND",
	}); !errors.As(err, &conflict) {
		t.Fatalf("re-ingest of claimed line err = %v, want *StateConflictError", err)
	}
	rate := mustDecimal(t, "0.50")
	if _, err := models.OverrideLineBilling(ctx, line.ID, &models.LineBillingOverride{
		Rate:   &rate,
		Reason: "negotiated after batching",
	}); !errors.As(err, &conflict) {
		t.Fatalf("override of claimed line err = %v, want *StateConflictError", err)
	}

	// Submission bills exactly what the line carries.
	submitted, err := models.SubmitInvoiceBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("SubmitInvoiceBatch: %v", err)
	}
	invoiced, err := models.GetProductionLine(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetProductionLine: %v", err)
	}
	if !submitted.Subtotal.Equal(invoiced.ExtendedAmount.Round(2)) {
		t.Fatalf("subtotal %s != line extended %s", submitted.Subtotal, invoiced.ExtendedAmount)
	}

	// Rejection releases the claim and the correction goes through.
	if _, err := models.RejectInvoiceBatch(ctx, batch.ID, "customer disputes footage"); err != nil {
		t.Fatalf("RejectInvoiceBatch: %v", err)
	}
	corrected, err := models.IngestProductionLine(ctx, &models.NewProductionLine{
		ExternalId:   "EXT-CLM-2",
		SourceSystem: "fieldapp",
		JobId:        job.ID,
		Quantity:     decimal.NewFromInt(900),
		Unit:         "ft",
		WorkDate:     workWeek,
		WorkType:     models.WorkTypeAerial,
		BillingCode:  "AER-STRAND",
	})
	if err != nil {
		t.Fatalf("re-ingest after release: %v", err)
	}
	if !corrected.Quantity.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("quantity = %s, want 900", corrected.Quantity)
	}
}

func TestBatchSequenceDerivedFromTableStaysMonotonic(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.42", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	workWeek := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	var prev *models.InvoiceBatch
	for i, ext := range []string{"EXT-SEQ-1", "EXT-SEQ-2", "EXT-SEQ-3"} {
		line := readyLine(t, ctx, job.ID, ext, "1000", workWeek.AddDate(0, 0, i))
		batch, err := models.CreateInvoiceBatch(ctx, &models.NewInvoiceBatch{
			CustomerId:  customer.ID,
			PeriodStart: workWeek,
			PeriodEnd:   workWeek.AddDate(0, 0, 6),
			LineIds:     []int{line.ID},
		})
		if err != nil {
			t.Fatalf("CreateInvoiceBatch %d: %v", i, err)
		}
		if prev != nil {
			if batch.SequenceNo != prev.SequenceNo+1 {
				t.Fatalf("sequence %d after %d, want +1", batch.SequenceNo, prev.SequenceNo)
			}
			if batch.BatchNumber == prev.BatchNumber {
				t.Fatalf("duplicate batch number %s", batch.BatchNumber)
			}
		}
		prev = batch
	}
}

func TestLinesCannotBeClaimedByTwoBatches(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.42", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	workWeek := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	line := readyLine(t, ctx, job.ID, "EXT-CLAIM-1", "1000", workWeek)

	if _, err := models.CreateInvoiceBatch(ctx, &models.NewInvoiceBatch{
		CustomerId:  customer.ID,
		PeriodStart: workWeek,
		PeriodEnd:   workWeek.AddDate(0, 0, 6),
		LineIds:     []int{line.ID},
	}); err != nil {
		t.Fatalf("CreateInvoiceBatch: %v", err)
	}

	var conflict *models.StateConflictError
	if _, err := models.CreateInvoiceBatch(ctx, &models.NewInvoiceBatch{
		CustomerId:  customer.ID,
		PeriodStart: workWeek,
		PeriodEnd:   workWeek.AddDate(0, 0, 6),
		LineIds:     []int{line.ID},
	}); !errors.As(err, &conflict) {
		t.Fatalf("second claim err = %v, want *StateConflictError", err)
	}
}
