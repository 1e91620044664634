package models_test

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/models"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
)

func TestIngestIsIdempotentPerSourceAndExternalId(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)

	workDate := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	first := seedLine(t, ctx, job.ID, "EXT-IDEM-1", "1250", workDate)

	// Same external id arrives again with a corrected quantity.
	second, err := models.IngestProductionLine(ctx, &models.NewProductionLine{
		ExternalId:   "EXT-IDEM-1",
		SourceSystem: "fieldapp",
		JobId:        job.ID,
		Quantity:     mustDecimal(t, "1300"),
		Unit:         "ft",
		WorkDate:     workDate,
		CrewName:     "Crew 7",
		WorkType:     models.WorkTypeAerial,
		BillingCode:  "AER-STRAND",
	})
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("re-ingest created line %d, want update of %d", second.ID, first.ID)
	}
	if !second.Quantity.Equal(mustDecimal(t, "1300")) {
		t.Fatalf("quantity = %s, want 1300", second.Quantity)
	}

	// Distinct source systems do not collide.
	other, err := models.IngestProductionLine(ctx, &models.NewProductionLine{
		ExternalId:   "EXT-IDEM-1",
		SourceSystem: "sheetsync",
		JobId:        job.ID,
		Quantity:     mustDecimal(t, "200"),
		Unit:         "ft",
		WorkDate:     workDate,
		WorkType:     models.WorkTypeAerial,
		BillingCode:  "AER-STRAND",
	})
	if err != nil {
		t.Fatalf("ingest from second source: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("lines from different source systems must not collide")
	}
}

func TestSendBackActionsRequireReason(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)

	line := seedLine(t, ctx, job.ID, "EXT-RSN-1", "800", time.Date(2026, 7, 7, 0, 0, 0, 0, time.UTC))
	if _, err := models.AttachValidation(ctx, line.ID, passingResults()); err != nil {
		t.Fatalf("AttachValidation: %v", err)
	}

	var reasonErr *models.ReasonRequiredError
	if _, err := models.ReturnForInfo(ctx, line.ID, ""); !errors.As(err, &reasonErr) {
		t.Fatalf("ReturnForInfo without reason: %v, want *ReasonRequiredError", err)
	}
	if _, err := models.RejectLine(ctx, line.ID, ""); !errors.As(err, &reasonErr) {
		t.Fatalf("RejectLine without reason: %v, want *ReasonRequiredError", err)
	}
	if _, err := models.HoldLine(ctx, line.ID, ""); !errors.As(err, &reasonErr) {
		t.Fatalf("HoldLine without reason: %v, want *ReasonRequiredError", err)
	}

	returned, err := models.ReturnForInfo(ctx, line.ID, "missing pole permits")
	if err != nil {
		t.Fatalf("ReturnForInfo: %v", err)
	}
	if returned.CurrentStatus != models.LineStatusNeedsInfo {
		t.Fatalf("status = %s, want NEEDS_INFO", returned.CurrentStatus)
	}

	// NEEDS_INFO goes back through PENDING_REVIEW, never straight to READY.
	if _, err := models.ApproveLine(ctx, line.ID); err == nil {
		t.Fatal("approve from NEEDS_INFO should be a state conflict")
	}
	resumed, err := models.ResumeLine(ctx, line.ID)
	if err != nil {
		t.Fatalf("ResumeLine: %v", err)
	}
	if resumed.CurrentStatus != models.LineStatusPendingReview {
		t.Fatalf("status = %s, want PENDING_REVIEW", resumed.CurrentStatus)
	}
}

func TestRejectedLineReopensOnlyThroughNeedsInfo(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)

	line := seedLine(t, ctx, job.ID, "EXT-REJ-1", "600", time.Date(2026, 7, 8, 0, 0, 0, 0, time.UTC))
	if _, err := models.AttachValidation(ctx, line.ID, passingResults()); err != nil {
		t.Fatalf("AttachValidation: %v", err)
	}
	rejected, err := models.RejectLine(ctx, line.ID, "duplicate of EXT-IDEM-1")
	if err != nil {
		t.Fatalf("RejectLine: %v", err)
	}
	if rejected.CurrentStatus != models.LineStatusRejected {
		t.Fatalf("status = %s, want REJECTED", rejected.CurrentStatus)
	}

	var conflict *models.StateConflictError
	if _, err := models.ApproveLine(ctx, line.ID); !errors.As(err, &conflict) {
		t.Fatalf("approve from REJECTED: %v, want *StateConflictError", err)
	}

	reopened, err := models.ReturnForInfo(ctx, line.ID, "crew disputes the duplicate")
	if err != nil {
		t.Fatalf("ReturnForInfo from REJECTED: %v", err)
	}
	if reopened.CurrentStatus != models.LineStatusNeedsInfo {
		t.Fatalf("status = %s, want NEEDS_INFO", reopened.CurrentStatus)
	}
}

func TestOverrideRecomputesExtendedAmountAndRecordsAudit(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	seedPublishedRateCard(t, ctx, customer.ID, "0.42", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	line := readyLine(t, ctx, job.ID, "EXT-OVR-1", "1000", time.Date(2026, 7, 9, 0, 0, 0, 0, time.UTC))
	if _, err := models.PriceReadyLines(ctx, []int{line.ID}); err != nil {
		t.Fatalf("PriceReadyLines: %v", err)
	}

	var reasonErr *models.ReasonRequiredError
	rate := mustDecimal(t, "0.45")
	if _, err := models.OverrideLineBilling(ctx, line.ID, &models.LineBillingOverride{Rate: &rate}); !errors.As(err, &reasonErr) {
		t.Fatalf("override without reason: %v, want *ReasonRequiredError", err)
	}

	qty := mustDecimal(t, "950")
	updated, err := models.OverrideLineBilling(ctx, line.ID, &models.LineBillingOverride{
		Quantity: &qty,
		Rate:     &rate,
		Reason:   "field audit corrected footage; negotiated rate bump",
	})
	if err != nil {
		t.Fatalf("OverrideLineBilling: %v", err)
	}
	if !updated.ExtendedAmount.Equal(qty.Mul(rate)) {
		t.Fatalf("extended = %s, want quantity*rate = %s", updated.ExtendedAmount, qty.Mul(rate))
	}

	fetched, err := models.GetProductionLine(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetProductionLine: %v", err)
	}
	if len(fetched.RateOverrides) != 1 {
		t.Fatalf("overrides = %d, want 1", len(fetched.RateOverrides))
	}
	audit := fetched.RateOverrides[0]
	if audit.Reason == "" || audit.ActorName != "test-reviewer" {
		t.Fatalf("audit row incomplete: %+v", audit)
	}
	if !audit.OriginalRate.Equal(mustDecimal(t, "0.42")) {
		t.Fatalf("original rate = %s, want 0.42", audit.OriginalRate)
	}

	found := false
	for _, f := range fetched.Flags {
		if f == "manual-override" {
			found = true
		}
	}
	if !found {
		t.Fatalf("flags = %v, want manual-override", fetched.Flags)
	}

	// A second override round-trips the flags column and does not
	// duplicate the flag.
	rate2 := mustDecimal(t, "0.47")
	if _, err := models.OverrideLineBilling(ctx, line.ID, &models.LineBillingOverride{
		Rate:   &rate2,
		Reason: "second negotiation on run 12",
	}); err != nil {
		t.Fatalf("second override: %v", err)
	}
	again, err := models.GetProductionLine(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetProductionLine after second override: %v", err)
	}
	count := 0
	for _, f := range again.Flags {
		if f == "manual-override" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("manual-override flagged %d times, want once: %v", count, again.Flags)
	}
}

func TestFetchErrorsDistinguishMissingFromBroken(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	line := seedLine(t, ctx, job.ID, "EXT-ERR-1", "500", time.Date(2026, 7, 11, 0, 0, 0, 0, time.UTC))

	if _, err := models.GetProductionLine(ctx, line.ID+99999); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("missing line err = %v, want ErrorRecordNotFound", err)
	}

	// Corrupt the serialized flags column directly; the row exists but no
	// longer scans.
	if err := config.GetDB().Exec("UPDATE production_lines SET flags = ? WHERE id = ?", "{broken", line.ID).Error; err != nil {
		t.Fatalf("corrupt flags: %v", err)
	}
	_, err := models.GetProductionLine(ctx, line.ID)
	if err == nil {
		t.Fatal("fetch of a broken row should fail")
	}
	if errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("err = %v; a scan failure must not read as record-not-found", err)
	}
}

func TestEvidenceReadURLPassesThroughExternalHosting(t *testing.T) {
	t.Setenv("GCS_EVIDENCE_BUCKET", "")
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)
	line := seedLine(t, ctx, job.ID, "EXT-URL-1", "500", time.Date(2026, 7, 12, 0, 0, 0, 0, time.UTC))

	fetched, err := models.GetProductionLine(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetProductionLine: %v", err)
	}
	if len(fetched.EvidenceAssets) != 1 {
		t.Fatalf("evidence assets = %d, want 1", len(fetched.EvidenceAssets))
	}
	asset := fetched.EvidenceAssets[0]

	url, err := models.EvidenceReadURL(ctx, line.ID, asset.ID)
	if err != nil {
		t.Fatalf("EvidenceReadURL: %v", err)
	}
	if url != asset.StorageURL {
		t.Fatalf("url = %s, want the stored %s", url, asset.StorageURL)
	}

	if _, err := models.EvidenceReadURL(ctx, line.ID, asset.ID+99999); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("missing asset err = %v, want ErrorRecordNotFound", err)
	}
}

func TestStatusEventsRecordedForEveryTransition(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	job := seedJob(t, ctx, customer.ID)

	line := seedLine(t, ctx, job.ID, "EXT-EVT-1", "700", time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC))
	if _, err := models.AttachValidation(ctx, line.ID, passingResults()); err != nil {
		t.Fatalf("AttachValidation: %v", err)
	}
	if _, err := models.ApproveLine(ctx, line.ID); err != nil {
		t.Fatalf("ApproveLine: %v", err)
	}

	events := fetchStatusEvents(t, ctx, models.EntityTypeProductionLine, line.ID)
	// ingest, NEW->PENDING_REVIEW, PENDING_REVIEW->READY_TO_INVOICE
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	last := events[len(events)-1]
	if last.OldStatus != string(models.LineStatusPendingReview) || last.NewStatus != string(models.LineStatusReadyToInvoice) {
		t.Fatalf("last event %s -> %s, want PENDING_REVIEW -> READY_TO_INVOICE", last.OldStatus, last.NewStatus)
	}
	if last.PublishStatus != models.OutboxPublishStatusPending {
		t.Fatalf("publish status = %s, want PENDING until dispatched", last.PublishStatus)
	}
}
