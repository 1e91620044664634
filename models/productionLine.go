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

// ProductionLine is the authoritative record for one field-reported unit of
// work. Lines are never deleted; they are transitioned. Once invoiced a line
// is immutable history.
type ProductionLine struct {
	ID           int    `gorm:"primary_key" json:"id"`
	TenantId     string `gorm:"index;not null;uniqueIndex:idx_line_external,priority:1" json:"tenant_id" binding:"required"`
	ExternalId   string `gorm:"size:100;not null;uniqueIndex:idx_line_external,priority:3" json:"external_id" binding:"required"`
	SourceSystem string `gorm:"size:50;not null;uniqueIndex:idx_line_external,priority:2" json:"source_system" binding:"required"`
	JobId        int    `gorm:"index;not null" json:"job_id" binding:"required"`
	CustomerId   int    `gorm:"index;not null" json:"customer_id"`

	Description  string          `gorm:"size:255" json:"description"`
	Quantity     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Unit         string          `gorm:"size:20;not null" json:"unit"`
	WorkDate     time.Time       `gorm:"index;not null" json:"work_date"`
	CrewName     string          `gorm:"size:100" json:"crew_name"`
	GpsLat       *float64        `json:"gps_lat"`
	GpsLng       *float64        `json:"gps_lng"`
	Address      string          `gorm:"size:255" json:"address"`
	WorkType     WorkType        `gorm:"size:30" json:"work_type"`
	ActivityCode string          `gorm:"size:50" json:"activity_code"`

	// Billing mapping. ExtendedAmount always equals Quantity * AppliedRate
	// whenever a rate is applied; it is recomputed, never edited directly.
	BillingCode            string          `gorm:"size:50;index" json:"billing_code"`
	AppliedRate            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"applied_rate"`
	AppliedRateCardId      int             `gorm:"default:0" json:"applied_rate_card_id"`
	AppliedRateCardVersion int             `gorm:"default:0" json:"applied_rate_card_version"`
	ExtendedAmount         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"extended_amount"`

	CurrentStatus   ProductionLineStatus `gorm:"size:30;index;not null;default:'NEW'" json:"current_status"`
	ComplianceScore int                  `gorm:"default:0" json:"compliance_score"`
	Flags           []string             `gorm:"type:text;serializer:json" json:"flags"`

	InvoiceBatchId int `gorm:"index;default:0" json:"invoice_batch_id"`

	EvidenceAssets    []EvidenceAsset    `gorm:"foreignKey:ProductionLineId" json:"evidence_assets"`
	ValidationResults []ValidationResult `gorm:"foreignKey:ProductionLineId" json:"validation_results"`
	RateOverrides     []RateOverride     `gorm:"foreignKey:ProductionLineId" json:"rate_overrides"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EvidenceAsset is an immutable reference to a captured photo/document.
// Owned by exactly one production line.
type EvidenceAsset struct {
	ID               int          `gorm:"primary_key" json:"id"`
	TenantId         string       `gorm:"index;not null" json:"tenant_id"`
	ProductionLineId int          `gorm:"index;not null" json:"production_line_id"`
	Type             EvidenceType `gorm:"size:20;not null" json:"type"`
	StorageURL       string       `gorm:"size:500;not null" json:"storage_url"`
	CapturedAt       *time.Time   `json:"captured_at"`
	GpsLat           *float64     `json:"gps_lat"`
	GpsLng           *float64     `json:"gps_lng"`
	DeviceId         string       `gorm:"size:100" json:"device_id"`
	Verified         bool         `gorm:"default:false" json:"verified"`
	CreatedAt        time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// RateOverride records every manual rate/quantity edit with its
// justification. Edits without a reason are rejected before mutation.
type RateOverride struct {
	ID               int              `gorm:"primary_key" json:"id"`
	ProductionLineId int              `gorm:"index;not null" json:"production_line_id"`
	OriginalQty      decimal.Decimal  `gorm:"type:decimal(20,4)" json:"original_qty"`
	OverrideQty      *decimal.Decimal `gorm:"type:decimal(20,4)" json:"override_qty"`
	OriginalRate     decimal.Decimal  `gorm:"type:decimal(20,4)" json:"original_rate"`
	OverrideRate     *decimal.Decimal `gorm:"type:decimal(20,4)" json:"override_rate"`
	Reason           string           `gorm:"type:text;not null" json:"reason"`
	ActorName        string           `gorm:"size:100" json:"actor_name"`
	CreatedAt        time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

type NewProductionLine struct {
	ExternalId   string             `json:"external_id" binding:"required"`
	SourceSystem string             `json:"source_system" binding:"required"`
	JobId        int                `json:"job_id" binding:"required"`
	Description  string             `json:"description"`
	Quantity     decimal.Decimal    `json:"quantity" binding:"required"`
	Unit         string             `json:"unit" binding:"required"`
	WorkDate     time.Time          `json:"work_date" binding:"required"`
	CrewName     string             `json:"crew_name"`
	GpsLat       *float64           `json:"gps_lat"`
	GpsLng       *float64           `json:"gps_lng"`
	Address      string             `json:"address"`
	WorkType     WorkType           `json:"work_type"`
	ActivityCode string             `json:"activity_code"`
	BillingCode  string             `json:"billing_code"`
	Flags        []string           `json:"flags"`
	Evidence     []NewEvidenceAsset `json:"evidence"`
}

type NewEvidenceAsset struct {
	Type       EvidenceType `json:"type" binding:"required"`
	StorageURL string       `json:"storage_url" binding:"required"`
	CapturedAt *time.Time   `json:"captured_at"`
	GpsLat     *float64     `json:"gps_lat"`
	GpsLng     *float64     `json:"gps_lng"`
	DeviceId   string       `json:"device_id"`
	Verified   bool         `json:"verified"`
}

// legal transitions, keyed by source status. REJECTED and ON_HOLD are
// reachable from any pre-INVOICED state (encoded in canTransitionLine).
var lineTransitions = map[ProductionLineStatus][]ProductionLineStatus{
	LineStatusNew:            {LineStatusPendingReview},
	LineStatusPendingReview:  {LineStatusReviewed, LineStatusNeedsInfo, LineStatusReadyToInvoice},
	LineStatusReviewed:       {LineStatusReadyToInvoice, LineStatusNeedsInfo},
	LineStatusNeedsInfo:      {LineStatusPendingReview},
	LineStatusReadyToInvoice: {LineStatusInvoiced, LineStatusNeedsInfo},
	// INVOICED returns to READY_TO_INVOICE only when its batch is rejected
	LineStatusInvoiced: {LineStatusPaid, LineStatusReadyToInvoice},
	LineStatusOnHold:         {LineStatusPendingReview},
	// reopening a rejected line requires a NEEDS_INFO round-trip with a reason
	LineStatusRejected: {LineStatusNeedsInfo},
}

func canTransitionLine(from, to ProductionLineStatus) bool {
	if from.IsPreInvoiced() && (to == LineStatusRejected || to == LineStatusOnHold) {
		return true
	}
	for _, next := range lineTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionLine applies one status change inside the caller's transaction,
// appending a status event to the outbox. The caller is responsible for
// having verified any gate conditions beyond basic legality.
func transitionLine(ctx context.Context, tx *gorm.DB, line *ProductionLine, to ProductionLineStatus, note string) error {
	from := line.CurrentStatus
	if !canTransitionLine(from, to) {
		return &StateConflictError{
			EntityType: EntityTypeProductionLine, EntityId: line.ID,
			From: string(from), To: string(to),
		}
	}
	if err := tx.Model(&ProductionLine{}).
		Where("id = ?", line.ID).
		Update("current_status", to).Error; err != nil {
		return err
	}
	line.CurrentStatus = to
	return RecordStatusEvent(ctx, tx, line.TenantId, EntityTypeProductionLine, line.ID, string(from), string(to), note)
}

func (input NewProductionLine) validate(ctx context.Context, tenantId string) error {
	if input.Quantity.IsNegative() {
		return errors.New("quantity cannot be negative")
	}
	if err := utils.ValidateResourceId[Job](ctx, tenantId, input.JobId); err != nil {
		return errors.New("job not found")
	}
	return nil
}

// IngestProductionLine is the idempotent entry point for the ingestion feed.
// Re-ingesting the same (source_system, external_id) updates the existing
// line instead of duplicating it. Lines that have already been invoiced are
// immutable and refuse updates.
func IngestProductionLine(ctx context.Context, input *NewProductionLine) (*ProductionLine, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := input.validate(ctx, tenantId); err != nil {
		return nil, err
	}

	job, err := utils.FetchModel[Job](ctx, tenantId, input.JobId)
	if err != nil {
		return nil, errors.New("job not found")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var existing ProductionLine
	err = tx.WithContext(ctx).
		Where("tenant_id = ? AND source_system = ? AND external_id = ?", tenantId, input.SourceSystem, input.ExternalId).
		First(&existing).Error

	if err == nil {
		if !existing.CurrentStatus.IsPreInvoiced() {
			return nil, &StateConflictError{
				EntityType: EntityTypeProductionLine, EntityId: existing.ID,
				From: string(existing.CurrentStatus), To: string(existing.CurrentStatus),
				Detail: "line is invoiced history and cannot be re-ingested",
			}
		}
		// A claimed line backs a draft batch's persisted aggregates; mutating
		// it would let the batch bill a figure its lines no longer add up to.
		if existing.InvoiceBatchId != 0 {
			return nil, &StateConflictError{
				EntityType: EntityTypeProductionLine, EntityId: existing.ID,
				From: string(existing.CurrentStatus), To: string(existing.CurrentStatus),
				Detail: fmt.Sprintf("line is claimed by invoice batch %d; reject the batch to release it first", existing.InvoiceBatchId),
			}
		}
		updates := map[string]interface{}{
			"job_id":        input.JobId,
			"customer_id":   job.CustomerId,
			"description":   input.Description,
			"quantity":      input.Quantity,
			"unit":          input.Unit,
			"work_date":     input.WorkDate,
			"crew_name":     input.CrewName,
			"gps_lat":       input.GpsLat,
			"gps_lng":       input.GpsLng,
			"address":       input.Address,
			"work_type":     input.WorkType,
			"activity_code": input.ActivityCode,
			"billing_code":  input.BillingCode,
		}
		// A re-ingested line changed upstream; any applied rate must be
		// re-derived against the new quantity.
		if !existing.AppliedRate.IsZero() {
			updates["extended_amount"] = input.Quantity.Mul(existing.AppliedRate)
		}
		if err := tx.Model(&ProductionLine{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return nil, err
		}
		if err := replaceEvidence(ctx, tx, tenantId, existing.ID, input.Evidence); err != nil {
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		return utils.FetchModel[ProductionLine](ctx, tenantId, existing.ID, "EvidenceAssets", "ValidationResults")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	line := ProductionLine{
		TenantId:      tenantId,
		ExternalId:    input.ExternalId,
		SourceSystem:  input.SourceSystem,
		JobId:         input.JobId,
		CustomerId:    job.CustomerId,
		Description:   input.Description,
		Quantity:      input.Quantity,
		Unit:          input.Unit,
		WorkDate:      input.WorkDate,
		CrewName:      input.CrewName,
		GpsLat:        input.GpsLat,
		GpsLng:        input.GpsLng,
		Address:       input.Address,
		WorkType:      input.WorkType,
		ActivityCode:  input.ActivityCode,
		BillingCode:   input.BillingCode,
		Flags:         input.Flags,
		CurrentStatus: LineStatusNew,
	}
	for _, ev := range input.Evidence {
		line.EvidenceAssets = append(line.EvidenceAssets, EvidenceAsset{
			TenantId:   tenantId,
			Type:       ev.Type,
			StorageURL: ev.StorageURL,
			CapturedAt: ev.CapturedAt,
			GpsLat:     ev.GpsLat,
			GpsLng:     ev.GpsLng,
			DeviceId:   ev.DeviceId,
			Verified:   ev.Verified,
		})
	}
	if err := tx.WithContext(ctx).Create(&line).Error; err != nil {
		return nil, err
	}
	if err := RecordStatusEvent(ctx, tx, tenantId, EntityTypeProductionLine, line.ID, "", string(LineStatusNew), "ingested from "+input.SourceSystem); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &line, nil
}

func replaceEvidence(ctx context.Context, tx *gorm.DB, tenantId string, lineId int, evidence []NewEvidenceAsset) error {
	if evidence == nil {
		return nil
	}
	if err := tx.WithContext(ctx).Where("production_line_id = ?", lineId).Delete(&EvidenceAsset{}).Error; err != nil {
		return err
	}
	for _, ev := range evidence {
		asset := EvidenceAsset{
			TenantId:         tenantId,
			ProductionLineId: lineId,
			Type:             ev.Type,
			StorageURL:       ev.StorageURL,
			CapturedAt:       ev.CapturedAt,
			GpsLat:           ev.GpsLat,
			GpsLng:           ev.GpsLng,
			DeviceId:         ev.DeviceId,
			Verified:         ev.Verified,
		}
		if err := tx.WithContext(ctx).Create(&asset).Error; err != nil {
			return err
		}
	}
	return nil
}

func GetProductionLine(ctx context.Context, id int) (*ProductionLine, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	return utils.FetchModel[ProductionLine](ctx, tenantId, id, "EvidenceAssets", "ValidationResults", "RateOverrides")
}

// blockingFailures returns the unpassed ERROR-severity results of the
// line's current (non-superseded) validation set.
func blockingFailures(ctx context.Context, tx *gorm.DB, lineId int) ([]string, error) {
	var results []*ValidationResult
	err := tx.WithContext(ctx).
		Where("production_line_id = ? AND superseded = ? AND passed = ? AND severity = ?",
			lineId, false, false, SeverityError).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	failures := make([]string, 0, len(results))
	for _, r := range results {
		failures = append(failures, fmt.Sprintf("%s: %s", r.RuleName, r.Message))
	}
	return failures, nil
}

// ApproveLine is the explicit reviewer action moving a line to
// READY_TO_INVOICE. Blocked while any ERROR-severity result is unpassed;
// this gate lives here, not in any UI.
func ApproveLine(ctx context.Context, id int) (*ProductionLine, error) {
	return reviewerTransition(ctx, id, LineStatusReadyToInvoice, "", false)
}

// ReviewLine marks a pending line as human-reviewed without releasing it
// for invoicing yet.
func ReviewLine(ctx context.Context, id int) (*ProductionLine, error) {
	return reviewerTransition(ctx, id, LineStatusReviewed, "", false)
}

// ReturnForInfo sends a line back to the field. All send-back actions must
// be explainable: an empty reason is rejected before any mutation.
func ReturnForInfo(ctx context.Context, id int, reason string) (*ProductionLine, error) {
	return reviewerTransition(ctx, id, LineStatusNeedsInfo, reason, true)
}

func RejectLine(ctx context.Context, id int, reason string) (*ProductionLine, error) {
	return reviewerTransition(ctx, id, LineStatusRejected, reason, true)
}

func HoldLine(ctx context.Context, id int, reason string) (*ProductionLine, error) {
	return reviewerTransition(ctx, id, LineStatusOnHold, reason, true)
}

func ResumeLine(ctx context.Context, id int) (*ProductionLine, error) {
	return reviewerTransition(ctx, id, LineStatusPendingReview, "", false)
}

func reviewerTransition(ctx context.Context, id int, to ProductionLineStatus, reason string, reasonRequired bool) (*ProductionLine, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if reasonRequired && reason == "" {
		return nil, &ReasonRequiredError{Action: "transition to " + string(to)}
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var line ProductionLine
	if err := tx.WithContext(ctx).Where("tenant_id = ?", tenantId).First(&line, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	if to == LineStatusReadyToInvoice {
		failures, err := blockingFailures(ctx, tx, line.ID)
		if err != nil {
			return nil, err
		}
		if len(failures) > 0 {
			return nil, &ValidationFailedError{LineId: line.ID, Failures: failures}
		}
	}

	if err := transitionLine(ctx, tx, &line, to, reason); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &line, nil
}

type LineBillingOverride struct {
	Quantity *decimal.Decimal `json:"quantity"`
	Rate     *decimal.Decimal `json:"rate"`
	Reason   string           `json:"reason"`
}

// OverrideLineBilling applies a manual rate and/or quantity edit. The reason
// is mandatory and the override is recorded before the line changes, so the
// audit trail can never lag the mutation.
func OverrideLineBilling(ctx context.Context, id int, input *LineBillingOverride) (*ProductionLine, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if input.Reason == "" {
		return nil, &ReasonRequiredError{Action: "rate/quantity override"}
	}
	if input.Quantity == nil && input.Rate == nil {
		return nil, errors.New("override requires a quantity or a rate")
	}
	if input.Quantity != nil && input.Quantity.IsNegative() {
		return nil, errors.New("quantity cannot be negative")
	}
	if input.Rate != nil && input.Rate.IsNegative() {
		return nil, errors.New("rate cannot be negative")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var line ProductionLine
	if err := tx.WithContext(ctx).Where("tenant_id = ?", tenantId).First(&line, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if !line.CurrentStatus.IsPreInvoiced() {
		return nil, &StateConflictError{
			EntityType: EntityTypeProductionLine, EntityId: line.ID,
			From: string(line.CurrentStatus), To: string(line.CurrentStatus),
			Detail: "invoiced lines are immutable history",
		}
	}
	if line.InvoiceBatchId != 0 {
		return nil, &StateConflictError{
			EntityType: EntityTypeProductionLine, EntityId: line.ID,
			From: string(line.CurrentStatus), To: string(line.CurrentStatus),
			Detail: fmt.Sprintf("line is claimed by invoice batch %d; reject the batch to release it first", line.InvoiceBatchId),
		}
	}

	actorName, _ := utils.GetActorNameFromContext(ctx)
	override := RateOverride{
		ProductionLineId: line.ID,
		OriginalQty:      line.Quantity,
		OverrideQty:      input.Quantity,
		OriginalRate:     line.AppliedRate,
		OverrideRate:     input.Rate,
		Reason:           input.Reason,
		ActorName:        actorName,
	}
	if err := tx.WithContext(ctx).Create(&override).Error; err != nil {
		return nil, err
	}

	qty := utils.DereferencePtr(input.Quantity, line.Quantity)
	rate := utils.DereferencePtr(input.Rate, line.AppliedRate)
	line.Quantity = qty
	line.AppliedRate = rate
	line.ExtendedAmount = qty.Mul(rate)
	line.Flags = appendFlag(line.Flags, "manual-override")
	// Struct update: a map update skips the JSON serializer on Flags.
	if err := tx.Model(&line).
		Select("quantity", "applied_rate", "extended_amount", "flags").
		Updates(&line).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &line, nil
}

func appendFlag(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}

func fetchEvidenceAsset(ctx context.Context, tenantId string, lineId, assetId int) (*EvidenceAsset, error) {
	db := config.GetDB()
	var asset EvidenceAsset
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND production_line_id = ?", tenantId, lineId).
		First(&asset, assetId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &asset, nil
}

// VerifyEvidenceAsset confirms the referenced storage object actually exists
// in the evidence bucket and marks the asset verified.
func VerifyEvidenceAsset(ctx context.Context, lineId, assetId int) (*EvidenceAsset, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	asset, err := fetchEvidenceAsset(ctx, tenantId, lineId, assetId)
	if err != nil {
		return nil, err
	}
	objectKey := utils.ExtractObjectKeyFromURL(asset.StorageURL)
	if objectKey == "" {
		return nil, errors.New("evidence is not stored in the evidence bucket")
	}
	exists, err := utils.EvidenceObjectExists(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.New("referenced evidence object does not exist")
	}
	if err := config.GetDB().WithContext(ctx).Model(&EvidenceAsset{}).
		Where("id = ?", asset.ID).Update("verified", true).Error; err != nil {
		return nil, err
	}
	asset.Verified = true
	return asset, nil
}

// EvidenceReadURL hands consumers a short-lived signed GET URL for a
// bucket-hosted asset. Assets hosted elsewhere (the source system's own
// storage) pass through unchanged.
func EvidenceReadURL(ctx context.Context, lineId, assetId int) (string, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return "", errors.New("tenant id is required")
	}
	asset, err := fetchEvidenceAsset(ctx, tenantId, lineId, assetId)
	if err != nil {
		return "", err
	}
	objectKey := utils.ExtractObjectKeyFromURL(asset.StorageURL)
	if objectKey == "" {
		return asset.StorageURL, nil
	}
	return utils.SignEvidenceReadURL(objectKey, 15*time.Minute)
}
