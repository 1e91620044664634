package models

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
	"github.com/shopspring/decimal"
)

// InvoiceLineItemAggregate is one rolled-up invoice line: all READY
// production for a billing code priced under a single rate-card version.
// The breakdown keeps the roll-up auditable back to individual lines.
type InvoiceLineItemAggregate struct {
	BillingCode     string              `json:"billing_code"`
	Description     string              `json:"description"`
	Unit            string              `json:"unit"`
	Quantity        decimal.Decimal     `json:"quantity"`
	Rate            decimal.Decimal     `json:"rate"`
	Amount          decimal.Decimal     `json:"amount"`
	RateCardId      int                 `json:"rate_card_id"`
	RateCardVersion int                 `json:"rate_card_version"`
	MinCompliance   int                 `json:"min_compliance"`
	EvidenceCount   int                 `json:"evidence_count"`
	Breakdown       []QtyBreakdownEntry `json:"breakdown"`
}

// QtyBreakdownEntry ties an aggregate back to one contributing line.
type QtyBreakdownEntry struct {
	ProductionLineId int             `json:"production_line_id"`
	ExternalId       string          `json:"external_id"`
	JobId            int             `json:"job_id"`
	WorkDate         time.Time       `json:"work_date"`
	CrewName         string          `json:"crew_name"`
	Quantity         decimal.Decimal `json:"quantity"`
	Amount           decimal.Decimal `json:"amount"`
	ComplianceScore  int             `json:"compliance_score"`
}

// PriceReadyLines stamps a resolved rate onto every listed line that does
// not carry one yet. Resolution is dated by each line's work date. A miss
// aborts the whole batch; partially priced batches would hide config gaps.
func PriceReadyLines(ctx context.Context, lineIds []int) ([]*ProductionLine, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	var lines []*ProductionLine
	err := db.WithContext(ctx).
		Preload("EvidenceAssets").
		Where("tenant_id = ? AND id IN ?", tenantId, lineIds).
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	if len(lines) != len(lineIds) {
		return nil, utils.ErrorRecordNotFound
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	for _, line := range lines {
		if line.CurrentStatus != LineStatusReadyToInvoice {
			return nil, &StateConflictError{
				EntityType: EntityTypeProductionLine, EntityId: line.ID,
				From: string(line.CurrentStatus), To: string(LineStatusInvoiced),
				Detail: "only READY_TO_INVOICE lines can be priced for aggregation",
			}
		}
		if line.BillingCode == "" {
			return nil, &RateNotFoundError{BillingCode: "(unmapped)", CustomerId: line.CustomerId, AsOf: line.WorkDate}
		}
		if line.AppliedRateCardId != 0 {
			continue
		}
		resolved, err := ResolveRate(ctx, tenantId, line.CustomerId, line.BillingCode, line.WorkDate)
		if err != nil {
			return nil, err
		}
		line.AppliedRate = resolved.Rate
		line.AppliedRateCardId = resolved.RateCardId
		line.AppliedRateCardVersion = resolved.Version
		line.ExtendedAmount = line.Quantity.Mul(resolved.Rate)
		updates := map[string]interface{}{
			"applied_rate":              line.AppliedRate,
			"applied_rate_card_id":      line.AppliedRateCardId,
			"applied_rate_card_version": line.AppliedRateCardVersion,
			"extended_amount":           line.ExtendedAmount,
		}
		if err := tx.Model(&ProductionLine{}).Where("id = ?", line.ID).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return lines, nil
}

// AggregateLines rolls priced lines up by billing code. Pure: same input,
// same output, nothing persisted. Lines under one billing code must share a
// rate-card version; mixing versions is an error, never a silent pick.
func AggregateLines(lines []*ProductionLine) ([]InvoiceLineItemAggregate, error) {
	grouped := make(map[string][]*ProductionLine)
	codes := make([]string, 0)
	for _, line := range lines {
		if line.CurrentStatus != LineStatusReadyToInvoice {
			return nil, &StateConflictError{
				EntityType: EntityTypeProductionLine, EntityId: line.ID,
				From: string(line.CurrentStatus), To: string(LineStatusInvoiced),
				Detail: "only READY_TO_INVOICE lines can be aggregated",
			}
		}
		if _, seen := grouped[line.BillingCode]; !seen {
			codes = append(codes, line.BillingCode)
		}
		grouped[line.BillingCode] = append(grouped[line.BillingCode], line)
	}
	sort.Strings(codes)

	aggregates := make([]InvoiceLineItemAggregate, 0, len(codes))
	for _, code := range codes {
		group := grouped[code]

		versions := make(map[int]struct{})
		for _, line := range group {
			versions[line.AppliedRateCardVersion] = struct{}{}
		}
		if len(versions) > 1 {
			vs := make([]int, 0, len(versions))
			for v := range versions {
				vs = append(vs, v)
			}
			sort.Ints(vs)
			return nil, &RateCardMismatchError{BillingCode: code, Versions: vs}
		}

		agg := InvoiceLineItemAggregate{
			BillingCode:     code,
			Description:     group[0].Description,
			Unit:            group[0].Unit,
			Rate:            group[0].AppliedRate,
			RateCardId:      group[0].AppliedRateCardId,
			RateCardVersion: group[0].AppliedRateCardVersion,
			MinCompliance:   group[0].ComplianceScore,
		}
		qty := decimal.Zero
		for _, line := range group {
			qty = qty.Add(line.Quantity)
			agg.EvidenceCount += len(line.EvidenceAssets)
			if line.ComplianceScore < agg.MinCompliance {
				agg.MinCompliance = line.ComplianceScore
			}
			agg.Breakdown = append(agg.Breakdown, QtyBreakdownEntry{
				ProductionLineId: line.ID,
				ExternalId:       line.ExternalId,
				JobId:            line.JobId,
				WorkDate:         line.WorkDate,
				CrewName:         line.CrewName,
				Quantity:         line.Quantity,
				Amount:           line.ExtendedAmount,
				ComplianceScore:  line.ComplianceScore,
			})
		}
		agg.Quantity = qty
		agg.Amount = qty.Mul(agg.Rate).Round(2)
		aggregates = append(aggregates, agg)
	}
	return aggregates, nil
}

// AggregateReadyLines prices then aggregates. Re-running over the same line
// set yields identical aggregates; pricing is a no-op once stamped.
func AggregateReadyLines(ctx context.Context, lineIds []int) ([]InvoiceLineItemAggregate, error) {
	lines, err := PriceReadyLines(ctx, lineIds)
	if err != nil {
		return nil, err
	}
	return AggregateLines(lines)
}
