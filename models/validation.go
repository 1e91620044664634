package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ValidationResult is one rule outcome attached to a production line. A new
// validation run supersedes the previous set instead of deleting it, so the
// review trail stays replayable.
type ValidationResult struct {
	ID               int                `gorm:"primary_key" json:"id"`
	TenantId         string             `gorm:"index;not null" json:"tenant_id"`
	ProductionLineId int                `gorm:"index;not null" json:"production_line_id"`
	RuleId           string             `gorm:"size:50;not null" json:"rule_id"`
	RuleName         string             `gorm:"size:100;not null" json:"rule_name"`
	Passed           bool               `gorm:"not null" json:"passed"`
	Severity         ValidationSeverity `gorm:"size:10;not null" json:"severity"`
	Message          string             `gorm:"size:500" json:"message"`
	Suggestion       string             `gorm:"size:500" json:"suggestion"`
	Superseded       bool               `gorm:"index;not null;default:false" json:"superseded"`
	CreatedAt        time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

// RuleOutcome is what a single rule reports for a line.
type RuleOutcome struct {
	Passed     bool
	Message    string
	Suggestion string
}

// ValidationRule couples an identity and severity with a check. Checks are
// read-only: they may query but never mutate.
type ValidationRule struct {
	Id       string
	Name     string
	Severity ValidationSeverity
	Check    func(ctx context.Context, line *ProductionLine) RuleOutcome
}

// expected per-day quantity ceilings by work type, in the line's own unit.
// Crews reporting above these are flagged for review, not blocked.
var expectedDailyMax = map[WorkType]decimal.Decimal{
	WorkTypeAerial:      decimal.NewFromInt(8000),
	WorkTypeUnderground: decimal.NewFromInt(3000),
	WorkTypeFiberStrand: decimal.NewFromInt(15000),
	WorkTypeOverlash:    decimal.NewFromInt(10000),
}

// gpsToleranceMeters is how far evidence capture may sit from the line's
// reported coordinates before the match rule fails.
const gpsToleranceMeters = 500.0

func DefaultValidationRules() []ValidationRule {
	return []ValidationRule{
		{
			Id:       "required-evidence-present",
			Name:     "Required evidence present",
			Severity: SeverityError,
			Check:    checkRequiredEvidence,
		},
		{
			Id:       "quantity-within-expected-range",
			Name:     "Quantity within expected range",
			Severity: SeverityWarning,
			Check:    checkQuantityRange,
		},
		{
			Id:       "gps-location-matches-address",
			Name:     "GPS location matches work site",
			Severity: SeverityWarning,
			Check:    checkGpsMatch,
		},
		{
			Id:       "duplicate-submission-check",
			Name:     "Duplicate submission check",
			Severity: SeverityError,
			Check:    checkDuplicateSubmission,
		},
	}
}

func checkRequiredEvidence(_ context.Context, line *ProductionLine) RuleOutcome {
	if len(line.EvidenceAssets) == 0 {
		return RuleOutcome{
			Passed:     false,
			Message:    "no evidence assets attached",
			Suggestion: "attach at least one photo or document captured in the field",
		}
	}
	return RuleOutcome{Passed: true, Message: fmt.Sprintf("%d evidence assets attached", len(line.EvidenceAssets))}
}

func checkQuantityRange(_ context.Context, line *ProductionLine) RuleOutcome {
	if line.Quantity.IsZero() {
		return RuleOutcome{
			Passed:     false,
			Message:    "reported quantity is zero",
			Suggestion: "confirm the crew intended to report zero production",
		}
	}
	ceiling, known := expectedDailyMax[line.WorkType]
	if !known {
		return RuleOutcome{Passed: true, Message: "no expected range configured for work type"}
	}
	if line.Quantity.GreaterThan(ceiling) {
		return RuleOutcome{
			Passed:     false,
			Message:    fmt.Sprintf("quantity %s exceeds expected daily maximum %s for %s work", line.Quantity, ceiling, line.WorkType),
			Suggestion: "verify the reported quantity with the crew before approving",
		}
	}
	return RuleOutcome{Passed: true, Message: "quantity within expected range"}
}

func checkGpsMatch(_ context.Context, line *ProductionLine) RuleOutcome {
	if line.GpsLat == nil || line.GpsLng == nil {
		return RuleOutcome{
			Passed:     false,
			Message:    "line has no GPS coordinates",
			Suggestion: "capture coordinates at the work site",
		}
	}
	var checked int
	for _, ev := range line.EvidenceAssets {
		if ev.GpsLat == nil || ev.GpsLng == nil {
			continue
		}
		checked++
		dist := haversineMeters(*line.GpsLat, *line.GpsLng, *ev.GpsLat, *ev.GpsLng)
		if dist > gpsToleranceMeters {
			return RuleOutcome{
				Passed:     false,
				Message:    fmt.Sprintf("evidence %d captured %.0fm from reported location", ev.ID, dist),
				Suggestion: "confirm the evidence belongs to this work site",
			}
		}
	}
	if checked == 0 {
		return RuleOutcome{Passed: true, Message: "no geotagged evidence to compare"}
	}
	return RuleOutcome{Passed: true, Message: "all geotagged evidence within tolerance"}
}

func checkDuplicateSubmission(ctx context.Context, line *ProductionLine) RuleOutcome {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&ProductionLine{}).
		Where("tenant_id = ? AND job_id = ? AND billing_code = ? AND work_date = ? AND quantity = ?",
			line.TenantId, line.JobId, line.BillingCode, line.WorkDate, line.Quantity).
		Where("id <> ? AND current_status <> ?", line.ID, LineStatusRejected).
		Count(&count).Error
	if err != nil {
		config.LogError(config.GetLogger(), "models", "checkDuplicateSubmission", "count query", logrus.Fields{"lineId": line.ID}, err)
		return RuleOutcome{Passed: true, Message: "duplicate check skipped (query failed)"}
	}
	if count > 0 {
		return RuleOutcome{
			Passed:     false,
			Message:    fmt.Sprintf("%d other line(s) report the same job, code, date and quantity", count),
			Suggestion: "reject this line if it duplicates an earlier submission",
		}
	}
	return RuleOutcome{Passed: true, Message: "no duplicate submissions found"}
}

func haversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadius = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadius * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// ComplianceScore folds a result set into a 0-100 score. Every failed
// result subtracts its severity weight; the result is clamped to [0, 100].
func ComplianceScore(results []ValidationResult) int {
	score := 100
	for _, r := range results {
		if !r.Passed {
			score -= severityWeight(r.Severity)
		}
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// RunValidation evaluates every rule against one line and returns the fresh
// result set without persisting anything.
func RunValidation(ctx context.Context, line *ProductionLine, rules []ValidationRule) []ValidationResult {
	results := make([]ValidationResult, 0, len(rules))
	for _, rule := range rules {
		outcome := rule.Check(ctx, line)
		results = append(results, ValidationResult{
			TenantId:         line.TenantId,
			ProductionLineId: line.ID,
			RuleId:           rule.Id,
			RuleName:         rule.Name,
			Passed:           outcome.Passed,
			Severity:         rule.Severity,
			Message:          outcome.Message,
			Suggestion:       outcome.Suggestion,
		})
	}
	return results
}

// AttachValidation persists a validation run: the previous result set is
// superseded, the compliance score is recomputed, and a NEW line moves to
// PENDING_REVIEW. One transaction; a failed attach leaves the prior set live.
func AttachValidation(ctx context.Context, lineId int, results []ValidationResult) (*ProductionLine, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
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
	if err := tx.WithContext(ctx).Where("tenant_id = ?", tenantId).First(&line, lineId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if !line.CurrentStatus.IsPreInvoiced() {
		return nil, &StateConflictError{
			EntityType: EntityTypeProductionLine, EntityId: line.ID,
			From: string(line.CurrentStatus), To: string(line.CurrentStatus),
			Detail: "invoiced lines no longer accept validation runs",
		}
	}

	if err := tx.Model(&ValidationResult{}).
		Where("production_line_id = ? AND superseded = ?", line.ID, false).
		Update("superseded", true).Error; err != nil {
		return nil, err
	}
	for i := range results {
		results[i].ID = 0
		results[i].TenantId = tenantId
		results[i].ProductionLineId = line.ID
		results[i].Superseded = false
		if err := tx.WithContext(ctx).Create(&results[i]).Error; err != nil {
			return nil, err
		}
	}

	score := ComplianceScore(results)
	if err := tx.Model(&ProductionLine{}).Where("id = ?", line.ID).
		Update("compliance_score", score).Error; err != nil {
		return nil, err
	}
	line.ComplianceScore = score

	if line.CurrentStatus == LineStatusNew {
		if err := transitionLine(ctx, tx, &line, LineStatusPendingReview, "validation attached"); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &line, nil
}

// ValidateLine loads, evaluates and persists in one call.
func ValidateLine(ctx context.Context, lineId int) (*ProductionLine, error) {
	line, err := GetProductionLine(ctx, lineId)
	if err != nil {
		return nil, err
	}
	results := RunValidation(ctx, line, DefaultValidationRules())
	return AttachValidation(ctx, lineId, results)
}

// ValidateLines fans the rule engine out over many lines. Each line is an
// independent transaction; one bad line never blocks the rest of the feed.
func ValidateLines(ctx context.Context, lineIds []int) map[int]error {
	logger := config.GetLogger()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures = make(map[int]error)
	)
	sem := make(chan struct{}, 8)
	for _, id := range lineIds {
		wg.Add(1)
		go func(lineId int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if _, err := ValidateLine(ctx, lineId); err != nil {
				config.LogError(logger, "models", "ValidateLines", "validate line", logrus.Fields{"lineId": lineId}, err)
				mu.Lock()
				failures[lineId] = err
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return failures
}
