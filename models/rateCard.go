package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
	"github.com/shopspring/decimal"
)

// RateCard is a versioned, dated price sheet per customer. Once published a
// card is immutable; a price change always means a new version. Versions are
// monotonic per (tenant, customer) and never reused, so any invoice that
// records its card id + version stays reproducible after a price change.
type RateCard struct {
	ID            int            `gorm:"primary_key" json:"id"`
	TenantId      string         `gorm:"index;not null" json:"tenant_id" binding:"required"`
	CustomerId    int            `gorm:"index;not null" json:"customer_id" binding:"required"`
	Version       int            `gorm:"not null;default:1" json:"version"`
	EffectiveFrom time.Time      `gorm:"index;not null" json:"effective_from" binding:"required"`
	EffectiveTo   *time.Time     `gorm:"index" json:"effective_to"`
	Published     *bool          `gorm:"not null;default:false" json:"published"`
	Items         []RateCardItem `gorm:"foreignKey:RateCardId" json:"items"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

type RateCardItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	RateCardId  int             `gorm:"index;not null" json:"rate_card_id"`
	BillingCode string          `gorm:"size:50;index;not null" json:"billing_code" binding:"required"`
	Description string          `gorm:"size:255" json:"description"`
	Unit        string          `gorm:"size:20;not null" json:"unit" binding:"required"`
	Rate        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"rate" binding:"required"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewRateCard struct {
	CustomerId    int               `json:"customer_id" binding:"required"`
	EffectiveFrom time.Time         `json:"effective_from" binding:"required"`
	EffectiveTo   *time.Time        `json:"effective_to"`
	Items         []NewRateCardItem `json:"items" binding:"required"`
}

type NewRateCardItem struct {
	BillingCode string          `json:"billing_code" binding:"required"`
	Description string          `json:"description"`
	Unit        string          `json:"unit" binding:"required"`
	Rate        decimal.Decimal `json:"rate" binding:"required"`
}

// ResolvedRate is what the aggregator stamps onto a production line.
type ResolvedRate struct {
	Rate       decimal.Decimal `json:"rate"`
	RateCardId int             `json:"rate_card_id"`
	Version    int             `json:"version"`
	Unit       string          `json:"unit"`
}

func (input NewRateCard) validate() error {
	if len(input.Items) == 0 {
		return errors.New("rate card requires at least one item")
	}
	seen := make(map[string]struct{}, len(input.Items))
	for _, item := range input.Items {
		if item.Rate.IsNegative() {
			return fmt.Errorf("rate for %s cannot be negative", item.BillingCode)
		}
		if _, dup := seen[item.BillingCode]; dup {
			return fmt.Errorf("duplicate billing code %s", item.BillingCode)
		}
		seen[item.BillingCode] = struct{}{}
	}
	if input.EffectiveTo != nil && input.EffectiveTo.Before(input.EffectiveFrom) {
		return errors.New("effective_to must not precede effective_from")
	}
	return nil
}

// CreateRateCard creates a DRAFT card at the next version for the customer.
func CreateRateCard(ctx context.Context, input *NewRateCard) (*RateCard, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[Customer](ctx, tenantId, input.CustomerId); err != nil {
		return nil, errors.New("customer not found")
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var maxVersion int
	if err := tx.Model(&RateCard{}).
		Where("tenant_id = ? AND customer_id = ?", tenantId, input.CustomerId).
		Select("COALESCE(MAX(version), 0)").Scan(&maxVersion).Error; err != nil {
		return nil, err
	}

	card := RateCard{
		TenantId:      tenantId,
		CustomerId:    input.CustomerId,
		Version:       maxVersion + 1,
		EffectiveFrom: input.EffectiveFrom,
		EffectiveTo:   input.EffectiveTo,
		Published:     utils.NewFalse(),
	}
	for _, item := range input.Items {
		card.Items = append(card.Items, RateCardItem{
			BillingCode: item.BillingCode,
			Description: item.Description,
			Unit:        item.Unit,
			Rate:        item.Rate,
		})
	}
	if err := tx.WithContext(ctx).Create(&card).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &card, nil
}

// PublishRateCard freezes the card. Resolution only ever sees published
// cards, so drafts can be edited freely up to this point.
func PublishRateCard(ctx context.Context, id int) (*RateCard, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	card, err := utils.FetchModel[RateCard](ctx, tenantId, id, "Items")
	if err != nil {
		return nil, err
	}
	if card.Published != nil && *card.Published {
		return nil, &StateConflictError{
			EntityType: "rate_card", EntityId: id,
			From: "Published", To: "Published",
			Detail: "card is already published and immutable",
		}
	}
	if len(card.Items) == 0 {
		return nil, errors.New("cannot publish an empty rate card")
	}

	if err := db.WithContext(ctx).Model(&RateCard{}).
		Where("tenant_id = ? AND id = ?", tenantId, id).
		Update("published", true).Error; err != nil {
		return nil, err
	}
	card.Published = utils.NewTrue()

	// Cached resolutions for this customer are stale now.
	_ = config.RemoveRedisKeysByPattern(fmt.Sprintf("rate:%s:%d:*", tenantId, card.CustomerId))

	return card, nil
}

func rateCacheKey(tenantId string, customerId int, billingCode string, asOf time.Time) string {
	return fmt.Sprintf("rate:%s:%d:%s:%s", tenantId, customerId, billingCode, asOf.Format("2006-01-02"))
}

// ResolveRate deterministically selects the single published rate-card
// version whose effective range contains asOf for the customer. When two
// versions overlap, the higher version wins (later-published price takes
// precedence). A miss is a blocking *RateNotFoundError, never a zero rate.
func ResolveRate(ctx context.Context, tenantId string, customerId int, billingCode string, asOf time.Time) (*ResolvedRate, error) {
	cacheKey := rateCacheKey(tenantId, customerId, billingCode, asOf)
	var cached ResolvedRate
	if exists, err := config.GetRedisObject(cacheKey, &cached); err == nil && exists {
		return &cached, nil
	}

	db := config.GetDB()
	var cards []*RateCard
	err := db.WithContext(ctx).
		Preload("Items").
		Where("tenant_id = ? AND customer_id = ? AND published = ?", tenantId, customerId, true).
		Where("effective_from <= ?", asOf).
		Where("(effective_to IS NULL OR effective_to >= ?)", asOf).
		Order("version DESC").
		Find(&cards).Error
	if err != nil {
		return nil, err
	}

	for _, card := range cards {
		for _, item := range card.Items {
			if item.BillingCode == billingCode {
				resolved := &ResolvedRate{
					Rate:       item.Rate,
					RateCardId: card.ID,
					Version:    card.Version,
					Unit:       item.Unit,
				}
				_ = config.SetRedisObject(cacheKey, resolved, 12*time.Hour)
				return resolved, nil
			}
		}
	}

	return nil, &RateNotFoundError{BillingCode: billingCode, CustomerId: customerId, AsOf: asOf}
}
