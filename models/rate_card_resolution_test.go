package models_test

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/models"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
)

func TestResolveRatePicksCoveringPublishedCard(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	tenantId, _ := utils.GetTenantIdFromContext(ctx)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	card := seedPublishedRateCard(t, ctx, customer.ID, "0.38", from, nil)

	resolved, err := models.ResolveRate(ctx, tenantId, customer.ID, "AER-STRAND", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ResolveRate: %v", err)
	}
	if !resolved.Rate.Equal(mustDecimal(t, "0.38")) {
		t.Fatalf("rate = %s, want 0.38", resolved.Rate)
	}
	if resolved.RateCardId != card.ID || resolved.Version != card.Version {
		t.Fatalf("resolved card %d v%d, want %d v%d", resolved.RateCardId, resolved.Version, card.ID, card.Version)
	}
}

func TestResolveRateHigherVersionWinsOnOverlap(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	tenantId, _ := utils.GetTenantIdFromContext(ctx)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedPublishedRateCard(t, ctx, customer.ID, "0.38", from, nil)
	v2 := seedPublishedRateCard(t, ctx, customer.ID, "0.42", from, nil)

	resolved, err := models.ResolveRate(ctx, tenantId, customer.ID, "AER-STRAND", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ResolveRate: %v", err)
	}
	if !resolved.Rate.Equal(mustDecimal(t, "0.42")) {
		t.Fatalf("rate = %s, want 0.42 from the higher version", resolved.Rate)
	}
	if resolved.Version != v2.Version {
		t.Fatalf("version = %d, want %d", resolved.Version, v2.Version)
	}
}

func TestResolveRateIgnoresDraftsAndExpiredCards(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	tenantId, _ := utils.GetTenantIdFromContext(ctx)

	// Expired card.
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	seedPublishedRateCard(t, ctx, customer.ID, "0.30", from, &to)

	// Draft card covering the date, never published.
	if _, err := models.CreateRateCard(ctx, &models.NewRateCard{
		CustomerId:    customer.ID,
		EffectiveFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Items: []models.NewRateCardItem{
			{BillingCode: "AER-STRAND", Unit: "ft", Rate: mustDecimal(t, "0.99")},
		},
	}); err != nil {
		t.Fatalf("CreateRateCard: %v", err)
	}

	_, err := models.ResolveRate(ctx, tenantId, customer.ID, "AER-STRAND", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	var notFound *models.RateNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want *RateNotFoundError", err)
	}
	if notFound.BillingCode != "AER-STRAND" {
		t.Fatalf("error names code %q, want AER-STRAND", notFound.BillingCode)
	}
}

func TestResolveRateUnknownCodeIsBlocking(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)
	tenantId, _ := utils.GetTenantIdFromContext(ctx)

	seedPublishedRateCard(t, ctx, customer.ID, "0.38", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	_, err := models.ResolveRate(ctx, tenantId, customer.ID, "NO-SUCH-CODE", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	var notFound *models.RateNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want *RateNotFoundError", err)
	}
}

func TestPublishRateCardIsOneWay(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)

	card := seedPublishedRateCard(t, ctx, customer.ID, "0.38", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	_, err := models.PublishRateCard(ctx, card.ID)
	var conflict *models.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second publish err = %v, want *StateConflictError", err)
	}
}

func TestRateCardVersionsAreMonotonic(t *testing.T) {
	ctx := newTestContext(t)
	customer := seedCustomer(t, ctx)

	first := seedPublishedRateCard(t, ctx, customer.ID, "0.38", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	second := seedPublishedRateCard(t, ctx, customer.ID, "0.42", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	if second.Version != first.Version+1 {
		t.Fatalf("versions %d then %d, want monotonic increment", first.Version, second.Version)
	}
}
