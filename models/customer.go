package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
)

// Customer is the billed party (ISP / network owner) a contract and its
// rate cards belong to.
type Customer struct {
	ID                      int          `gorm:"primary_key" json:"id"`
	TenantId                string       `gorm:"index;not null" json:"tenant_id" binding:"required"`
	Name                    string       `gorm:"size:100;not null" json:"name" binding:"required"`
	ContractNumber          string       `gorm:"size:100" json:"contract_number"`
	BillingAddress          string       `gorm:"size:255" json:"billing_address"`
	BillingCity             string       `gorm:"size:100" json:"billing_city"`
	BillingState            string       `gorm:"size:50" json:"billing_state"`
	BillingZip              string       `gorm:"size:20" json:"billing_zip"`
	BillingEmail            string       `gorm:"size:100" json:"billing_email"`
	BillingPhone            string       `gorm:"size:30" json:"billing_phone"`
	DefaultPaymentTerms     PaymentTerms `gorm:"size:20;default:'Net30'" json:"default_payment_terms"`
	DefaultRetainagePercent int          `gorm:"default:0" json:"default_retainage_percent"`
	CreatedAt               time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCustomer struct {
	Name                    string       `json:"name" binding:"required"`
	ContractNumber          string       `json:"contract_number"`
	BillingAddress          string       `json:"billing_address"`
	BillingCity             string       `json:"billing_city"`
	BillingState            string       `json:"billing_state"`
	BillingZip              string       `json:"billing_zip"`
	BillingEmail            string       `json:"billing_email"`
	BillingPhone            string       `json:"billing_phone"`
	DefaultPaymentTerms     PaymentTerms `json:"default_payment_terms"`
	DefaultRetainagePercent int          `json:"default_retainage_percent"`
}

func (input NewCustomer) validate() error {
	if input.BillingEmail != "" && !utils.IsValidEmail(input.BillingEmail) {
		return errors.New("billing email is not valid")
	}
	if input.BillingPhone != "" {
		if err := utils.ValidatePhoneNumber(input.BillingPhone, utils.CountryCode); err != nil {
			return errors.New("billing phone is not valid")
		}
	}
	if input.DefaultRetainagePercent < 0 || input.DefaultRetainagePercent > 100 {
		return errors.New("retainage percent must be between 0 and 100")
	}
	return nil
}

func CreateCustomer(ctx context.Context, input *NewCustomer) (*Customer, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	if err := input.validate(); err != nil {
		return nil, err
	}
	if err := utils.ValidateUnique[Customer](ctx, tenantId, "name", input.Name, 0); err != nil {
		return nil, err
	}

	terms := input.DefaultPaymentTerms
	if terms == "" {
		terms = PaymentTermsNet30
	}

	customer := Customer{
		TenantId:                tenantId,
		Name:                    input.Name,
		ContractNumber:          input.ContractNumber,
		BillingAddress:          input.BillingAddress,
		BillingCity:             input.BillingCity,
		BillingState:            input.BillingState,
		BillingZip:              input.BillingZip,
		BillingEmail:            input.BillingEmail,
		BillingPhone:            input.BillingPhone,
		DefaultPaymentTerms:     terms,
		DefaultRetainagePercent: input.DefaultRetainagePercent,
	}
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func GetCustomer(ctx context.Context, id int) (*Customer, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	return utils.FetchModel[Customer](ctx, tenantId, id)
}

// BillingProfileComplete reports whether the customer record carries enough
// detail to put on an outgoing invoice. Used as a readiness checklist gate.
func (c *Customer) BillingProfileComplete() bool {
	return c.Name != "" && c.BillingAddress != "" && c.BillingEmail != ""
}
