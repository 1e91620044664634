package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
)

// Job is one construction project (a "run") production lines report against.
type Job struct {
	ID         int       `gorm:"primary_key" json:"id"`
	TenantId   string    `gorm:"index;not null" json:"tenant_id" binding:"required"`
	CustomerId int       `gorm:"index;not null" json:"customer_id" binding:"required"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	RunId      string    `gorm:"size:50" json:"run_id"`
	City       string    `gorm:"size:100" json:"city"`
	State      string    `gorm:"size:50" json:"state"`
	FiberCount int       `gorm:"default:0" json:"fiber_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewJob struct {
	CustomerId int    `json:"customer_id" binding:"required"`
	Name       string `json:"name" binding:"required"`
	RunId      string `json:"run_id"`
	City       string `json:"city"`
	State      string `json:"state"`
	FiberCount int    `json:"fiber_count"`
}

func CreateJob(ctx context.Context, input *NewJob) (*Job, error) {
	db := config.GetDB()

	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := utils.ValidateResourceId[Customer](ctx, tenantId, input.CustomerId); err != nil {
		return nil, errors.New("customer not found")
	}

	job := Job{
		TenantId:   tenantId,
		CustomerId: input.CustomerId,
		Name:       input.Name,
		RunId:      input.RunId,
		City:       input.City,
		State:      input.State,
		FiberCount: input.FiberCount,
	}
	if err := db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func GetJob(ctx context.Context, id int) (*Job, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	return utils.FetchModel[Job](ctx, tenantId, id)
}
