package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"gorm.io/gorm"
)

func calculateDueDate(date time.Time, paymentTerms PaymentTerms, customDays int) *time.Time {
	var dueDate time.Time
	switch terms := paymentTerms; terms {
	case PaymentTermsDueOnReceipt:
		dueDate = date
	case PaymentTermsNet15:
		dueDate = date.AddDate(0, 0, 15)
	case PaymentTermsNet30:
		dueDate = date.AddDate(0, 0, 30)
	case PaymentTermsNet45:
		dueDate = date.AddDate(0, 0, 45)
	case PaymentTermsNet60:
		dueDate = date.AddDate(0, 0, 60)
	case PaymentTermsDueEndOfMonth:
		year, month, _ := date.Date()
		firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, date.Location())
		dueDate = firstOfMonth.AddDate(0, 1, -1)
	case PaymentTermsDueEndOfNextMonth:
		year, month, _ := date.Date()
		firstOfNextMonth := time.Date(year, month+1, 1, 0, 0, 0, 0, date.Location())
		dueDate = firstOfNextMonth.AddDate(0, 1, -1)
	case PaymentTermsCustom:
		dueDate = date.AddDate(0, 0, customDays)
	default:
		dueDate = date.AddDate(0, 0, 30)
	}
	return &dueDate
}

// nextBatchSequence hands out the per-tenant invoice batch sequence number.
// The batches table is the authority; the Redis counter only skips ahead of
// it. A flushed counter reseeds from MAX() instead of restarting at 1, and
// the unique index on (tenant_id, sequence_no) backstops any remaining race.
func nextBatchSequence(ctx context.Context, tx *gorm.DB, tenantId string) (int64, error) {
	var maxSeq int64
	if err := tx.Model(&InvoiceBatch{}).
		Where("tenant_id = ?", tenantId).
		Select("COALESCE(MAX(sequence_no), 0)").Scan(&maxSeq).Error; err != nil {
		return 0, err
	}

	redisKey := "batchSeq:" + tenantId
	if n, err := config.GetRedisCounter(ctx, redisKey); err == nil && n > maxSeq {
		return n, nil
	}

	next := maxSeq + 1
	_ = config.SetRedisValue(redisKey, fmt.Sprint(next), 0)
	return next, nil
}

func formatBatchNumber(periodEnd time.Time, seq int64) string {
	return fmt.Sprintf("INV-%s-%04d", periodEnd.Format("200601"), seq)
}
