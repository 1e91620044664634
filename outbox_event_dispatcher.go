package main

import (
	"context"
	"os"
	"strings"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OutboxEventDispatcher drains pending status-event rows to Pub/Sub.
// Publishing is at-least-once; consumers dedupe on the event id. Rows are
// claimed with a worker lock so several revisions can run concurrently.
type OutboxEventDispatcher struct {
	DB          *gorm.DB
	Logger      *logrus.Logger
	WorkerID    string
	BatchSize   int
	Interval    time.Duration
	LockTTL     time.Duration
	MaxAttempts int
}

func NewOutboxEventDispatcher(db *gorm.DB, logger *logrus.Logger) *OutboxEventDispatcher {
	return &OutboxEventDispatcher{
		DB:          db,
		Logger:      logger,
		WorkerID:    "dispatcher-" + time.Now().Format("20060102-150405.000"),
		BatchSize:   50,
		Interval:    2 * time.Second,
		LockTTL:     30 * time.Second,
		MaxAttempts: 10,
	}
}

func shouldRunOutboxDispatcher() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DISPATCHER")))
	if val == "false" {
		return false
	}
	// Default on: status events are how downstream reporting learns about
	// line and batch transitions, so the drain must not depend on opt-in.
	return true
}

func (d *OutboxEventDispatcher) Run(ctx context.Context) {
	if d == nil || d.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.Interval):
		}
	}
}

func (d *OutboxEventDispatcher) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTTL)

	var claimed []models.StatusEventRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("publish_status IN ?", []models.OutboxPublishStatus{
				models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed,
			}).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(d.BatchSize)
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]int, 0, len(claimed))
		for _, rec := range claimed {
			ids = append(ids, rec.ID)
		}
		return tx.Model(&models.StatusEventRecord{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"locked_at": now,
				"locked_by": d.WorkerID,
			}).Error
	})
	if err != nil {
		config.LogError(d.Logger, "outbox", "processOnce", "claim rows", nil, err)
		return
	}

	for _, record := range claimed {
		d.dispatchOne(ctx, record)
	}
}

func publishStatusEvent(ctx context.Context, record models.StatusEventRecord) (string, error) {
	return config.PublishStatusEvent(ctx, models.ConvertToStatusEventMessage(record))
}

func (d *OutboxEventDispatcher) dispatchOne(ctx context.Context, record models.StatusEventRecord) {
	messageId, err := publishStatusEvent(ctx, record)
	now := time.Now().UTC()

	if err == nil {
		updates := map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       now,
			"pub_sub_message_id": messageId,
			"locked_at":          nil,
			"locked_by":          nil,
		}
		if dbErr := d.DB.Model(&models.StatusEventRecord{}).
			Where("id = ?", record.ID).Updates(updates).Error; dbErr != nil {
			config.LogError(d.Logger, "outbox", "dispatchOne", "mark sent",
				logrus.Fields{"recordId": record.ID}, dbErr)
		}
		return
	}

	attempts := record.PublishAttempts + 1
	status := models.OutboxPublishStatusFailed
	if attempts >= d.MaxAttempts {
		status = models.OutboxPublishStatusDead
	}
	backoff := time.Duration(attempts*attempts) * time.Second
	nextAttempt := now.Add(backoff)
	errMsg := err.Error()

	updates := map[string]interface{}{
		"publish_status":     status,
		"publish_attempts":   attempts,
		"next_attempt_at":    nextAttempt,
		"last_publish_error": errMsg,
		"locked_at":          nil,
		"locked_by":          nil,
	}
	if dbErr := d.DB.Model(&models.StatusEventRecord{}).
		Where("id = ?", record.ID).Updates(updates).Error; dbErr != nil {
		config.LogError(d.Logger, "outbox", "dispatchOne", "mark failed",
			logrus.Fields{"recordId": record.ID}, dbErr)
	}
	config.LogError(d.Logger, "outbox", "dispatchOne", "publish",
		logrus.Fields{"recordId": record.ID, "attempts": attempts, "status": status}, err)
}
