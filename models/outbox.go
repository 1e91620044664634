package models

import (
	"context"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StatusEventRecord implements a transactional outbox for status-change
// notifications: the row is written inside the caller's DB transaction and
// published to Pub/Sub asynchronously by the dispatcher after commit.
type StatusEventRecord struct {
	ID         int       `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	TenantId   string    `gorm:"size:64;not null;index" json:"tenant_id"`
	OccurredAt time.Time `gorm:"index;not null" json:"occurred_at"`
	EntityId   int       `gorm:"index" json:"entity_id"`
	EntityType string    `gorm:"size:40;index" json:"entity_type"`
	OldStatus  string    `gorm:"size:40" json:"old_status"`
	NewStatus  string    `gorm:"size:40" json:"new_status"`
	ActorName  string    `gorm:"size:100" json:"actor_name"`
	Note       string    `gorm:"type:text" json:"note"`

	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    OutboxPublishStatus `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time          `gorm:"index" json:"published_at"`
	PubSubMessageId  *string             `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time          `gorm:"index" json:"locked_at"`
	LockedBy         *string             `gorm:"size:100" json:"locked_by"`
	LastPublishError *string             `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string              `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToStatusEventMessage(record StatusEventRecord) config.StatusEventMessage {
	return config.StatusEventMessage{
		ID:            record.ID,
		TenantId:      record.TenantId,
		OccurredAt:    record.OccurredAt,
		EntityId:      record.EntityId,
		EntityType:    record.EntityType,
		OldStatus:     record.OldStatus,
		NewStatus:     record.NewStatus,
		ActorName:     record.ActorName,
		Note:          record.Note,
		CorrelationId: record.CorrelationId,
	}
}

// RecordStatusEvent writes the event row inside the caller's DB transaction.
// It never publishes directly; notification delivery must not decide the
// fate of the billing transaction.
func RecordStatusEvent(ctx context.Context, tx *gorm.DB, tenantId string, entityType string, entityId int, oldStatus, newStatus string, note string) error {
	actorName, _ := utils.GetActorNameFromContext(ctx)
	record := StatusEventRecord{
		TenantId:      tenantId,
		OccurredAt:    time.Now().UTC(),
		EntityId:      entityId,
		EntityType:    entityType,
		OldStatus:     oldStatus,
		NewStatus:     newStatus,
		ActorName:     actorName,
		Note:          note,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
