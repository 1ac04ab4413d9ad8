package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/appctx"
	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChangeEventPublishStatus string

const (
	ChangeEventPublishPending    ChangeEventPublishStatus = "PENDING"
	ChangeEventPublishProcessing ChangeEventPublishStatus = "PROCESSING"
	ChangeEventPublishSent       ChangeEventPublishStatus = "SENT"
	ChangeEventPublishFailed     ChangeEventPublishStatus = "FAILED"
	ChangeEventPublishDead       ChangeEventPublishStatus = "DEAD"
)

// ChangeEvent is one committed mutation. Rows are written in the same transaction
// as the mutation and form the durable change feed, ordered by FeedSeq.
// The publish columns track relaying the row to Pub/Sub.
type ChangeEvent struct {
	ID               int64                    `gorm:"primaryKey;autoIncrement;index:idx_change_relay,priority:3" json:"id"`
	EventId          string                   `gorm:"size:64;not null;uniqueIndex" json:"event_id"`
	BusinessId       string                   `gorm:"size:64;not null;index;uniqueIndex:idx_change_feed_seq,priority:1" json:"business_id"`
	FeedSeq          int64                    `gorm:"not null;uniqueIndex:idx_change_feed_seq,priority:2" json:"feed_seq"`
	EntityType       realtime.EntityType      `gorm:"size:32;not null;index" json:"entity_type"`
	ChangeKind       realtime.ChangeKind      `gorm:"size:40;not null" json:"change_kind"`
	EntityId         string                   `gorm:"size:64" json:"entity_id"`
	SessionId        string                   `gorm:"size:64;index" json:"session_id"`
	Payload          []byte                   `gorm:"type:blob" json:"payload"`
	OccurredAt       time.Time                `gorm:"not null" json:"occurred_at"`
	CorrelationId    string                   `gorm:"size:64" json:"correlation_id"`
	PublishStatus    ChangeEventPublishStatus `gorm:"size:20;not null;default:'PENDING';index:idx_change_relay,priority:1" json:"publish_status"`
	PublishAttempts  int                      `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time               `gorm:"index:idx_change_relay,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time               `gorm:"index" json:"locked_at"`
	LockedBy         *string                  `gorm:"size:100" json:"locked_by"`
	LastPublishError *string                  `gorm:"type:text" json:"last_publish_error"`
	PubSubMessageId  *string                  `gorm:"size:255" json:"pubsub_message_id"`
	PublishedAt      *time.Time               `json:"published_at"`
	CreatedAt        time.Time                `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time                `gorm:"autoUpdateTime" json:"updated_at"`
}

// AppendChangeEvent writes a change row inside tx. sessionId names the account a
// permission event is about; it is empty for other entities.
func AppendChangeEvent(tx *gorm.DB, businessId string, entity realtime.EntityType, kind realtime.ChangeKind, entityId string, sessionId string, payload any) (*ChangeEvent, error) {
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	correlationId := ""
	if ctx := tx.Statement.Context; ctx != nil {
		correlationId, _ = appctx.GetCorrelationId(ctx)
	}

	seq, err := nextFeedSeq(tx, businessId)
	if err != nil {
		return nil, err
	}

	event := ChangeEvent{
		EventId:       uuid.NewString(),
		BusinessId:    businessId,
		FeedSeq:       seq,
		EntityType:    entity,
		ChangeKind:    kind,
		EntityId:      entityId,
		SessionId:     sessionId,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
		CorrelationId: correlationId,
		PublishStatus: ChangeEventPublishPending,
	}
	if err := tx.Create(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// ToEvent converts the row into a durable-channel realtime event.
func (c ChangeEvent) ToEvent() realtime.Event {
	return realtime.Event{
		ID:         c.EventId,
		Seq:        c.FeedSeq,
		BusinessId: c.BusinessId,
		Entity:     c.EntityType,
		Kind:       c.ChangeKind,
		EntityId:   c.EntityId,
		SessionId:  c.SessionId,
		Payload:    json.RawMessage(c.Payload),
		OriginAt:   c.OccurredAt,
		Channel:    realtime.ChannelDurable,
	}
}

const (
	defaultChangeFeedLimit = 100
	maxChangeFeedLimit     = 500
)

// ChangeEventFilter selects change rows after a cursor. Sessions limits permission
// events to those naming one of the given accounts; other entities are unaffected.
type ChangeEventFilter struct {
	After    int64
	Limit    int
	Entity   realtime.EntityType
	Sessions []string
}

// ListChangeEvents returns change events of the business in feed order and the cursor
// to resume from. The cursor is unchanged when nothing new is found.
func ListChangeEvents(ctx context.Context, businessId string, filter ChangeEventFilter) ([]realtime.Event, int64, error) {
	if businessId == "" {
		return nil, filter.After, ErrTenantRequired
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultChangeFeedLimit
	}
	limit = min(limit, maxChangeFeedLimit)

	db := config.GetDB()
	query := db.WithContext(ctx).Model(&ChangeEvent{}).
		Where("business_id = ? AND feed_seq > ?", businessId, filter.After)
	if filter.Entity != "" {
		query = query.Where("entity_type = ?", filter.Entity)
	}
	if len(filter.Sessions) > 0 {
		query = query.Where("(entity_type <> ? OR session_id IN ?)", realtime.EntityPermission, filter.Sessions)
	}

	var rows []ChangeEvent
	if err := query.Order("feed_seq ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, filter.After, err
	}

	next := filter.After
	events := make([]realtime.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.ToEvent())
		next = row.FeedSeq
	}
	return events, next, nil
}
