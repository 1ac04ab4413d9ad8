package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/appctx"
	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const changeFeedRelayLockKey = "ChangeFeedRelay:runner"

// Publisher sends one change event downstream and returns the broker message id.
type Publisher interface {
	PublishJSON(ctx context.Context, businessId string, obj any) (string, error)
}

// ChangeFeedRelay publishes committed change events to Pub/Sub. Rows move
// PENDING -> PROCESSING -> SENT, or FAILED with backoff, and DEAD after MaxAttempts.
type ChangeFeedRelay struct {
	DB        *gorm.DB
	Publisher Publisher
	Locker    *redislock.Client
	Logger    *logrus.Logger
	RelayID   string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewChangeFeedRelay(db *gorm.DB, publisher Publisher, locker *redislock.Client, logger *logrus.Logger) *ChangeFeedRelay {
	return &ChangeFeedRelay{
		DB:             db,
		Publisher:      publisher,
		Locker:         locker,
		Logger:         logger,
		RelayID:        uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (r *ChangeFeedRelay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := r.RelayOnce(ctx); err != nil && r.Logger != nil {
			r.Logger.WithField("field", "ChangeFeedRelay").Warn("relay pass failed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.PollInterval):
		}
	}
}

// RelayOnce claims one batch and publishes it. It returns the number of rows sent.
// When a Redis locker is configured only one server instance relays at a time.
func (r *ChangeFeedRelay) RelayOnce(ctx context.Context) (int, error) {
	if r.DB == nil || r.Publisher == nil {
		return 0, nil
	}
	// the relay works across tenants
	ctx = appctx.Set(ctx, appctx.ContextKeySkipTenantScope, true)

	if r.Locker != nil {
		lock, err := r.Locker.Obtain(ctx, changeFeedRelayLockKey, r.LockTimeout, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}

	now := time.Now().UTC()
	claimed, err := r.claim(ctx, now)
	if err != nil || len(claimed) == 0 {
		return 0, err
	}

	sent := 0
	for _, row := range claimed {
		if row.PublishStatus == models.ChangeEventPublishDead {
			continue
		}
		msgID, pubErr := r.Publisher.PublishJSON(ctx, row.BusinessId, relayMessage(row))
		if pubErr != nil {
			r.markFailed(ctx, row, pubErr)
			continue
		}
		r.markSent(ctx, row.ID, msgID, now)
		sent++
	}
	return sent, nil
}

// RelayMessage is the Pub/Sub body for a change event.
type RelayMessage struct {
	realtime.Event
	CorrelationId string `json:"correlation_id,omitempty"`
}

// MessageAttributes lets subscribers filter by entity without decoding the body.
func (m RelayMessage) MessageAttributes() map[string]string {
	return map[string]string{
		"entity_type": string(m.Entity),
		"change_kind": string(m.Kind),
		"event_id":    m.ID,
	}
}

func relayMessage(row models.ChangeEvent) RelayMessage {
	return RelayMessage{Event: row.ToEvent(), CorrelationId: row.CorrelationId}
}

func (r *ChangeFeedRelay) claim(ctx context.Context, now time.Time) ([]models.ChangeEvent, error) {
	staleBefore := now.Add(-r.LockTimeout)

	var claimed []models.ChangeEvent
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible: PENDING/FAILED ready to retry, or PROCESSING with a stale lock
		// (a relay crashed mid-batch).
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []models.ChangeEventPublishStatus{models.ChangeEventPublishPending, models.ChangeEventPublishFailed}, now,
				models.ChangeEventPublishProcessing, staleBefore).
			Order("id ASC").
			Limit(r.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}

		for i := range claimed {
			if r.MaxAttempts > 0 && claimed[i].PublishAttempts >= r.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", r.MaxAttempts)
				claimed[i].PublishStatus = models.ChangeEventPublishDead
				if err := tx.Model(&models.ChangeEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.ChangeEventPublishDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.ChangeEventPublishProcessing
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.ChangeEvent{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.ChangeEventPublishProcessing,
				"locked_at":          &now,
				"locked_by":          &r.RelayID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *ChangeFeedRelay) markSent(ctx context.Context, id int64, msgID string, now time.Time) {
	err := r.DB.WithContext(ctx).Model(&models.ChangeEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     models.ChangeEventPublishSent,
			"published_at":       &now,
			"pub_sub_message_id": &msgID,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
	if err != nil && r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{"field": "ChangeFeedRelay", "change_event_id": id}).Error("mark sent: " + err.Error())
	}
}

func (r *ChangeFeedRelay) markFailed(ctx context.Context, row models.ChangeEvent, pubErr error) {
	now := time.Now().UTC()
	msg := pubErr.Error()
	attempt := row.PublishAttempts
	fields := logrus.Fields{
		"field":           "ChangeFeedRelay",
		"business_id":     row.BusinessId,
		"change_event_id": row.ID,
		"attempt":         attempt,
	}

	updates := map[string]interface{}{
		"last_publish_error": &msg,
		"locked_at":          nil,
		"locked_by":          nil,
	}
	if r.MaxAttempts > 0 && attempt >= r.MaxAttempts {
		updates["publish_status"] = models.ChangeEventPublishDead
		updates["next_attempt_at"] = nil
		if r.Logger != nil {
			r.Logger.WithFields(fields).Error("change event publish moved to DEAD after max attempts: " + msg)
		}
	} else {
		next := now.Add(r.backoff(attempt))
		updates["publish_status"] = models.ChangeEventPublishFailed
		updates["next_attempt_at"] = &next
		if r.Logger != nil {
			fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
			r.Logger.WithFields(fields).Warn("change event publish failed: " + msg)
		}
	}

	if err := r.DB.WithContext(ctx).Model(&models.ChangeEvent{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil && r.Logger != nil {
		r.Logger.WithFields(fields).Error("mark failed: " + err.Error())
	}
}

func (r *ChangeFeedRelay) backoff(attempt int) time.Duration {
	backoff := r.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return backoff
}
