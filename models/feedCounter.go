package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChangeFeedCounter holds the last change feed position assigned for a business.
// Appenders hold the row lock until commit, so positions become visible in order
// and a reader's cursor never passes a row that has yet to commit.
type ChangeFeedCounter struct {
	BusinessId string    `gorm:"primaryKey;size:64" json:"business_id"`
	LastSeq    int64     `gorm:"not null;default:0" json:"last_seq"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// nextFeedSeq reserves the next feed position inside tx. Callers take their own
// row locks first; the counter is always the last lock of a transaction.
func nextFeedSeq(tx *gorm.DB, businessId string) (int64, error) {
	if businessId == "" {
		return 0, ErrTenantRequired
	}

	var exists int64
	if err := tx.Model(&ChangeFeedCounter{}).Where("business_id = ?", businessId).Count(&exists).Error; err != nil {
		return 0, err
	}
	if exists == 0 {
		var maxSeq int64
		if err := tx.Model(&ChangeEvent{}).Where("business_id = ?", businessId).
			Select("COALESCE(MAX(feed_seq), 0)").Scan(&maxSeq).Error; err != nil {
			return 0, err
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&ChangeFeedCounter{BusinessId: businessId, LastSeq: maxSeq}).Error; err != nil {
			return 0, err
		}
	}

	var counter ChangeFeedCounter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, errors.New("change feed counter missing after seed")
	}
	if err != nil {
		return 0, err
	}

	next := counter.LastSeq + 1
	if err := tx.Model(&ChangeFeedCounter{}).Where("business_id = ?", businessId).
		Update("last_seq", next).Error; err != nil {
		return 0, err
	}
	return next, nil
}
