package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BillCounter holds the last bill number assigned for a business.
// The row is locked for the duration of the assignment.
type BillCounter struct {
	BusinessId string    `gorm:"primaryKey;size:64" json:"business_id"`
	LastNumber int64     `gorm:"not null;default:0" json:"last_number"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// NextBillNumber reserves the next bill number for the business. It must run inside
// the transaction that persists the bill so a rollback releases the number.
// A missing counter is seeded from the highest existing bill number.
func NextBillNumber(tx *gorm.DB, businessId string) (int64, error) {
	if businessId == "" {
		return 0, ErrTenantRequired
	}

	var exists int64
	if err := tx.Model(&BillCounter{}).Where("business_id = ?", businessId).Count(&exists).Error; err != nil {
		return 0, err
	}
	if exists == 0 {
		var maxNumber int64
		if err := tx.Model(&Bill{}).Where("business_id = ?", businessId).
			Select("COALESCE(MAX(bill_number), 0)").Scan(&maxNumber).Error; err != nil {
			return 0, err
		}
		// concurrent seeders: the first insert wins, the rest are no-ops
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&BillCounter{BusinessId: businessId, LastNumber: maxNumber}).Error; err != nil {
			return 0, err
		}
	}

	var counter BillCounter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).
		First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, errors.New("bill counter missing after seed")
	}
	if err != nil {
		return 0, err
	}

	next := counter.LastNumber + 1
	if err := tx.Model(&BillCounter{}).Where("business_id = ?", businessId).
		Update("last_number", next).Error; err != nil {
		return 0, err
	}
	return next, nil
}
