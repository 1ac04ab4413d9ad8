package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SyncAction string

const (
	SyncActionCreate SyncAction = "create"
	SyncActionUpdate SyncAction = "update"
	SyncActionDelete SyncAction = "delete"
)

// Expense is recorded from the device. LocalRef is the device-generated id and is
// how later updates and deletes find the row.
type Expense struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BusinessId  string          `gorm:"size:64;not null;index:uniq_expense_ref,unique,priority:1" json:"business_id"`
	LocalRef    string          `gorm:"size:64;not null;index:uniq_expense_ref,unique,priority:2" json:"local_ref"`
	Description string          `gorm:"size:255" json:"description"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	ExpenseDate time.Time       `json:"expense_date"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type ExpensePayload struct {
	LocalRef    string          `json:"local_ref" validate:"required,max=64"`
	Description string          `json:"description" validate:"max=255"`
	Amount      decimal.Decimal `json:"amount"`
	ExpenseDate time.Time       `json:"expense_date"`
}

// SyncEntry is a generic mutation replayed from a device queue.
type SyncEntry struct {
	EntryId string          `json:"entry_id" validate:"required"`
	Action  SyncAction      `json:"action" validate:"required,oneof=create update delete"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// ApplyExpenseEntry applies a replayed expense mutation. Replaying the same create
// or delete twice has no further effect.
func ApplyExpenseEntry(ctx context.Context, businessId string, entry *SyncEntry) (*Expense, []realtime.Event, error) {
	if businessId == "" {
		return nil, nil, ErrTenantRequired
	}
	if err := utils.GetValidator().Struct(entry); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	var payload ExpensePayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := utils.GetValidator().Struct(&payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if payload.Amount.IsNegative() {
		return nil, nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidEntry)
	}

	var (
		expense Expense
		events  []realtime.Event
	)
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("business_id = ? AND local_ref = ?", businessId, payload.LocalRef).First(&expense).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var kind realtime.ChangeKind
		switch entry.Action {
		case SyncActionCreate:
			if found {
				return nil
			}
			expense = Expense{
				BusinessId:  businessId,
				LocalRef:    payload.LocalRef,
				Description: payload.Description,
				Amount:      payload.Amount,
				ExpenseDate: payload.ExpenseDate,
			}
			if err := tx.Create(&expense).Error; err != nil {
				return err
			}
			kind = realtime.KindCreated
		case SyncActionUpdate:
			if !found {
				return ErrExpenseNotFound
			}
			expense.Description = payload.Description
			expense.Amount = payload.Amount
			expense.ExpenseDate = payload.ExpenseDate
			if err := tx.Save(&expense).Error; err != nil {
				return err
			}
			kind = realtime.KindUpdated
		case SyncActionDelete:
			if !found {
				return nil
			}
			if err := tx.Delete(&expense).Error; err != nil {
				return err
			}
			kind = realtime.KindDeleted
		}

		change, err := AppendChangeEvent(tx, businessId, realtime.EntityExpense, kind, payload.LocalRef, "", expense)
		if err != nil {
			return err
		}
		events = append(events, change.ToEvent())
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &expense, events, nil
}
