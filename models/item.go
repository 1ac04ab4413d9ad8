package models

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Item is a menu item. Price is quoted per BaseValue units of quantity.
type Item struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"size:64;not null;index" json:"business_id"`
	Name       string          `gorm:"size:255;not null" json:"name"`
	Price      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"price"`
	BaseValue  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:1" json:"base_value"`
	StockQty   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"stock_qty"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewItem struct {
	Name      string          `json:"name" validate:"required,max=255"`
	Price     decimal.Decimal `json:"price"`
	BaseValue decimal.Decimal `json:"base_value" validate:"dgt0"`
	StockQty  decimal.Decimal `json:"stock_qty"`
}

func (input *NewItem) validate() error {
	if err := validateStruct(input); err != nil {
		return err
	}
	if input.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidCommit)
	}
	if input.StockQty.IsNegative() {
		return fmt.Errorf("%w: stock_qty must not be negative", ErrInvalidCommit)
	}
	return nil
}

func CreateItem(ctx context.Context, businessId string, input *NewItem) (*Item, realtime.Event, error) {
	if businessId == "" {
		return nil, realtime.Event{}, ErrTenantRequired
	}
	if err := input.validate(); err != nil {
		return nil, realtime.Event{}, err
	}
	item := Item{
		BusinessId: businessId,
		Name:       input.Name,
		Price:      input.Price,
		BaseValue:  input.BaseValue,
		StockQty:   input.StockQty,
	}

	var change *ChangeEvent
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		var err error
		change, err = AppendChangeEvent(tx, businessId, realtime.EntityItem, realtime.KindCreated, strconv.Itoa(item.ID), "", item)
		return err
	})
	if err != nil {
		return nil, realtime.Event{}, err
	}
	return &item, change.ToEvent(), nil
}

// UpdateItem replaces price, base value, stock and name of a menu item and records an item/updated change.
// The returned event is the durable change row, for ephemeral rebroadcast.
func UpdateItem(ctx context.Context, businessId string, id int, input *NewItem) (*Item, realtime.Event, error) {
	if businessId == "" {
		return nil, realtime.Event{}, ErrTenantRequired
	}
	if err := input.validate(); err != nil {
		return nil, realtime.Event{}, err
	}

	var (
		item   Item
		change *ChangeEvent
	)
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ? AND id = ?", businessId, id).
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return itemNotFound(id)
		}
		if err != nil {
			return err
		}

		item.Name = input.Name
		item.Price = input.Price
		item.BaseValue = input.BaseValue
		item.StockQty = input.StockQty
		if err := tx.Model(&item).Updates(map[string]interface{}{
			"name":       item.Name,
			"price":      item.Price,
			"base_value": item.BaseValue,
			"stock_qty":  item.StockQty,
		}).Error; err != nil {
			return err
		}
		change, err = AppendChangeEvent(tx, businessId, realtime.EntityItem, realtime.KindUpdated, strconv.Itoa(item.ID), "", item)
		return err
	})
	if err != nil {
		return nil, realtime.Event{}, err
	}
	return &item, change.ToEvent(), nil
}

func GetItem(ctx context.Context, businessId string, id int) (*Item, error) {
	var item Item
	db := config.GetDB()
	err := db.WithContext(ctx).Where("business_id = ? AND id = ?", businessId, id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, itemNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
