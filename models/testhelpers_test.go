package models

import (
	"context"
	"path/filepath"
	"testing"

	"bitbucket.org/mmdatafocus/pos_sync/appctx"
	"bitbucket.org/mmdatafocus/pos_sync/config"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB installs a fresh SQLite database as the global DB.
// One connection serializes transactions the way row locks do on MySQL.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "pos_sync_test.db") + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := config.OpenDatabase(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	prev := config.GetDB()
	config.SetDB(db)
	t.Cleanup(func() {
		config.SetDB(prev)
		_ = sqlDB.Close()
	})
	return db
}

func tenantCtx(businessId string) context.Context {
	return appctx.SetBusinessId(context.Background(), businessId)
}

func mustCreateItem(t *testing.T, businessId string, name string, price, baseValue, stock int64) *Item {
	t.Helper()
	item, _, err := CreateItem(context.Background(), businessId, &NewItem{
		Name:      name,
		Price:     decimal.NewFromInt(price),
		BaseValue: decimal.NewFromInt(baseValue),
		StockQty:  decimal.NewFromInt(stock),
	})
	if err != nil {
		t.Fatalf("CreateItem(%s): %v", name, err)
	}
	return item
}

func mustGetItem(t *testing.T, businessId string, id int) *Item {
	t.Helper()
	item, err := GetItem(context.Background(), businessId, id)
	if err != nil {
		t.Fatalf("GetItem(%d): %v", id, err)
	}
	return item
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func line(itemId int, qty int64) NewBillLine {
	return NewBillLine{ItemId: itemId, Quantity: decimal.NewFromInt(qty)}
}
