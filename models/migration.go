package models

import (
	"log"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := AutoMigrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{}, &PageGrant{},
		&Bill{}, &BillDetail{}, &BillCounter{}, &ChangeFeedCounter{},
		&ChangeEvent{},
		&Expense{},
		&Item{},
	)
}
