package models

import (
	"log"

	"github.com/stitchbase/atelier_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Order{}, &User{},
		&Milestone{}, &EscrowTransaction{},
		&MilestoneEventRecord{},
		&Notification{}, &SmsMessage{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
