package models

import (
	"bitbucket.org/nextgenfiber/billing_backend/config"
)

// MigrateDatabase keeps the schema in sync on startup.
func MigrateDatabase() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&Customer{},
		&Job{},
		&RateCard{},
		&RateCardItem{},
		&ProductionLine{},
		&EvidenceAsset{},
		&RateOverride{},
		&ValidationResult{},
		&InvoiceBatch{},
		&InvoiceBatchLineItem{},
		&Deduction{},
		&BatchChecklistItem{},
		&Payment{},
		&StatusEventRecord{},
	)
}
