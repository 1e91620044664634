package sheetsync

import (
	"time"

	"github.com/shopspring/decimal"
)

// Row is one parsed production row from a field-report workbook. Validation
// tags gate the row before it touches the ledger.
type Row struct {
	ExternalId   string          `validate:"required"`
	WorkDate     time.Time       `validate:"required"`
	CrewName     string          `validate:"required"`
	WorkType     string          `validate:"required"`
	ActivityCode string          `validate:"omitempty"`
	BillingCode  string          `validate:"required"`
	Description  string          `validate:"omitempty"`
	Quantity     decimal.Decimal `validate:"required"`
	Unit         string          `validate:"required"`
	Address      string          `validate:"omitempty"`
	GpsLat       *float64        `validate:"omitempty,latitude"`
	GpsLng       *float64        `validate:"omitempty,longitude"`
	EvidenceURL  string          `validate:"omitempty,url"`
}

// RowError ties a skipped row back to its workbook position.
type RowError struct {
	RowNumber int    `json:"row_number"`
	Message   string `json:"message"`
}

// Summary reports what one workbook import did.
type Summary struct {
	SheetName string     `json:"sheet_name"`
	Ingested  int        `json:"ingested"`
	Skipped   int        `json:"skipped"`
	Errors    []RowError `json:"errors"`
}

// expected header names, case-insensitive, in any column order.
const (
	colExternalId   = "external id"
	colWorkDate     = "work date"
	colCrewName     = "crew"
	colWorkType     = "work type"
	colActivityCode = "activity code"
	colBillingCode  = "billing code"
	colDescription  = "description"
	colQuantity     = "quantity"
	colUnit         = "unit"
	colAddress      = "address"
	colGpsLat       = "latitude"
	colGpsLng       = "longitude"
	colEvidenceURL  = "evidence url"
)
