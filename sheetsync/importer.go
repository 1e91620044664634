package sheetsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/models"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

var validate = validator.New()

// dateLayouts crews actually use in their workbooks.
var dateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006", "2006-01-02 15:04:05"}

// ImportWorkbook reads the first sheet of a field-report workbook and
// ingests every valid row against the given job. Rows are keyed by their
// external id, so re-importing the same workbook updates instead of
// duplicating. Bad rows are reported and skipped; they never abort the file.
func ImportWorkbook(ctx context.Context, path string, jobId int) (*Summary, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	if len(rows) < 2 {
		return &Summary{SheetName: sheet}, nil
	}

	columns := mapHeader(rows[0])
	summary := &Summary{SheetName: sheet}
	logger := config.GetLogger()

	for i, cells := range rows[1:] {
		rowNum := i + 2
		row, err := parseRow(cells, columns)
		if err != nil {
			summary.Skipped++
			summary.Errors = append(summary.Errors, RowError{RowNumber: rowNum, Message: err.Error()})
			continue
		}
		if err := validate.Struct(row); err != nil {
			summary.Skipped++
			summary.Errors = append(summary.Errors, RowError{RowNumber: rowNum, Message: err.Error()})
			continue
		}

		input := &models.NewProductionLine{
			ExternalId:   row.ExternalId,
			SourceSystem: "sheetsync",
			JobId:        jobId,
			Description:  row.Description,
			Quantity:     row.Quantity,
			Unit:         row.Unit,
			WorkDate:     row.WorkDate,
			CrewName:     row.CrewName,
			GpsLat:       row.GpsLat,
			GpsLng:       row.GpsLng,
			Address:      row.Address,
			WorkType:     models.WorkType(row.WorkType),
			ActivityCode: row.ActivityCode,
			BillingCode:  row.BillingCode,
		}
		if row.EvidenceURL != "" {
			input.Evidence = []models.NewEvidenceAsset{{
				Type:       models.EvidencePhoto,
				StorageURL: row.EvidenceURL,
				GpsLat:     row.GpsLat,
				GpsLng:     row.GpsLng,
			}}
		}
		if _, err := models.IngestProductionLine(ctx, input); err != nil {
			config.LogError(logger, "sheetsync", "ImportWorkbook", "ingest row",
				logrus.Fields{"row": rowNum, "externalId": row.ExternalId}, err)
			summary.Skipped++
			summary.Errors = append(summary.Errors, RowError{RowNumber: rowNum, Message: err.Error()})
			continue
		}
		summary.Ingested++
	}
	return summary, nil
}

func mapHeader(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return columns
}

func cell(cells []string, columns map[string]int, name string) string {
	idx, ok := columns[name]
	if !ok || idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}

func parseRow(cells []string, columns map[string]int) (*Row, error) {
	row := &Row{
		ExternalId:   cell(cells, columns, colExternalId),
		CrewName:     cell(cells, columns, colCrewName),
		WorkType:     cell(cells, columns, colWorkType),
		ActivityCode: cell(cells, columns, colActivityCode),
		BillingCode:  cell(cells, columns, colBillingCode),
		Description:  cell(cells, columns, colDescription),
		Unit:         cell(cells, columns, colUnit),
		Address:      cell(cells, columns, colAddress),
		EvidenceURL:  cell(cells, columns, colEvidenceURL),
	}

	rawDate := cell(cells, columns, colWorkDate)
	if rawDate == "" {
		return nil, fmt.Errorf("work date is empty")
	}
	workDate, err := parseDate(rawDate)
	if err != nil {
		return nil, err
	}
	row.WorkDate = workDate

	rawQty := cell(cells, columns, colQuantity)
	if rawQty == "" {
		return nil, fmt.Errorf("quantity is empty")
	}
	qty, err := utils.ParseDecimal(rawQty)
	if err != nil {
		return nil, fmt.Errorf("quantity %q is not a number", rawQty)
	}
	if qty.IsNegative() {
		return nil, fmt.Errorf("quantity cannot be negative")
	}
	row.Quantity = qty

	if raw := cell(cells, columns, colGpsLat); raw != "" {
		lat, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("latitude %q is not a number", raw)
		}
		row.GpsLat = &lat
	}
	if raw := cell(cells, columns, colGpsLng); raw != "" {
		lng, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("longitude %q is not a number", raw)
		}
		row.GpsLng = &lng
	}
	return row, nil
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("work date %q is not a recognized date", raw)
}
