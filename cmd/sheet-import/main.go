package main

import (
	"context"
	"flag"
	"os"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/sheetsync"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
	"github.com/sirupsen/logrus"
)

// sheet-import ingests a field-report workbook from the command line, for
// crews whose reporting still arrives as spreadsheets.
func main() {
	var (
		file     = flag.String("file", "", "path to the xlsx workbook")
		jobId    = flag.Int("job", 0, "job id the rows report against")
		tenantId = flag.String("tenant", "", "tenant id")
		actor    = flag.String("actor", "sheet-import", "actor name recorded on ingested lines")
	)
	flag.Parse()

	logger := config.GetLogger()
	if *file == "" || *jobId <= 0 || *tenantId == "" {
		logger.Fatal("usage: sheet-import -file report.xlsx -job 42 -tenant acme")
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	ctx := utils.SetTenantIdInContext(context.Background(), *tenantId)
	ctx = utils.SetActorNameInContext(ctx, *actor)

	summary, err := sheetsync.ImportWorkbook(ctx, *file, *jobId)
	if err != nil {
		logger.WithFields(logrus.Fields{"file": *file, "error": err.Error()}).Fatal("import failed")
	}

	logger.WithFields(logrus.Fields{
		"file":     *file,
		"sheet":    summary.SheetName,
		"ingested": summary.Ingested,
		"skipped":  summary.Skipped,
	}).Info("import finished")
	for _, rowErr := range summary.Errors {
		logger.WithFields(logrus.Fields{
			"row":   rowErr.RowNumber,
			"error": rowErr.Message,
		}).Warn("row skipped")
	}
	if summary.Skipped > 0 {
		os.Exit(1)
	}
}
