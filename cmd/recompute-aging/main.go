package main

import (
	"context"
	"flag"
	"os"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/models"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
	"github.com/sirupsen/logrus"
)

// recompute-aging prints the receivables aging for one tenant. Intended for
// scheduled runs that feed the numbers into reporting.
func main() {
	var (
		tenantId = flag.String("tenant", "", "tenant id")
		asOfRaw  = flag.String("as-of", "", "aging date (YYYY-MM-DD, default today)")
	)
	flag.Parse()

	logger := config.GetLogger()
	if *tenantId == "" {
		logger.Fatal("usage: recompute-aging -tenant acme [-as-of 2026-08-31]")
	}
	asOf := time.Now()
	if *asOfRaw != "" {
		parsed, err := time.Parse("2006-01-02", *asOfRaw)
		if err != nil {
			logger.WithFields(logrus.Fields{"as_of": *asOfRaw}).Fatal("as-of must be YYYY-MM-DD")
		}
		asOf = parsed
	} else if day, err := utils.ConvertToDate(asOf, os.Getenv("REPORT_TIMEZONE")); err == nil {
		// Pin "today" to a date boundary so the bucket edges are stable.
		asOf = day
	}

	config.ConnectDatabaseWithRetry()

	ctx := utils.SetTenantIdInContext(context.Background(), *tenantId)

	entries, err := models.ComputeAging(ctx, asOf)
	if err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Fatal("aging computation failed")
	}
	for _, entry := range entries {
		logger.WithFields(logrus.Fields{
			"batch":            entry.BatchNumber,
			"customer_id":      entry.CustomerId,
			"bucket":           entry.Bucket,
			"days_outstanding": entry.DaysOutstanding,
			"balance":          entry.Balance.StringFixed(2),
		}).Info("aging entry")
	}

	summary, err := models.ComputeReceivablesSummary(ctx, asOf)
	if err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Fatal("summary computation failed")
	}
	logger.WithFields(logrus.Fields{
		"total_outstanding": summary.TotalOutstanding.StringFixed(2),
		"due_today":         summary.DueToday.StringFixed(2),
		"due_within_30":     summary.DueWithin30Days.StringFixed(2),
		"overdue":           summary.Overdue.StringFixed(2),
	}).Info("receivables summary")
}
