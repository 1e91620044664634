package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/nextgenfiber/billing_backend/config"
	"bitbucket.org/nextgenfiber/billing_backend/middlewares"
	"bitbucket.org/nextgenfiber/billing_backend/models"
	"bitbucket.org/nextgenfiber/billing_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// respondError maps domain errors onto HTTP statuses. Billing failures are
// structured; handlers never stringly-match error text.
func respondError(c *gin.Context, err error) {
	var (
		rateNotFound     *models.RateNotFoundError
		rateCardMismatch *models.RateCardMismatchError
		notReady         *models.NotReadyError
		reasonRequired   *models.ReasonRequiredError
		stateConflict    *models.StateConflictError
		validationFailed *models.ValidationFailedError
	)
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &reasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &stateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &rateCardMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &rateNotFound),
		errors.As(err, &notReady),
		errors.As(err, &validationFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func registerRoutes(r *gin.Engine) {
	api := r.Group("/api", middlewares.TenantMiddleware())

	api.POST("/customers", func(c *gin.Context) {
		var input models.NewCustomer
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		customer, err := models.CreateCustomer(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, customer)
	})
	api.GET("/customers/:id", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		customer, err := models.GetCustomer(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, customer)
	})

	api.POST("/jobs", func(c *gin.Context) {
		var input models.NewJob
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		job, err := models.CreateJob(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, job)
	})
	api.GET("/jobs/:id", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		job, err := models.GetJob(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	})

	api.POST("/rate-cards", func(c *gin.Context) {
		var input models.NewRateCard
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		card, err := models.CreateRateCard(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, card)
	})
	api.POST("/rate-cards/:id/publish", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		card, err := models.PublishRateCard(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, card)
	})

	api.POST("/production-lines", func(c *gin.Context) {
		var input models.NewProductionLine
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		line, err := models.IngestProductionLine(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, line)
	})
	api.GET("/production-lines/:id", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		line, err := models.GetProductionLine(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	})
	api.POST("/production-lines/:id/validate", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		line, err := models.ValidateLine(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	})
	api.POST("/production-lines/validate", func(c *gin.Context) {
		var body struct {
			LineIds []int `json:"line_ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		failures := models.ValidateLines(c.Request.Context(), body.LineIds)
		failed := make(map[int]string, len(failures))
		for id, err := range failures {
			failed[id] = err.Error()
		}
		c.JSON(http.StatusOK, gin.H{
			"validated": len(body.LineIds) - len(failures),
			"failed":    failed,
		})
	})

	reviewAction := func(action func(ctx context.Context, id int) (*models.ProductionLine, error)) gin.HandlerFunc {
		return func(c *gin.Context) {
			id, ok := pathId(c)
			if !ok {
				return
			}
			line, err := action(c.Request.Context(), id)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, line)
		}
	}
	reasonAction := func(action func(ctx context.Context, id int, reason string) (*models.ProductionLine, error)) gin.HandlerFunc {
		return func(c *gin.Context) {
			id, ok := pathId(c)
			if !ok {
				return
			}
			var body reasonBody
			_ = c.ShouldBindJSON(&body)
			line, err := action(c.Request.Context(), id, body.Reason)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, line)
		}
	}

	api.POST("/production-lines/:id/approve", reviewAction(models.ApproveLine))
	api.POST("/production-lines/:id/review", reviewAction(models.ReviewLine))
	api.POST("/production-lines/:id/resume", reviewAction(models.ResumeLine))
	api.POST("/production-lines/:id/return", reasonAction(models.ReturnForInfo))
	api.POST("/production-lines/:id/reject", reasonAction(models.RejectLine))
	api.POST("/production-lines/:id/hold", reasonAction(models.HoldLine))
	evidenceIds := func(c *gin.Context) (int, int, bool) {
		lineId, ok := pathId(c)
		if !ok {
			return 0, 0, false
		}
		assetId, err := strconv.Atoi(c.Param("assetId"))
		if err != nil || assetId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset id"})
			return 0, 0, false
		}
		return lineId, assetId, true
	}
	api.POST("/production-lines/:id/evidence/:assetId/verify", func(c *gin.Context) {
		lineId, assetId, ok := evidenceIds(c)
		if !ok {
			return
		}
		asset, err := models.VerifyEvidenceAsset(c.Request.Context(), lineId, assetId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, asset)
	})
	api.GET("/production-lines/:id/evidence/:assetId/url", func(c *gin.Context) {
		lineId, assetId, ok := evidenceIds(c)
		if !ok {
			return
		}
		url, err := models.EvidenceReadURL(c.Request.Context(), lineId, assetId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": url})
	})

	api.POST("/production-lines/:id/override", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input models.LineBillingOverride
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		line, err := models.OverrideLineBilling(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	})

	api.POST("/aggregates", func(c *gin.Context) {
		var body struct {
			LineIds []int `json:"line_ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		aggregates, err := models.AggregateReadyLines(c.Request.Context(), body.LineIds)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, aggregates)
	})

	api.POST("/invoice-batches", func(c *gin.Context) {
		var input models.NewInvoiceBatch
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		batch, err := models.CreateInvoiceBatch(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, batch)
	})
	api.GET("/invoice-batches/:id", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		batch, err := models.GetInvoiceBatch(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	})
	api.GET("/invoice-batches/:id/readiness", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		checklist, err := models.EvaluateReadiness(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"items": checklist,
			"score": models.ReadinessScore(checklist),
		})
	})
	api.POST("/invoice-batches/:id/submit", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		batch, err := models.SubmitInvoiceBatch(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	})
	api.POST("/invoice-batches/:id/approve", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		batch, err := models.ApproveInvoiceBatch(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	})
	api.POST("/invoice-batches/:id/reject", func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var body reasonBody
		_ = c.ShouldBindJSON(&body)
		batch, err := models.RejectInvoiceBatch(c.Request.Context(), id, body.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, batch)
	})

	api.POST("/payments", func(c *gin.Context) {
		var input models.NewPayment
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		batch, err := models.RecordPayment(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, batch)
	})

	api.GET("/aging", func(c *gin.Context) {
		asOf := time.Now()
		if raw := c.Query("as_of"); raw != "" {
			parsed, err := time.Parse("2006-01-02", raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be YYYY-MM-DD"})
				return
			}
			asOf = parsed
		}
		entries, err := models.ComputeAging(c.Request.Context(), asOf)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	})
	api.GET("/receivables-summary", func(c *gin.Context) {
		summary, err := models.ComputeReceivablesSummary(c.Request.Context(), time.Now())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server before the DB is up so the startup probe passes;
	// app endpoints return 503 until dependencies are ready.
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			logger.Warn("CORS_ALLOWED_ORIGINS is empty in production; cross-origin requests will be refused")
		}
		corsConfig.AllowOrigins = strings.Split(allowedOrigins, ",")
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders,
		"X-Tenant-Id", "X-Actor-Id", "X-Actor-Name", "X-Correlation-Id")
	r.Use(cors.New(corsConfig))

	registerRoutes(r)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	go func() {
		logger.WithFields(logrus.Fields{"port": port}).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"error": err.Error()}).Fatal("http server failed")
		}
	}()

	// Connect dependencies after the listener is up.
	config.ConnectDatabaseWithRetry()
	if err := models.MigrateDatabase(); err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Fatal("database migration failed")
	}
	config.ConnectRedisWithRetry()

	if shouldRunOutboxDispatcher() {
		dispatcher := NewOutboxEventDispatcher(config.GetDB(), logger)
		go dispatcher.Run(sigCtx)
	}

	<-sigCtx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"error": err.Error()}).Error("http server shutdown")
	}
}
