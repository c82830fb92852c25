package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"broker-sync-go/internal/analytics"
	"broker-sync-go/internal/config"
	"broker-sync-go/internal/ingest"
	"broker-sync-go/internal/metaapi"
	"broker-sync-go/internal/models"
	"broker-sync-go/internal/ratelimit"
	"broker-sync-go/internal/syncer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Provisioner runs the provision/deploy/connect flow for an account.
type Provisioner interface {
	Provision(ctx context.Context, account *models.BrokerAccount, creds syncer.Credentials) (syncer.ProvisionOutcome, error)
}

// Scheduler runs one scheduling pass over due accounts.
type Scheduler interface {
	RunOnce(ctx context.Context) (syncer.Summary, error)
}

// Handlers holds the route implementations and their collaborators.
type Handlers struct {
	db          *gorm.DB
	sm          *syncer.StateMachine
	provisioner Provisioner
	pipeline    syncer.Ingestor
	scheduler   Scheduler
	batcher     *ingest.Batcher
	client      metaapi.ClientInterface
	limiter     ratelimit.Limiter
	limits      config.Limits
	logger      *zap.Logger
	now         func() time.Time
}

// NewHandlers wires the route implementations.
func NewHandlers(
	db *gorm.DB,
	sm *syncer.StateMachine,
	provisioner Provisioner,
	pipeline syncer.Ingestor,
	scheduler Scheduler,
	batcher *ingest.Batcher,
	client metaapi.ClientInterface,
	limiter ratelimit.Limiter,
	limits config.Limits,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		db:          db,
		sm:          sm,
		provisioner: provisioner,
		pipeline:    pipeline,
		scheduler:   scheduler,
		batcher:     batcher,
		client:      client,
		limiter:     limiter,
		limits:      limits,
		logger:      logger,
		now:         time.Now,
	}
}

// Register mounts all routes on the given group.
func (h *Handlers) Register(r *gin.RouterGroup) {
	r.POST("/accounts/:id/provision", h.provision)
	r.POST("/accounts/:id/fetch-trades", h.fetchTrades)
	r.GET("/accounts/:id/summary", h.accountSummary)
	r.POST("/accounts/:id/disconnect", h.disconnect)
	r.POST("/accounts/:id/auto-sync", h.autoSync)
	r.POST("/sync", h.webhookSync)
	r.POST("/import-csv", h.importCSV)
	r.POST("/scheduler/tick", h.schedulerTick)
	r.GET("/sync-status", h.syncStatus)
	r.GET("/sync-logs", h.syncLogs)
}

// loadAccount fetches the account by path id scoped to the calling user.
func (h *Handlers) loadAccount(c *gin.Context) (*models.BrokerAccount, bool) {
	userID := c.GetString(userIDKey)
	var account models.BrokerAccount
	err := h.db.First(&account, "id = ? AND user_id = ?", c.Param("id"), userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Broker account not found"})
		} else {
			h.logger.Error("Account lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		}
		return nil, false
	}
	return &account, true
}

type provisionRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
	Platform string `json:"platform"`
}

func (h *Handlers) provision(c *gin.Context) {
	account, ok := h.loadAccount(c)
	if !ok {
		return
	}

	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}
	if req.Login == "" || req.Password == "" || req.Server == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing required fields: login, password, server"})
		return
	}
	if req.Platform == "" {
		req.Platform = "mt5"
	}

	outcome, err := h.provisioner.Provision(c.Request.Context(), account, syncer.Credentials{
		Login:    req.Login,
		Password: req.Password,
		Server:   req.Server,
		Platform: req.Platform,
	})
	if err != nil {
		var credErr *metaapi.CredentialError
		switch {
		case errors.As(err, &credErr):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": credErr.Message})
		case errors.Is(err, syncer.ErrConnectTimeout):
			c.JSON(http.StatusRequestTimeout, gin.H{"success": false, "error": "Account failed to connect. Check credentials."})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":             true,
		"meta_api_account_id": outcome.MetaAPIAccountID,
		"balance":             outcome.Balance,
	})
}

type fetchTradesRequest struct {
	Since *time.Time `json:"since"`
}

func (h *Handlers) fetchTrades(c *gin.Context) {
	account, ok := h.loadAccount(c)
	if !ok {
		return
	}
	if account.MetaAPIAccountID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Account not provisioned"})
		return
	}

	var req fetchTradesRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
			return
		}
	}

	result, err := h.pipeline.Ingest(c.Request.Context(), account, req.Since)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"trades_ingested":    result.Ingested,
		"duplicates_skipped": result.Duplicates,
		"deals_fetched":      result.DealsFetched,
		"trades_matched":     result.TradesMatched,
	})
}

func (h *Handlers) accountSummary(c *gin.Context) {
	account, ok := h.loadAccount(c)
	if !ok {
		return
	}

	query := h.db.Where("user_id = ?", account.UserID).
		Where("broker_account_id = ?", account.ID)
	if from, err := time.Parse(time.RFC3339, c.Query("from")); err == nil {
		query = query.Where("entry_time >= ?", from)
	}
	if to, err := time.Parse(time.RFC3339, c.Query("to")); err == nil {
		query = query.Where("entry_time <= ?", to)
	}
	if symbol := c.Query("symbol"); symbol != "" {
		query = query.Where("symbol = ?", strings.ToUpper(symbol))
	}

	var trades []models.Trade
	if err := query.Order("entry_time").Find(&trades).Error; err != nil {
		h.logger.Error("Trade query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}

	positions := []metaapi.Position{}
	if account.MetaAPIAccountID != nil {
		open, err := h.client.GetOpenPositions(c.Request.Context(), *account.MetaAPIAccountID)
		if err != nil {
			h.logger.Warn("Open positions fetch failed",
				zap.String("account_id", account.ID), zap.Error(err))
		} else if open != nil {
			positions = open
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"account":        account,
		"open_positions": positions,
		"trades":         trades,
		"analytics": gin.H{
			"metrics":      analytics.ComputeMetrics(trades),
			"equity_curve": analytics.EquityCurve(trades),
			"monthly":      analytics.ComputeMonthlyPerformance(trades),
			"quick_stats":  analytics.ComputeQuickStats(trades, h.now()),
		},
	})
}

func (h *Handlers) disconnect(c *gin.Context) {
	account, ok := h.loadAccount(c)
	if !ok {
		return
	}
	if err := h.sm.Disconnect(account); err != nil {
		h.logger.Error("Disconnect failed", zap.String("account_id", account.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "connection_status": account.ConnectionStatus})
}

type autoSyncRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handlers) autoSync(c *gin.Context) {
	account, ok := h.loadAccount(c)
	if !ok {
		return
	}

	var req autoSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}

	var err error
	if req.Enabled {
		err = h.sm.EnableAutoSync(account)
	} else {
		err = h.sm.DisableAutoSync(account)
	}
	if err != nil {
		h.logger.Error("Auto-sync toggle failed", zap.String("account_id", account.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "auto_sync_enabled": account.AutoSyncEnabled})
}

type webhookRequest struct {
	BrokerAccountID *string           `json:"broker_account_id"`
	Trades          []ingest.RawTrade `json:"trades"`
}

func (h *Handlers) webhookSync(c *gin.Context) {
	userID := c.GetString(userIDKey)

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}
	if len(req.Trades) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "trades array is required and must not be empty"})
		return
	}
	if len(req.Trades) > h.limits.MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"success": false,
			"error": fmt.Sprintf("Maximum %d trades per request", h.limits.MaxBatchSize)})
		return
	}
	if !h.limiter.Allow(userID, len(req.Trades), h.limits.WebhookPerMinute) {
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false,
			"error": fmt.Sprintf("Rate limit exceeded. Max %d trades/min.", h.limits.WebhookPerMinute)})
		return
	}

	result := h.batcher.Ingest(userID, req.BrokerAccountID, req.Trades)

	if req.BrokerAccountID != nil {
		if err := h.sm.AppendLog(*req.BrokerAccountID, userID, result.Status(), result.Ingested, result.ErrorMessage()); err != nil {
			h.logger.Error("Failed to append sync log", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":            len(result.Errors) == 0,
		"trades_ingested":    result.Ingested,
		"duplicates_skipped": result.Duplicates,
		"errors":             result.Errors,
	})
}

type csvRequest struct {
	CSV string `json:"csv"`
}

func (h *Handlers) importCSV(c *gin.Context) {
	userID := c.GetString(userIDKey)

	var csvText string
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "No CSV file provided"})
			return
		}
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "No CSV file provided"})
			return
		}
		defer f.Close()
		buf := new(strings.Builder)
		if _, err := io.Copy(buf, f); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Failed to read CSV file"})
			return
		}
		csvText = buf.String()
	} else {
		var req csvRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.CSV == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "No CSV data provided"})
			return
		}
		csvText = req.CSV
	}

	trades, err := ingest.ParseCSV(csvText)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if len(trades) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "No trades found in CSV"})
		return
	}
	if !h.limiter.Allow(userID, len(trades), h.limits.CSVPerMinute) {
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "Rate limit exceeded"})
		return
	}

	result := h.batcher.Ingest(userID, nil, trades)

	c.JSON(http.StatusOK, gin.H{
		"success":            len(result.Errors) == 0,
		"imported":           result.Ingested,
		"duplicates_skipped": result.Duplicates,
		"errors":             result.Errors,
	})
}

func (h *Handlers) schedulerTick(c *gin.Context) {
	summary, err := h.scheduler.RunOnce(c.Request.Context())
	if err != nil {
		h.logger.Error("Scheduler pass failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"processed": summary.Processed,
		"results":   summary.Results,
	})
}

func (h *Handlers) syncStatus(c *gin.Context) {
	userID := c.GetString(userIDKey)

	var logs []models.SyncLog
	err := h.db.Where("user_id = ?", userID).
		Order("synced_at DESC").Limit(1).Find(&logs).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}

	var last *models.SyncLog
	if len(logs) > 0 {
		last = &logs[0]
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "last_sync": last})
}

func (h *Handlers) syncLogs(c *gin.Context) {
	userID := c.GetString(userIDKey)

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var logs []models.SyncLog
	if err := h.db.Where("user_id = ?", userID).
		Order("synced_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "logs": logs})
}
