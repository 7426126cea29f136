package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yo-brian/firemail/internal/auth"
	mailsync "github.com/yo-brian/firemail/internal/sync"
)

// Syncer runs account syncs
type Syncer interface {
	SyncNow(ctx context.Context, accountIDs []int64, sink mailsync.ProgressSink, interactive bool) []mailsync.Outcome
	IsBusy(accountID int64) bool
	Active() []int64
}

// Realtime controls the background scheduler
type Realtime interface {
	Start(interval time.Duration) bool
	Stop() bool
	Status() mailsync.SchedulerStatus
}

// Stats reports stored mail per account
type Stats interface {
	MessageCount(ctx context.Context, accountID int64) (int, error)
	AttachmentCount(ctx context.Context, accountID int64) (int, error)
}

// Verifier authenticates control API callers
type Verifier interface {
	CallerFromRequest(r *http.Request) (*auth.Caller, error)
}

// Options wires the router's collaborators. Stats and Verifier are optional.
type Options struct {
	Syncer   Syncer
	Realtime Realtime
	Stats    Stats
	Verifier Verifier
	// DefaultInterval applies when a start request carries no interval
	DefaultInterval time.Duration
	Logger          *zap.Logger
}

type handler struct {
	opts   Options
	logger *zap.Logger
}

// StartRequest is the body of POST /api/realtime/start
type StartRequest struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// SyncRequest is the body of POST /api/accounts/sync
type SyncRequest struct {
	AccountIDs  []int64 `json:"account_ids" binding:"required"`
	Interactive bool    `json:"interactive"`
}

// NewRouter builds the control API
func NewRouter(opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = mailsync.DefaultCheckInterval
	}
	h := &handler{opts: opts, logger: opts.Logger.With(zap.String("component", "httpapi"))}

	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	if opts.Verifier != nil {
		api.Use(authMiddleware(opts.Verifier))
	}

	api.POST("/realtime/start", h.startRealtime)
	api.POST("/realtime/stop", h.stopRealtime)
	api.GET("/realtime/status", h.realtimeStatus)

	api.POST("/accounts/sync", h.syncAccounts)
	api.POST("/accounts/:id/sync", h.syncAccount)
	api.GET("/accounts/:id/busy", h.busy)
	if opts.Stats != nil {
		api.GET("/accounts/:id/stats", h.stats)
	}

	return r
}

func authMiddleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := v.CallerFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("caller", caller)
		c.Next()
	}
}

func (h *handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (h *handler) health(c *gin.Context) {
	body := gin.H{
		"status":       "ok",
		"active_syncs": len(h.opts.Syncer.Active()),
		"realtime":     h.opts.Realtime.Status().Running,
	}
	if s, ok := h.opts.Verifier.(interface{ Stats() map[string]interface{} }); ok {
		body["jwks"] = s.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) startRealtime(c *gin.Context) {
	var req StartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.IntervalSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval_seconds must not be negative"})
		return
	}

	interval := h.opts.DefaultInterval
	if req.IntervalSeconds > 0 {
		interval = time.Duration(req.IntervalSeconds) * time.Second
	}

	accepted := h.opts.Realtime.Start(interval)
	message := "realtime sync started"
	if !accepted {
		message = "realtime sync already running"
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "message": message, "status": h.opts.Realtime.Status()})
}

func (h *handler) stopRealtime(c *gin.Context) {
	accepted := h.opts.Realtime.Stop()
	message := "realtime sync stopped"
	if !accepted {
		message = "realtime sync not running"
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "message": message})
}

func (h *handler) realtimeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.opts.Realtime.Status())
}

func (h *handler) syncAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}

	interactive := c.DefaultQuery("interactive", "true") != "false"
	outcomes := h.opts.Syncer.SyncNow(c.Request.Context(), []int64{id}, h.progressSink(), interactive)
	if len(outcomes) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	out := outcomes[0]
	c.JSON(statusCode(out.Status), out)
}

func (h *handler) syncAccounts(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.AccountIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_ids must not be empty"})
		return
	}

	outcomes := h.opts.Syncer.SyncNow(c.Request.Context(), req.AccountIDs, h.progressSink(), req.Interactive)
	c.JSON(http.StatusAccepted, gin.H{"outcomes": outcomes})
}

func (h *handler) busy(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "busy": h.opts.Syncer.IsBusy(id)})
}

func (h *handler) stats(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}

	messages, err := h.opts.Stats.MessageCount(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to count messages", zap.Int64("account_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}
	attachments, err := h.opts.Stats.AttachmentCount(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to count attachments", zap.Int64("account_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":  id,
		"messages":    messages,
		"attachments": attachments,
		"busy":        h.opts.Syncer.IsBusy(id),
	})
}

func (h *handler) progressSink() mailsync.ProgressSink {
	return func(p mailsync.Progress) {
		h.logger.Debug("sync progress",
			zap.Int64("account_id", p.AccountID),
			zap.Int("percent", p.Percent),
			zap.String("status", p.Status),
		)
	}
}

func accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return 0, false
	}
	return id, true
}

func statusCode(s mailsync.Status) int {
	switch s {
	case mailsync.StatusStillRunning, mailsync.StatusQueued:
		return http.StatusAccepted
	case mailsync.StatusBusy:
		return http.StatusConflict
	case mailsync.StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}
