package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/offsetledger/internal/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDHeader          = "X-Request-ID"
	requestIDContextKey      = "offsetledger_request_id"
	defaultHeartbeatInterval = 25 * time.Second
	maxRequestIDLength       = 128
)

var errMissingLedgerService = errors.New("ledger service dependency required")

// Dependencies wires the HTTP surface.
type Dependencies struct {
	LedgerService     *credits.Service
	Dispatcher        *RealtimeDispatcher
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.LedgerService == nil {
		return nil, errMissingLedgerService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(accessLogMiddleware(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		ledger:            deps.LedgerService,
		dispatcher:        dispatcher,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	router.GET("/", handler.handleRoot)
	router.GET("/healthz", handler.handleHealth)

	records := router.Group("/records")
	records.POST("", handler.handleCreateRecord)
	records.GET("/:id", handler.handleGetRecord)
	records.POST("/:id/retire", handler.handleRetire)
	records.GET("/:id/stream", handler.handleRecordStream)

	return router, nil
}

type httpHandler struct {
	ledger            *credits.Service
	dispatcher        *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func (h *httpHandler) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "server is up"})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if err := h.ledger.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err), zap.String("request_id", c.GetString(requestIDContextKey)))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

func accessLogMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)))
	}
}
