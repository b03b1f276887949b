package craftlink

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
)

const (
	pprofPrefix        = "/debug"
	apiPrefix          = "/api"
	apiHealthCheck     = "/healthz"
	apiPathStats       = "/stats"
	apiPathBuckets     = "/buckets"
	apiPathQueues      = "/queues"
	apiPathQueueRoute  = "/queues/*route"
	apiPathRequestLogs = "/request_logs"
	apiPathChannelSend = "/channels/:id/messages"
	apiPathEvents      = "/events"
	xRequestIDHeader   = "X-Request-ID"
	bearerPrefix       = "Bearer "
)

var (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// API is the admin HTTP server. It exposes rate limiter state, queue
// controls, the request log, and a websocket stream of limiter events.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

func newAPI(c *CraftLink, config *APIConfig) (*API, error) {
	logger := componentLogger(defaultLogWriter, config.LogLevel, "api")

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:   config,
		engine:   r,
		logger:   logger,
		handlers: NewAPIHandlers(c, logger),
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		cfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	r.Use(gin.Recovery())
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Token, logger))

	protected.GET(apiPathStats, h.getStats)
	protected.GET(apiPathBuckets, h.getBuckets)
	protected.GET(apiPathQueues, h.getQueues)
	protected.DELETE(apiPathQueues, h.clearQueues)
	protected.DELETE(apiPathQueueRoute, h.clearRouteQueue)
	protected.GET(apiPathRequestLogs, h.getRequestLogs)
	protected.POST(apiPathChannelSend, h.sendChannelMessage)
	protected.GET(apiPathEvents, h.streamEvents)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// APIHandlers implements the admin API endpoints.
type APIHandlers struct {
	c        *CraftLink
	logger   *slog.Logger
	upgrader *websocket.Upgrader
}

func NewAPIHandlers(c *CraftLink, logger *slog.Logger) *APIHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandlers{
		c:      c,
		logger: logger,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type healthCheckResponse struct {
	Status                string `json:"status"`
	Queued                int    `json:"queued"`
	RequestsInFlight      int    `json:"requests_in_flight"`
	GlobalRateLimitActive bool   `json:"global_rate_limit_active"`
}

// httpError represents an error message returned ot the client
type httpError struct {
	Error string `json:"error"`
}

type bucketsResponse struct {
	Buckets map[string]RateLimitBucket `json:"buckets"`
	Routes  map[string]string          `json:"routes"`
	Global  GlobalRateLimit            `json:"global"`
}

type queuesResponse struct {
	QueueStats
	Routes map[string]RouteState `json:"routes"`
}

type clearQueuesResponse struct {
	Route   string `json:"route,omitempty"`
	Removed int    `json:"removed"`
}

type sendMessagePayload struct {
	Content  string   `json:"content" binding:"required,max=2000"`
	Priority Priority `json:"priority"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	stats := h.c.limiter.GetStats()
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Status:                "ok",
			Queued:                stats.TotalQueued,
			RequestsInFlight:      stats.RequestsInFlight,
			GlobalRateLimitActive: stats.GlobalRateLimitActive,
		},
	)
}

func (h *APIHandlers) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.c.limiter.GetStats())
}

func (h *APIHandlers) getBuckets(c *gin.Context) {
	c.JSON(
		http.StatusOK, bucketsResponse{
			Buckets: h.c.limiter.Buckets().GetAllBuckets(),
		Routes:  h.c.limiter.Buckets().GetRouteBuckets(),
			Global:  h.c.limiter.Buckets().GlobalRateLimit(),
		},
	)
}

func (h *APIHandlers) getQueues(c *gin.Context) {
	c.JSON(
		http.StatusOK, queuesResponse{
			QueueStats: h.c.limiter.Queues().GetStats(),
			Routes:     h.c.limiter.RouteStates(),
		},
	)
}

func (h *APIHandlers) clearQueues(c *gin.Context) {
	removed := h.c.clearQueues(c.Request.Context(), "")
	ginContextLogger(c).Warn("cleared all queues", "removed", removed)
	c.JSON(http.StatusOK, clearQueuesResponse{Removed: removed})
}

// clearRouteQueue clears one route. Route keys contain a space and
// slashes, ex: DELETE /api/queues/POST%20/channels/123/messages
func (h *APIHandlers) clearRouteQueue(c *gin.Context) {
	route := strings.TrimPrefix(c.Param("route"), "/")
	if route == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: ErrInvalidRoute.Error()})
		return
	}
	removed := h.c.clearQueues(c.Request.Context(), route)
	ginContextLogger(c).Warn("cleared route queue", "route", route, "removed", removed)
	c.JSON(http.StatusOK, clearQueuesResponse{Route: route, Removed: removed})
}

func (h *APIHandlers) getRequestLogs(c *gin.Context) {
	if h.c.db == nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "request log unavailable"},
		)
		return
	}
	var q RequestLogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	logs, err := ListRequestLogs(c.Request.Context(), h.c.db, q)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error listing request logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *APIHandlers) sendChannelMessage(c *gin.Context) {
	if h.c.discord == nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "discord unavailable"},
		)
		return
	}
	var payload sendMessagePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	channelID := c.Param("id")
	msg, err := h.c.discord.ChannelMessageSend(
		c.Request.Context(),
		channelID,
		payload.Content,
		WithPriority(payload.Priority),
		WithMetadata(map[string]any{"api_request_id": c.GetString(xRequestIDHeader)}),
	)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(limiterErrorStatus(err), httpError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// limiterErrorStatus maps a rate limited request failure to the HTTP
// status returned to API clients.
func limiterErrorStatus(err error) int {
	switch {
	case IsRateLimitError(err):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrLimiterClosed), errors.Is(err, ErrQueueCleared):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

// streamEvents upgrades to a websocket and writes every limiter event as
// JSON until the client disconnects or the limiter shuts down.
func (h *APIHandlers) streamEvents(c *gin.Context) {
	logger := ginContextLogger(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", tint.Err(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := h.c.limiter.Subscribe()
	defer unsubscribe()

	// the client never sends anything meaningful, but reading is needed
	// to process control frames and notice disconnects
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			if e := conn.WriteControl(
				websocket.PingMessage,
				nil,
				time.Now().Add(wsWriteTimeout),
			); e != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second),
				)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if writeErr := conn.WriteJSON(e); writeErr != nil {
				logger.Debug("error writing event", tint.Err(writeErr))
				return
			}
		}
	}
}

// authMiddleware requires an 'Authorization: Bearer <token>' header
// matching token.
func authMiddleware(token string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided, ok := strings.CutPrefix(c.GetHeader("Authorization"), bearerPrefix)
		if !ok || token == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			logger.Warn(
				"unauthorized request",
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set in the gin context and the X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.String(xRequestIDHeader, c.GetString(xRequestIDHeader)),
	)
	c.Set(string(loggerContextKey), requestLogger)
	c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), requestLogger))
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path, status and
// duration, along with any errors attached to the gin context.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setGinContextLogger(c, logger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
