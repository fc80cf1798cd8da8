package mime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

const (
	pprofPrefix      = "/debug"
	apiPrefix        = "/api"
	apiPathStatus    = "/status"
	apiPathPause     = "/pause"
	apiPathResume    = "/resume"
	apiPathQuit      = "/quit"
	apiHealthCheck   = "/healthz"
	xRequestIDHeader = "X-Request-ID"
)

var (
	structValidator = validator.New()
)

// API provides the monitoring/control HTTP server for the bot.
//
// It exposes the bot's runtime status (gateway connection, queue depth,
// inference activity) and endpoints to pause, resume or stop request
// processing.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	m *Mime
}

// newAPI initializes and returns a new instance of the API struct.
func newAPI(m *Mime, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, fmt.Errorf("nil api config")
	}
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		m:              m,
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiHealthCheck, api.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	group := r.Group(apiPrefix)
	group.GET(apiPathStatus, api.botStatus)
	group.POST(apiPathPause, api.botPause)
	group.POST(apiPathResume, api.botResume)
	group.POST(apiPathQuit, api.botQuit)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

type httpReply struct {
	Message string `json:"message"`
}

// botStatusReport is the response payload for the status endpoint
type botStatusReport struct {
	Version             string         `json:"version"`
	Uptime              string         `json:"uptime"`
	GatewayConnected    bool           `json:"gateway_connected"`
	Paused              bool           `json:"paused"`
	QueueSize           int            `json:"queue_size"`
	InferenceInProgress int64          `json:"inference_in_progress"`
	MessagesSeen        int64          `json:"messages_seen"`
	RepliesSent         int64          `json:"replies_sent"`
	InferenceErrors     int64          `json:"inference_errors"`
	GatewayConnects     int64          `json:"gateway_connects"`
	GatewayDisconnects  int64          `json:"gateway_disconnects"`
	RequestMetrics      map[string]int `json:"request_metrics"`
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) botStatus(c *gin.Context) {
	m := a.m

	a.requestMetricsMu.Lock()
	requestMetrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		requestMetrics[k] = v
	}
	a.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK, botStatusReport{
			Version:             Version,
			Uptime:              time.Since(m.startedAt).String(),
			GatewayConnected:    m.discord.connected.Load(),
			Paused:              m.paused.Load(),
			QueueSize:           m.queue.Len(),
			InferenceInProgress: m.inferencesInProgress.Load(),
			MessagesSeen:        m.metricMessagesSeen.Load(),
			RepliesSent:         m.metricRepliesSent.Load(),
			InferenceErrors:     m.metricInferenceErrs.Load(),
			GatewayConnects:     m.discord.metricConnects.Load(),
			GatewayDisconnects:  m.discord.metricDisconnects.Load(),
			RequestMetrics:      requestMetrics,
		},
	)
}

func (a *API) botPause(c *gin.Context) {
	if a.m.Pause(c.Request.Context()) {
		c.JSON(http.StatusOK, httpReply{Message: "paused"})
		return
	}
	c.JSON(http.StatusConflict, httpReply{Message: "already paused"})
}

func (a *API) botResume(c *gin.Context) {
	if a.m.Resume(c.Request.Context()) {
		c.JSON(http.StatusOK, httpReply{Message: "resumed"})
		return
	}
	c.JSON(http.StatusConflict, httpReply{Message: "not paused"})
}

func (a *API) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("received quit request")
	a.m.Stop()
	c.JSON(http.StatusOK, httpReply{Message: "stopping"})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests.
//
// It logs the request method, path, remote address, user agent, referer,
// and the duration of the request. If there are any errors, it logs them
// as well.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics.
//
// It increments the request count for each unique combination of HTTP
// method and URL path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(validateQueueConfig, QueueConfig{})
}
