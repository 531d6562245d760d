// Package api serves the relay's HTTP surface: health and metrics, the
// inbound command endpoint and the JWT-protected admin routes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/alert"
	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/inbound"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const maxBodyBytes = 1 << 20

// EventDispatcher is satisfied by *dispatch.Dispatcher.
type EventDispatcher interface {
	DispatchEvent(ctx context.Context, ev delivery.Event)
	Replay(ctx context.Context, deliveryID string) (*delivery.Attempt, error)
}

// EndpointDisabler is satisfied by *worker.Pool.
type EndpointDisabler interface {
	DisableEndpoint(ctx context.Context, endpointID string) int
}

// AlertTicker is satisfied by *alert.Evaluator.
type AlertTicker interface {
	Tick(ctx context.Context) ([]alert.Alert, error)
}

// CommandProcessor is satisfied by *inbound.Service.
type CommandProcessor interface {
	Process(ctx context.Context, req inbound.Request) (inbound.Result, error)
}

// SecretSealer is satisfied by *signing.SecretBox.
type SecretSealer interface {
	Seal(plaintext string) (string, error)
}

// Deps holds everything the router needs. A nil Validator leaves the admin
// routes unregistered; a nil Commands leaves the inbound route unregistered.
type Deps struct {
	Endpoints         store.EndpointRepository
	Installs          store.InstallRepository
	Attempts          store.AttemptLog
	Secrets           SecretSealer
	Breakers          *circuit.Registry
	Pool              EndpointDisabler
	Dispatcher        EventDispatcher
	Alerts            AlertTicker
	Commands          CommandProcessor
	Validator         *auth.JWTValidator
	Health            health.Checker
	Gatherer          prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	RetentionWindow   time.Duration
	AllowInsecureURLs bool
	Logger            *logging.Logger
}

type Server struct {
	endpoints      store.EndpointRepository
	installs       store.InstallRepository
	attempts       store.AttemptLog
	secrets        SecretSealer
	breakers       *circuit.Registry
	pool           EndpointDisabler
	dispatcher     EventDispatcher
	alerts         AlertTicker
	commands       CommandProcessor
	retention      time.Duration
	allowInsecure  bool
	logger         *logging.Logger
	generateSecret func() (string, error)
}

// NewRouter initialises the gin engine with all routes and middleware.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = logging.New("api")
	}
	s := &Server{
		endpoints:      deps.Endpoints,
		installs:       deps.Installs,
		attempts:       deps.Attempts,
		secrets:        deps.Secrets,
		breakers:       deps.Breakers,
		pool:           deps.Pool,
		dispatcher:     deps.Dispatcher,
		alerts:         deps.Alerts,
		commands:       deps.Commands,
		retention:      deps.RetentionWindow,
		allowInsecure:  deps.AllowInsecureURLs,
		logger:         logger,
		generateSecret: defaultSecret,
	}

	r := gin.New()
	r.Use(recovery(logger), traced(), requestLogger(logger), maxBodySize(maxBodyBytes))

	r.GET("/healthz", deps.Health.Handler())
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	if deps.Commands != nil {
		v1.POST("/commands/:name", s.handleCommand)
	}

	if deps.Validator == nil {
		logger.Plain().Warn("no JWT public key configured, admin routes disabled")
		return r
	}

	admin := v1.Group("", deps.Validator.Middleware())
	{
		admin.POST("/endpoints", s.createEndpoint)
		admin.GET("/endpoints/:id/health", s.endpointHealth)
		admin.POST("/endpoints/:id/disable", s.disableEndpoint)
		admin.POST("/endpoints/:id/enable", s.enableEndpoint)
		admin.POST("/endpoints/:id/rotate-secret", s.rotateSecret)
		admin.GET("/endpoints/:id/deliveries", s.listDeliveries)
		admin.POST("/installs", s.createInstall)
		admin.POST("/deliveries/:id/retry", s.retryDelivery)
		admin.POST("/events", s.publishEvent)
		admin.POST("/ops/purge", s.purge)
		admin.POST("/ops/alerts/tick", s.alertsTick)
	}
	return r
}

func recovery(logger *logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		logger.WithContext(c.Request.Context()).WithField("panic", fmt.Sprint(rec)).WithField("path", c.Request.URL.Path).Error("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, newError(http.StatusInternalServerError, "internal_error", "internal server error"))
	})
}

func traced() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := tracing.ExtractHTTP(c.Request.Context(), c.Request.Header)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.StartSpan(ctx, c.Request.Method+" "+route,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		entry := logger.WithContext(c.Request.Context()).WithFields(map[string]any{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request completed")
			return
		}
		entry.Info("request completed")
	}
}

func maxBodySize(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}
