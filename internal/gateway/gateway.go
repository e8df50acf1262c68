package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/biodoia/hacp/internal/console"
	"github.com/biodoia/hacp/internal/providers"
	"github.com/biodoia/hacp/internal/ratelimit"
	"github.com/biodoia/hacp/internal/realtime"
	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/auth"
	"github.com/biodoia/hacp/pkg/config"
	"github.com/biodoia/hacp/pkg/middleware"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Version è riportata da /health
var Version = "dev"

// Pinger verifica la raggiungibilità del database
type Pinger interface {
	Ping() error
}

// HealthReporter espone l'ultimo esito del monitor dei provider
type HealthReporter interface {
	Healthy() bool
	Status() map[providers.Kind]string
}

// Deps raccoglie i collaboratori del gateway
type Deps struct {
	Console *console.Service
	DB      Pinger
	Health  HealthReporter // opzionale
	Metrics http.Handler   // opzionale, esposto su /metrics
	JWT     *auth.JWTManager
	Limiter ratelimit.Limiter // opzionale, limita le richieste per owner su /v1
	Stream  *realtime.Hub     // opzionale, esposto su /v1/events
}

// Gateway è il server HTTP per il front end della console
type Gateway struct {
	config  *config.Config
	app     *fiber.App
	console *console.Service
	db      Pinger
	health  HealthReporter
	metrics http.Handler
	jwt     *auth.JWTManager
	limiter ratelimit.Limiter
	stream  *realtime.Hub
}

// New crea una nuova istanza del gateway
func New(cfg *config.Config, deps Deps) (*Gateway, error) {
	if deps.Console == nil {
		return nil, errors.New("gateway: console service is required")
	}
	if cfg.Auth.Enabled && deps.JWT == nil {
		return nil, errors.New("gateway: jwt manager is required when auth is enabled")
	}

	app := fiber.New(fiber.Config{
		AppName:      "HACP Gateway",
		ServerHeader: "HACP",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorHandler: errorHandler,
	})

	gw := &Gateway{
		config:  cfg,
		app:     app,
		console: deps.Console,
		db:      deps.DB,
		health:  deps.Health,
		metrics: deps.Metrics,
		jwt:     deps.JWT,
		limiter: deps.Limiter,
		stream:  deps.Stream,
	}

	gw.setupMiddlewares()
	gw.setupRoutes()

	return gw, nil
}

// App restituisce l'applicazione fiber, usata nei test
func (g *Gateway) App() *fiber.App {
	return g.app
}

// setupMiddlewares configura i middleware globali
func (g *Gateway) setupMiddlewares() {
	g.app.Use(middleware.RequestID())
	g.app.Use(middleware.Recovery())
	g.app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: g.config.Server.AllowedOrigins,
	}))
	g.app.Use(middleware.Logging(middleware.LoggingConfig{
		SkipPaths: []string{"/health", "/ready", "/metrics"},
	}))
}

// setupRoutes configura le route HTTP
func (g *Gateway) setupRoutes() {
	g.app.Get("/health", g.handleHealth)
	g.app.Get("/ready", g.handleReady)

	if g.config.Monitoring.Prometheus.Enabled && g.metrics != nil {
		handler := fasthttpadaptor.NewFastHTTPHandler(g.metrics)
		g.app.Get("/metrics", func(c fiber.Ctx) error {
			handler(c.RequestCtx())
			return nil
		})
	}

	api := g.app.Group("/v1", middleware.Auth(middleware.AuthConfig{
		JWTManager: g.jwt,
		Disabled:   !g.config.Auth.Enabled,
	}))
	if g.limiter != nil {
		api.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter:  g.limiter,
			FailOpen: true,
		}))
	}

	agents := api.Group("/agents")
	agents.Post("/", middleware.RequireRole(auth.RoleTeam), g.handleProvisionAgent)
	agents.Get("/", g.handleListAgents)
	agents.Get("/:id", g.handleGetAgent)
	agents.Delete("/:id", middleware.RequireRole(auth.RoleTeam), g.handleDeprovisionAgent)
	agents.Post("/:id/pause", middleware.RequireRole(auth.RoleTeam), g.handlePauseAgent)
	agents.Post("/:id/resume", middleware.RequireRole(auth.RoleTeam), g.handleResumeAgent)
	agents.Post("/:id/requests", g.handleRouteRequest)

	api.Post("/sessions/:id/escalations", g.handleEscalateSession)
	api.Get("/escalations/:id", g.handleEscalationStatus)

	if g.stream != nil {
		api.Get("/events", g.handleEventStream)
	}
}

// Start avvia il gateway
func (g *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", g.config.Server.Host, g.config.Server.Port)

	listen := fiber.ListenConfig{DisableStartupMessage: true}
	if g.config.Server.TLS.Enabled {
		listen.CertFile = g.config.Server.TLS.Cert
		listen.CertKeyFile = g.config.Server.TLS.Key
	}

	log.Info().Str("addr", addr).Bool("tls", g.config.Server.TLS.Enabled).Msg("Gateway listening")
	return g.app.Listen(addr, listen)
}

// Shutdown esegue lo shutdown graceful del gateway
func (g *Gateway) Shutdown(ctx context.Context) error {
	// gli stream SSE restano aperti finché l'hub non li chiude
	if g.stream != nil {
		g.stream.Close()
	}
	if err := g.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	log.Info().Msg("Gateway shutdown completed")
	return nil
}

// handleHealth endpoint di liveness
func (g *Gateway) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"version":   Version,
	})
}

// handleReady verifica database e provider
func (g *Gateway) handleReady(c fiber.Ctx) error {
	if g.db != nil {
		if err := g.db.Ping(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"ready": false,
				"error": "database ping failed",
			})
		}
	}

	body := fiber.Map{"ready": true, "timestamp": time.Now().Unix()}
	if g.health != nil {
		// provider degradati non rendono il servizio non pronto: le richieste escalano
		body["providers"] = g.health.Status()
		body["providers_healthy"] = g.health.Healthy()
	}
	return c.JSON(body)
}

// errorHandler gestisce gli errori non intercettati dagli handler
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error":      message,
		"request_id": middleware.GetRequestID(c),
	})
}

// statusFor traduce la tassonomia degli errori in uno status HTTP
func statusFor(err error) int {
	if errors.Is(err, console.ErrForbidden) {
		return fiber.StatusForbidden
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return fiber.StatusUnprocessableEntity
	case apperrors.KindNotFound:
		return fiber.StatusNotFound
	case apperrors.KindConflict:
		return fiber.StatusConflict
	case apperrors.KindPermanentProvider:
		return fiber.StatusBadGateway
	case apperrors.KindTransientProvider,
		apperrors.KindPartialProvisioning,
		apperrors.KindProvisioningFailed,
		apperrors.KindInvocationFailed:
		return fiber.StatusServiceUnavailable
	case apperrors.KindEscalationTimeout:
		return fiber.StatusOK
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return fiber.StatusGatewayTimeout
		}
		return fiber.StatusInternalServerError
	}
}

// fail risponde con lo status corrispondente all'errore
func fail(c fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", middleware.GetRequestID(c)).Str("path", c.Path()).Msg("Request failed")
	}
	return c.Status(code).JSON(fiber.Map{
		"error":      err.Error(),
		"kind":       apperrors.KindOf(err),
		"request_id": middleware.GetRequestID(c),
	})
}
