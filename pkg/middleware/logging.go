package middleware

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggingConfig configurazione del middleware di logging
type LoggingConfig struct {
	// Logger personalizzato (opzionale)
	Logger *zerolog.Logger
	// Skip paths che non devono essere loggati
	SkipPaths []string
}

const (
	// RequestIDKey chiave per il request ID nei locals
	RequestIDKey ContextKey = "request_id"
	// RequestIDHeader header propagato verso il front end della console
	RequestIDHeader = "X-Request-ID"
)

// RequestID assegna a ogni richiesta un uuid; un header in ingresso non valido viene sostituito
func RequestID() fiber.Handler {
	return func(c fiber.Ctx) error {
		requestID := c.Get(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}

		c.Locals(string(RequestIDKey), requestID)
		c.Set(RequestIDHeader, requestID)

		return c.Next()
	}
}

// Logging middleware per logging strutturato delle richieste
func Logging(config LoggingConfig) fiber.Handler {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(c fiber.Ctx) error {
		if skipMap[c.Path()] {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		latency := time.Since(start)

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		default:
			event = logger.Info()
		}

		event = event.
			Str("request_id", GetRequestID(c)).
			Str("method", c.Method()).
			Str("route", c.Route().Path).
			Int("status", status).
			Dur("latency", latency).
			Int("bytes_out", len(c.Response().Body()))

		// Auth gira dopo il logging: i locals sono già popolati al ritorno
		if ownerID := GetOwnerID(c); ownerID != "" {
			event = event.Str("owner_id", ownerID).Str("role", GetRole(c))
		}
		if agentID := c.Params("id"); agentID != "" {
			event = event.Str("subject_id", agentID)
		}
		if err != nil {
			event = event.Err(err)
		}

		event.Msg("request completed")
		return err
	}
}

// GetRequestID estrae il request ID dai locals
func GetRequestID(c fiber.Ctx) string {
	requestID, _ := c.Locals(string(RequestIDKey)).(string)
	return requestID
}
