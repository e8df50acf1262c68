package middleware

import (
	"strings"

	"github.com/biodoia/hacp/pkg/auth"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// ContextKey tipo per le chiavi dei locals
type ContextKey string

const (
	// OwnerIDKey chiave per l'owner del chiamante
	OwnerIDKey ContextKey = "owner_id"
	// RoleKey chiave per il ruolo del chiamante
	RoleKey ContextKey = "role"
)

// AuthConfig configurazione del middleware di autenticazione
type AuthConfig struct {
	JWTManager *auth.JWTManager
	// Disabled accetta ogni richiesta come owner anonimo con ruolo admin (solo sviluppo)
	Disabled bool
}

// Auth middleware per autenticazione JWT Bearer
func Auth(config AuthConfig) fiber.Handler {
	return func(c fiber.Ctx) error {
		if config.Disabled {
			c.Locals(string(OwnerIDKey), "anonymous")
			c.Locals(string(RoleKey), auth.RoleAdmin)
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing authorization header",
			})
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid authorization format (use 'Bearer <token>')",
			})
		}

		claims, err := config.JWTManager.ValidateToken(token)
		if err != nil {
			log.Debug().Err(err).Msg("JWT validation failed")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid or expired token",
			})
		}

		c.Locals(string(OwnerIDKey), claims.OwnerID)
		c.Locals(string(RoleKey), claims.Role)
		c.Set("X-Owner-ID", claims.OwnerID)

		return c.Next()
	}
}

// RequireRole middleware per verificare che il chiamante abbia uno dei ruoli indicati.
// Il ruolo admin passa sempre.
func RequireRole(roles ...string) fiber.Handler {
	return func(c fiber.Ctx) error {
		role := GetRole(c)
		if role == auth.RoleAdmin {
			return c.Next()
		}
		for _, r := range roles {
			if role == r {
				return c.Next()
			}
		}

		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "insufficient permissions",
		})
	}
}

// GetOwnerID estrae l'owner del chiamante
func GetOwnerID(c fiber.Ctx) string {
	ownerID, _ := c.Locals(string(OwnerIDKey)).(string)
	return ownerID
}

// GetRole estrae il ruolo del chiamante
func GetRole(c fiber.Ctx) string {
	role, _ := c.Locals(string(RoleKey)).(string)
	return role
}
