package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// Recovery trasforma un panic di un handler in una risposta 500 con la forma d'errore delle API
func Recovery() fiber.Handler {
	return func(c fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("request_id", GetRequestID(c)).
					Str("route", c.Route().Path).
					Str("owner_id", GetOwnerID(c)).
					Str("panic", fmt.Sprint(r)).
					Str("stack", string(debug.Stack())).
					Msg("Handler panicked")

				err = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error":      "internal server error",
					"kind":       "internal",
					"request_id": GetRequestID(c),
				})
			}
		}()

		return c.Next()
	}
}
