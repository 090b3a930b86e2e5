package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mindloop/mindloop/internal/pkg/usercontext"
)

// UserContextMiddleware populates the request user context from the identity
// headers the platform gateway sets after authenticating the user. This
// service never validates credentials itself.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		uid := strings.TrimSpace(c.Get("X-User-ID"))
		userCtx := usercontext.UserContext{
			UID:        uid,
			IsLoggedIn: uid != "",
			IsAdmin:    strings.EqualFold(strings.TrimSpace(c.Get("X-User-Role")), "admin"),
		}
		c.Locals(usercontext.ContextKey, userCtx)
		return c.Next()
	}
}

// RequireUserMiddleware rejects requests without an authenticated user.
func RequireUserMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !usercontext.IsLoggedIn(c) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
		}
		return c.Next()
	}
}
