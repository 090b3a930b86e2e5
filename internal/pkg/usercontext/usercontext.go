package usercontext

import "github.com/gofiber/fiber/v2"

// Locals key for the request user context.
const ContextKey = "USER_CONTEXT"

// UserContext represents the authenticated platform user for a request.
// Authentication itself happens upstream (the platform's auth layer); this
// service only consumes the identity it forwards.
type UserContext struct {
	UID        string `json:"uid"`
	IsLoggedIn bool   `json:"is_logged_in"`
	IsAdmin    bool   `json:"is_admin"`
}

// GetUserContext retrieves the user context from fiber context.
// Returns a default anonymous context if none is set.
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx := c.Locals(ContextKey); ctx != nil {
		return ctx.(UserContext)
	}
	return UserContext{IsLoggedIn: false, IsAdmin: false}
}

// IsLoggedIn checks if the current user is logged in
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// GetUID returns the current user's id, or empty string if not logged in
func GetUID(c *fiber.Ctx) string {
	return GetUserContext(c).UID
}
