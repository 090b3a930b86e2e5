package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mindloop/mindloop/app/controllers"
	"github.com/mindloop/mindloop/internal/pkg/middleware"
)

// WebhookRouter carries the unauthenticated surface: provider callbacks and
// the health probe. Webhook requests authenticate via payload signatures,
// never via user identity.
type WebhookRouter struct {
	pc *controllers.PaymentsController
}

func NewWebhookRouter(pc *controllers.PaymentsController) *WebhookRouter {
	return &WebhookRouter{pc: pc}
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Post("/webhooks/payments", h.pc.HandleWebhook)
}
