package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/mindloop/mindloop/app/controllers"
	"github.com/mindloop/mindloop/internal/pkg/env"
	"github.com/mindloop/mindloop/internal/pkg/middleware"
)

type ApiRouter struct {
	pc *controllers.PaymentsController
}

func NewApiRouter(pc *controllers.PaymentsController) *ApiRouter {
	return &ApiRouter{pc: pc}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")

	v1.Post("/checkout/session", middleware.RequireUserMiddleware(), h.pc.HandleCreateCheckout)
	v1.Get("/me/access/:courseId", middleware.RequireUserMiddleware(), h.pc.HandleAccessCheck)

	// Operator tooling sits behind basic auth, separate from user identity.
	admin := v1.Group("/admin", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("ADMIN_BASIC_AUTH_USER", "admin"): env.GetEnv("ADMIN_BASIC_AUTH_PASSWORD", "admin"),
		},
	}))
	admin.Post("/webhooks/replay", h.pc.HandleWebhookReplay)
	admin.Get("/payments/intents", h.pc.HandleAdminListIntents)
}
