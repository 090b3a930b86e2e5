package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mindloop/mindloop/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

func InstallRouter(app *fiber.App, pc *controllers.PaymentsController) {
	// Install WebhookRouter first so the global UserContext middleware is in
	// place before the API routes that depend on it are registered.
	setup(app, NewWebhookRouter(pc), NewApiRouter(pc))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
