package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/mindloop/mindloop/app/controllers"
	"github.com/mindloop/mindloop/internal/pkg/cache"
	"github.com/mindloop/mindloop/internal/pkg/database"
	"github.com/mindloop/mindloop/internal/pkg/entitlements"
	"github.com/mindloop/mindloop/internal/pkg/env"
	"github.com/mindloop/mindloop/internal/pkg/payments"
	"github.com/mindloop/mindloop/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "mindloop-payments",
		BodyLimit: 1 * 1024 * 1024, // webhooks and API bodies are small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("ADMIN_BASIC_AUTH_USER", "admin"): env.GetEnv("ADMIN_BASIC_AUTH_PASSWORD", "admin"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	if specPath := env.GetEnv("OPENAPI_SPEC_PATH", "docs/openapi.yml"); fileExists(specPath) {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: specPath,
			Path:     "v1",
		}))
	}

	// SERVICES
	repo := payments.NewRepository(database.GetDB())
	ents := entitlements.NewStore(database.GetDB(), env.GetEnvBool("CACHE_ENABLED", true))
	registry := payments.NewRegistryFromEnv()
	svc := payments.NewServiceFromEnv(repo, ents, registry)
	pc := controllers.NewPaymentsController(svc, ents)

	// ROUTER
	router.InstallRouter(app, pc)

	return app
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
