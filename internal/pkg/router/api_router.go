package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/KiprotichDev/NetPesa/app/controllers"
	"github.com/KiprotichDev/NetPesa/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	payments := controllers.NewPaymentController(h.deps.Repos.Payment, h.deps.Checker, h.deps.Gateway)
	sessions := controllers.NewSessionController(h.deps.Repos.Session, h.deps.Repos.Audit, h.deps.Controller)
	webhook := controllers.NewWebhookController(h.deps.Queue)

	api := app.Group("/api", limiter.New(limiter.Config{
		// The gateway must never be throttled; only portal traffic is.
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/api/v1/payments/callback"
		},
	}))

	v1 := api.Group("/v1")
	v1.Post("/payments/initiate", payments.HandleInitiate)
	v1.Get("/payments/:checkoutID/status", payments.HandleStatus)
	v1.Post("/payments/callback", middleware.GatewayAllowlist(h.deps.Repos.Audit), webhook.HandleMpesaCallback)
	v1.Post("/sessions/disconnect", sessions.HandleDisconnect)
	v1.Get("/sessions/status", sessions.HandleStatus)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
