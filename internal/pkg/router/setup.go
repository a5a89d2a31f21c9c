package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/KiprotichDev/NetPesa/app/repository"
	"github.com/KiprotichDev/NetPesa/internal/pkg/admission"
	"github.com/KiprotichDev/NetPesa/internal/pkg/jobqueue"
	"github.com/KiprotichDev/NetPesa/internal/pkg/mpesa"
	"github.com/KiprotichDev/NetPesa/internal/pkg/netgrant"
)

// Router installs a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries the wired collaborators the route handlers need. Everything is
// constructed in main and passed down; no package-level singletons.
type Deps struct {
	Repos      *repository.Repositories
	Queue      *jobqueue.Queue
	Checker    *admission.Checker
	Gateway    *mpesa.Client
	Controller netgrant.Controller
}

func InstallRouter(app *fiber.App, deps Deps) {
	setup(app, NewHttpRouter(), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
