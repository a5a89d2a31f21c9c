package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/KiprotichDev/NetPesa/app/repository"
	"github.com/KiprotichDev/NetPesa/internal/pkg/admission"
	"github.com/KiprotichDev/NetPesa/internal/pkg/cache"
	"github.com/KiprotichDev/NetPesa/internal/pkg/database"
	"github.com/KiprotichDev/NetPesa/internal/pkg/env"
	"github.com/KiprotichDev/NetPesa/internal/pkg/jobqueue"
	"github.com/KiprotichDev/NetPesa/internal/pkg/mpesa"
	"github.com/KiprotichDev/NetPesa/internal/pkg/netgrant"
	"github.com/KiprotichDev/NetPesa/internal/pkg/reconcile"
	"github.com/KiprotichDev/NetPesa/internal/pkg/router"
	"github.com/KiprotichDev/NetPesa/internal/pkg/sweeper"
)

// Same entry point as the repo root main, kept under cmd/ for container
// builds that expect a conventional cmd/<binary> layout.
func main() {
	env.SetupEnvFile()
	database.SetupDatabase()

	redisClient, err := cache.NewClientFromEnv(context.Background())
	if err != nil {
		log.Fatalf("[App] Redis is required for the job queue: %v", err)
	}
	defer redisClient.Close()

	repos := repository.NewRepositories(database.GetDB())
	gateway := mpesa.NewClientFromEnv()
	controller := netgrant.NewControllerFromEnv()

	processor := reconcile.NewProcessor(repos, gateway, controller)
	workers, _ := strconv.Atoi(env.GetEnv("QUEUE_WORKERS", "3"))
	queue := jobqueue.NewQueue(redisClient, processor, workers)
	queue.Start()
	defer queue.Stop()

	sweeps := sweeper.NewManager(repos, controller)
	sweeps.Start()
	defer sweeps.Stop()

	app := fiber.New(fiber.Config{
		AppName:   "NetPesa",
		BodyLimit: 1 << 20,
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	router.InstallRouter(app, router.Deps{
		Repos:      repos,
		Queue:      queue,
		Checker:    admission.NewChecker(repos.Session, repos.Audit, redisClient),
		Gateway:    gateway,
		Controller: controller,
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("[App] Shutdown signal received")
		if err := app.Shutdown(); err != nil {
			log.Errorf("[App] Shutdown failed: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	if err := app.Listen(addr); err != nil {
		log.Errorf("[App] Server stopped: %v", err)
	}
}
