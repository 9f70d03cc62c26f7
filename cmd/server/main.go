package main

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/example/paygate/internal/config"
	"github.com/example/paygate/internal/database"
	"github.com/example/paygate/internal/handlers"
	"github.com/example/paygate/internal/lock"
	"github.com/example/paygate/internal/middleware"
	"github.com/example/paygate/internal/provider"
	"github.com/example/paygate/internal/repository"
	"github.com/example/paygate/internal/routes"
	"github.com/example/paygate/internal/services"
)

func main() {
	cfg := config.Load()
	conn := database.Connect(cfg.DatabaseURL)
	store := repository.NewDB(conn)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping failed: %v", err)
	}

	locker := lock.NewRedisLocker(redisClient)
	counters := lock.NewRedisTimeoutCounter(redisClient)
	httpClient := provider.NewHTTPClient()

	platform := services.NewPlatformService(cfg.PlatformAPIURL, httpClient, store, locker)
	payments := services.NewPaymentService(store, store, locker, counters, platform, httpClient)

	ipWhitelist := middleware.NewIPWhitelist(store, cfg.AppEnv)
	if err := ipWhitelist.Refresh(ctx); err != nil {
		log.Printf("ip whitelist initial load failed: %v", err)
	}

	reconciler, err := services.NewReconciler(payments, platform, store, store, locker)
	if err != nil {
		log.Fatalf("scheduler init failed: %v", err)
	}
	reconciler.AddJob("refresh ip whitelist", time.Minute, func(ctx context.Context) {
		if err := ipWhitelist.Refresh(ctx); err != nil {
			log.Printf("ip whitelist refresh failed: %v", err)
		}
	})
	if err := reconciler.Start(ctx); err != nil {
		log.Fatalf("scheduler start failed: %v", err)
	}
	defer func() {
		if err := reconciler.Shutdown(); err != nil {
			log.Printf("scheduler shutdown: %v", err)
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:      "Paygate",
		ErrorHandler: handlers.ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())

	routes.Register(app, cfg, payments, store, store, ipWhitelist)

	log.Printf("Registered payment handlers: %v", provider.Handlers())
	log.Printf("Starting server on :%s", cfg.AppPort)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatalf("fiber.Listen error: %v", err)
	}
}
