package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/internal/ai"
	"conductor/internal/api"
	"conductor/internal/cache"
	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/logging"
	"conductor/internal/middleware"
	"conductor/internal/orchestrator"
	"conductor/internal/queue"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	logging.Init()
	defer logging.Sync()

	cfg := config.Load()

	database, err := db.Open(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		logging.S().Fatalw("database connection failed", "error", err)
	}
	if err := db.Migrate(database); err != nil {
		logging.S().Fatalw("database migration failed", "error", err)
	}
	if cfg.SeedDemo {
		if err := db.SeedDemo(database, ""); err != nil {
			logging.S().Warnw("demo seed failed", "error", err)
		}
	}

	store := cache.New(cfg.RedisURL)
	defer store.Close()

	router := ai.NewRouter(database)
	runner := ai.NewRunner(database, router, store, cfg)
	workQueue := queue.New(database, cfg.InstanceID)
	orch := orchestrator.New(database, workQueue, runner, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()

	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.Recovery())
	engine.Use(middleware.RateLimit(middleware.NewIPRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)))
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler := api.NewHandler(database, workQueue, store, cfg)
	handler.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	logging.S().Infow("server ready", "port", cfg.Port, "instance", cfg.InstanceID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logging.S().Fatalw("server failed", "error", err)
	case sig := <-quit:
		logging.S().Infow("shutting down", "signal", sig.String())
	}

	// Stop claiming new work, then drain HTTP. In-flight items finish or get
	// requeued by another instance when their lease expires.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.S().Warnw("http shutdown error", "error", err)
	}
	wg.Wait()
	logging.S().Infow("shutdown complete")
}
