package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pearl-OS/messaging/internal/v1/config"
	"github.com/pearl-OS/messaging/internal/v1/health"
	"github.com/pearl-OS/messaging/internal/v1/logging"
	"github.com/pearl-OS/messaging/internal/v1/middleware"
	"github.com/pearl-OS/messaging/internal/v1/runtime"
	"github.com/pearl-OS/messaging/internal/v1/tracing"
)

func main() {
	// Load .env for local development; environment variables win in
	// deployed setups.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	env := config.Environment(os.Getenv("MESSAGING_ENV"))
	if env == "" {
		env = config.Development
	}

	if err := logging.Initialize(env); err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(env)
	if err != nil {
		slog.Error("Configuration failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if collector := os.Getenv("OTEL_EXPORTER_ADDR"); collector != "" {
		tp, err := tracing.InitTracer(ctx, collector, env)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	rt := runtime.New()
	if err := rt.Initialize(cfg); err != nil {
		slog.Error("Runtime initialization failed", "error", err)
		os.Exit(1)
	}
	if err := rt.Start(ctx); err != nil {
		slog.Error("Runtime start failed", "error", err)
		os.Exit(1)
	}

	// --- HTTP surface ---
	if env != config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins()
	router.Use(cors.New(corsConfig))

	healthHandler := health.NewHandler(rt.Health(), env)
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)
	router.GET("/health/redis", healthHandler.RedisStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/channels/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"summary":  rt.ChannelStats().HealthSummary(),
			"channels": rt.ChannelStats().All(),
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		slog.Info("Messaging runtime API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
		}
	}()

	// Announce liveness to peers.
	rt.Heartbeat().StartHeartbeat("healthy", nil)

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := rt.Stop(shutdownCtx); err != nil {
		slog.Error("Runtime stop failed", "error", err)
	}

	slog.Info("Messaging runtime exiting")
}

func allowedOrigins() []string {
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) > 0 {
			return origins
		}
	}
	return []string{"http://localhost:3000"}
}
