package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/config"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/health"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/hub"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/httpapi"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/middleware"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/ratelimit"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/registry"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/store"
	"github.com/dropbeam/dropbeam/backend/go/internal/v1/transfer"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		slog.Error("Failed to create upload directory", "error", err)
		os.Exit(1)
	}

	// --- Redis Initialization (Optional) ---
	// Used as a shared rate-limit store when running multiple instances
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			redisClient = nil
		} else {
			slog.Info("✅ Redis initialized for shared rate limiting", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to configure rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Registries with Persistence ---
	deviceSnap, err := store.Open(filepath.Join(cfg.DataDir, "devices.json"))
	if err != nil {
		slog.Error("Failed to open device snapshot store", "error", err)
		os.Exit(1)
	}
	roomSnap, err := store.Open(filepath.Join(cfg.DataDir, "rooms.json"))
	if err != nil {
		slog.Error("Failed to open room snapshot store", "error", err)
		os.Exit(1)
	}

	devices := registry.NewDeviceRegistry(deviceSnap)
	if err := devices.Load(); err != nil {
		slog.Warn("Failed to load device catalog, starting empty", "error", err)
	}
	rooms := registry.NewRoomRegistry(roomSnap)
	if err := rooms.Load(); err != nil {
		slog.Warn("Failed to load room catalog, starting empty", "error", err)
	}

	// --- Relay Hub ---
	allowedOrigins := splitOrigins(cfg.AllowedOrigins)
	engine := transfer.NewEngine(&transfer.Governor{})
	relayHub := hub.NewHub(devices, rooms, engine, rateLimiter, allowedOrigins)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	janitor := hub.NewJanitor(relayHub, cfg.UploadDir)
	go janitor.Run(janitorCtx)

	// --- Set up Server ---
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	// Routing
	router.GET("/ws", relayHub.ServeWs)

	api := httpapi.NewHandler(devices, rooms, engine, relayHub, cfg.UploadDir)
	router.GET("/", api.Landing)

	apiGroup := router.Group("/api", rateLimiter.GlobalMiddleware())
	{
		apiGroup.POST("/upload", rateLimiter.UploadMiddleware(), api.Upload)
		apiGroup.GET("/download/:filename", api.Download)
		apiGroup.GET("/server-info", api.ServerInfo)
		apiGroup.GET("/rooms", api.Rooms)
		apiGroup.DELETE("/transfers/:id", api.DeleteTransfer)
		apiGroup.GET("/ios-health", api.IOSHealth)
		apiGroup.GET("/safari-check", api.SafariCheck)
		apiGroup.POST("/ios-reconnect", api.IOSReconnect)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(redisClient, cfg.DataDir)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Relay server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	stopJanitor()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close every live channel with a normal closure, then give the
	// writePumps a moment to flush the close frames.
	if err := relayHub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown:", "error", err)
	}
	time.Sleep(time.Second)

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Flush pending registry snapshots to disk
	deviceSnap.Close()
	roomSnap.Close()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		}
	}

	slog.Info("Server exiting")
}

// splitOrigins parses the comma-separated ALLOWED_ORIGINS value. Empty means
// allow all, matching local development against file:// and LAN addresses.
func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
