package health

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/dropbeam/dropbeam/backend/go/internal/v1/logging"
	"go.uber.org/zap"
)

// Handler manages health check endpoints
type Handler struct {
	redisClient *redis.Client
	dataDir     string
}

// NewHandler creates a new health check handler. redisClient may be nil when
// the relay runs without Redis.
func NewHandler(redisClient *redis.Client, dataDir string) *Handler {
	return &Handler{
		redisClient: redisClient,
		dataDir:     dataDir,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	storageStatus := h.checkStorage()
	checks["storage"] = storageStatus
	if storageStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// Single-instance mode runs without Redis; consider it healthy
	if h.redisClient == nil {
		return "healthy"
	}

	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkStorage verifies the snapshot directory is writable. Registries persist
// their snapshots there; a read-only volume would silently lose state.
func (h *Handler) checkStorage() string {
	if h.dataDir == "" {
		return "healthy"
	}

	probe := filepath.Join(h.dataDir, ".health-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		logging.Error(context.Background(), "Storage health check failed", zap.Error(err))
		return "unhealthy"
	}
	_ = os.Remove(probe)
	return "healthy"
}
