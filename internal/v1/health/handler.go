package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pearl-OS/messaging/internal/v1/config"
)

// Handler exposes the monitor over HTTP for the runtime daemon.
type Handler struct {
	monitor *Monitor
	env     config.Environment
}

// NewHandler builds the HTTP surface for one environment's monitor.
func NewHandler(monitor *Monitor, env config.Environment) *Handler {
	return &Handler{monitor: monitor, env: env}
}

// Liveness reports that the process is up. Always 200.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readiness reports whether Redis is reachable. 503 when it is not, so
// orchestrators stop routing traffic here.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if !h.monitor.IsHealthy(ctx, h.env) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// RedisStatus returns the full structured health record plus the rolling
// average latency.
func (h *Handler) RedisStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := h.monitor.GetStatus(ctx, h.env)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":           status,
		"averageLatencyMs": float64(h.monitor.AverageLatency(h.env, 10)) / float64(time.Millisecond),
	})
}
