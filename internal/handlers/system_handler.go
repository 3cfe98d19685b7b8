package handlers

import (
	"context"
	"net/http"
	"time"

	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Pinger a dependency whose reachability is part of health
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler health and liveness
type SystemHandler struct {
	db      *gorm.DB
	redis   Pinger
	version string
}

// NewSystemHandler creates the handler
func NewSystemHandler(db *gorm.DB, redis Pinger, version string) *SystemHandler {
	return &SystemHandler{db: db, redis: redis, version: version}
}

// Health reports the state of the database and redis
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{
		"database": h.checkDatabase(ctx),
		"redis":    "disabled",
	}
	if h.redis != nil {
		checks["redis"] = status(h.redis.Ping(ctx))
	}

	healthy := true
	for _, result := range checks {
		if result != "ok" && result != "disabled" {
			healthy = false
		}
	}

	data := gin.H{
		"status":    "ok",
		"timestamp": time.Now(),
		"service":   "ciflow",
		"version":   h.version,
		"checks":    checks,
	}
	if !healthy {
		data["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, response.Response{
			Code:    apperrors.CodeServiceUnavailable,
			Message: "dependency check failed",
			Data:    data,
		})
		return
	}
	response.Success(c, data)
}

// Ping liveness only
func (h *SystemHandler) Ping(c *gin.Context) {
	response.SuccessWithMessage(c, "pong", nil)
}

func (h *SystemHandler) checkDatabase(ctx context.Context) string {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err.Error()
	}
	return status(sqlDB.PingContext(ctx))
}

func status(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
