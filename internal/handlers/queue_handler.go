package handlers

import (
	"context"
	"time"

	"ciflow/internal/services"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/queue"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
)

// QueueInspector read access to the job queues
type QueueInspector interface {
	Stats(ctx context.Context, queueNames ...string) (map[string]queue.QueueStats, error)
	JobStatus(ctx context.Context, jobID string) (map[string]string, error)
}

// QueueHandler queue depth, job status and manual re-sync
type QueueHandler struct {
	queue     QueueInspector
	scheduler *services.ResyncScheduler
}

// NewQueueHandler creates the handler. scheduler may be nil.
func NewQueueHandler(q QueueInspector, scheduler *services.ResyncScheduler) *QueueHandler {
	return &QueueHandler{
		queue:     q,
		scheduler: scheduler,
	}
}

// GetQueueStatus depth of the retrieve and sync queues
func (h *QueueHandler) GetQueueStatus(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	data := gin.H{"queues": stats}
	if h.scheduler != nil {
		if next := h.scheduler.NextRun(); !next.IsZero() {
			data["next_resync"] = next
		}
	}
	response.Success(c, data)
}

// GetJobStatus status hash of one job
func (h *QueueHandler) GetJobStatus(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		response.BadRequest(c, "job id is required")
		return
	}

	status, err := h.queue.JobStatus(c.Request.Context(), jobID)
	if err != nil {
		response.NotFound(c, err.Error())
		return
	}
	response.Success(c, status)
}

// TriggerResync enqueues a sync job for every retrieved repository
func (h *QueueHandler) TriggerResync(c *gin.Context) {
	if h.scheduler == nil {
		response.Error(c, apperrors.CodeServiceUnavailable, "resync scheduler not available")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
	defer cancel()

	enqueued, err := h.scheduler.TriggerNow(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	response.Accepted(c, "resync enqueued", gin.H{"enqueued": enqueued})
}
