package handlers

import (
	"net/http"

	"ciflow/internal/middleware"
	"ciflow/internal/services"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/logger"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Delivery headers set by GitHub
const (
	HeaderSignature = "X-Hub-Signature-256"
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
)

const maxDeliverySize = 25 << 20 // GitHub caps payloads at 25MB

// WebhookHandler inbound deliveries and hook management
type WebhookHandler struct {
	webhookService *services.WebhookService
	log            *logrus.Entry
}

// NewWebhookHandler creates the handler
func NewWebhookHandler(webhookService *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		webhookService: webhookService,
		log:            logger.WithComponent("webhook_handler"),
	}
}

type webhookURLRequest struct {
	WebhookURL string `json:"webhook_url" binding:"required,max=500"`
}

// Receive verifies and handles a delivery. Deliveries on /webhooks/github/:key are
// matched against the user who registered that path.
func (h *WebhookHandler) Receive(c *gin.Context) {
	signature := c.GetHeader(HeaderSignature)
	if signature == "" {
		response.ErrorWithStatus(c, http.StatusUnauthorized, "missing "+HeaderSignature+" header")
		return
	}
	event := c.GetHeader(HeaderEvent)
	if event == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "missing "+HeaderEvent+" header")
		return
	}

	payload, err := readBody(c, maxDeliverySize)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "unreadable payload")
		return
	}

	webhookURL := ""
	if c.Param("key") != "" {
		webhookURL = c.Request.URL.Path
	}

	log := h.log.WithFields(logrus.Fields{
		"event":    event,
		"delivery": c.GetHeader(HeaderDelivery),
	})

	ctx := c.Request.Context()
	webhook, err := h.webhookService.Verify(ctx, payload, signature, webhookURL)
	if err != nil {
		log.Warnf("Rejected webhook delivery: %v", err)
		response.ErrorWithStatus(c, statusOf(err), err.Error())
		return
	}

	if err := h.webhookService.Handle(ctx, webhook, event); err != nil {
		log.Errorf("Failed to handle webhook delivery: %v", err)
		response.ErrorWithStatus(c, statusOf(err), "delivery could not be processed")
		return
	}

	response.Accepted(c, "delivery accepted", gin.H{"repository_id": webhook.RepositoryID})
}

// Configure installs the hook of a repository
func (h *WebhookHandler) Configure(c *gin.Context) {
	repoID, ok := parseID(c, "id")
	if !ok {
		return
	}

	webhook, err := h.webhookService.Configure(c.Request.Context(), middleware.UserID(c), repoID)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "webhook configured", webhook)
}

// Update changes events or the active flag of the hook of a repository
func (h *WebhookHandler) Update(c *gin.Context) {
	repoID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req services.UpdateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	webhook, err := h.webhookService.Update(c.Request.Context(), middleware.UserID(c), repoID, &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "webhook updated", webhook)
}

// Delete removes the hook of a repository
func (h *WebhookHandler) Delete(c *gin.Context) {
	repoID, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.webhookService.Delete(c.Request.Context(), middleware.UserID(c), repoID); err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "webhook deleted", nil)
}

// Check reconciles the hook of a repository with GitHub
func (h *WebhookHandler) Check(c *gin.Context) {
	repoID, ok := parseID(c, "id")
	if !ok {
		return
	}

	webhook, err := h.webhookService.Check(c.Request.Context(), middleware.UserID(c), repoID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, webhook)
}

// List hooks of the current user
func (h *WebhookHandler) List(c *gin.Context) {
	webhooks, err := h.webhookService.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, webhooks)
}

// RegisterURL records the delivery URL that identifies the current user
func (h *WebhookHandler) RegisterURL(c *gin.Context) {
	var req webhookURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	record, err := h.webhookService.RegisterWebhookURL(c.Request.Context(), middleware.UserID(c), req.WebhookURL)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, record)
}

// GetURL the delivery URL of the current user
func (h *WebhookHandler) GetURL(c *gin.Context) {
	record, err := h.webhookService.GetWebhookURL(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, record)
}

func readBody(c *gin.Context, limit int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	return c.GetRawData()
}

// statusOf the HTTP status a webhook sender sees for err
func statusOf(err error) int {
	code := apperrors.HTTPCode(err)
	if code < http.StatusBadRequest {
		return http.StatusInternalServerError
	}
	return code
}
