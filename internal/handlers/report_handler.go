package handlers

import (
	"ciflow/internal/services"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
)

// ReportHandler mismatch reports and their administration
type ReportHandler struct {
	reportService *services.ReportService
}

// NewReportHandler creates the handler
func NewReportHandler(reportService *services.ReportService) *ReportHandler {
	return &ReportHandler{reportService: reportService}
}

// Create reports that a prediction was wrong
func (h *ReportHandler) Create(c *gin.Context) {
	var req services.ReportMismatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	report, err := h.reportService.ReportMismatch(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "report submitted", report)
}

// List reports, optionally by status
func (h *ReportHandler) List(c *gin.Context) {
	reports, err := h.reportService.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, reports)
}

// Action approves or rejects a report
func (h *ReportHandler) Action(c *gin.Context) {
	reportID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req services.ReportActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	report, err := h.reportService.Action(c.Request.Context(), reportID, &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "report "+report.Status, report)
}

// Delete removes a report
func (h *ReportHandler) Delete(c *gin.Context) {
	reportID, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.reportService.Delete(c.Request.Context(), reportID); err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "report deleted", nil)
}
