package handlers

import (
	"strconv"

	"ciflow/internal/services"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
)

// PredictionHandler predictions posted by the ML service
type PredictionHandler struct {
	predictionService *services.PredictionService
}

// NewPredictionHandler creates the handler
func NewPredictionHandler(predictionService *services.PredictionService) *PredictionHandler {
	return &PredictionHandler{predictionService: predictionService}
}

// Save stores the prediction of a run
func (h *PredictionHandler) Save(c *gin.Context) {
	var req services.SavePredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	prediction, err := h.predictionService.Save(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithMessage(c, "prediction saved", prediction)
}

// List predictions
func (h *PredictionHandler) List(c *gin.Context) {
	var filter services.PredictionFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "invalid query: "+err.Error())
		return
	}

	predictions, err := h.predictionService.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, predictions)
}

// Get the prediction of a run
func (h *PredictionHandler) Get(c *gin.Context) {
	runID, err := strconv.ParseInt(c.Param("run_id"), 10, 64)
	if err != nil || runID <= 0 {
		response.BadRequest(c, "invalid run_id")
		return
	}

	prediction, err := h.predictionService.Get(c.Request.Context(), runID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, prediction)
}
