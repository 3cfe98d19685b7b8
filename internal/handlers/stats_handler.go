package handlers

import (
	"strconv"

	"ciflow/internal/middleware"
	"ciflow/internal/services"
	"ciflow/pkg/pagination"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
)

// StatsHandler workflows, runs, commits and the pipeline charts built from them
type StatsHandler struct {
	statsService *services.StatsService
}

// NewStatsHandler creates the handler
func NewStatsHandler(statsService *services.StatsService) *StatsHandler {
	return &StatsHandler{statsService: statsService}
}

// Branches of a repository that have runs
func (h *StatsHandler) Branches(c *gin.Context) {
	repoID, ok := parseID(c, "id")
	if !ok {
		return
	}

	branches, err := h.statsService.Branches(c.Request.Context(), middleware.UserID(c), repoID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, branches)
}

// Workflows of a repository
func (h *StatsHandler) Workflows(c *gin.Context) {
	repoID, ok := parseID(c, "id")
	if !ok {
		return
	}

	workflows, err := h.statsService.ListWorkflows(c.Request.Context(), middleware.UserID(c), repoID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, workflows)
}

// WorkflowsWithRuns workflows of a repository with their latest runs
func (h *StatsHandler) WorkflowsWithRuns(c *gin.Context) {
	var query struct {
		RepositoryID uint   `form:"repo_id" binding:"required"`
		Branch       string `form:"branch"`
		Limit        int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		response.BadRequest(c, "invalid query: "+err.Error())
		return
	}

	workflows, err := h.statsService.WorkflowsWithRuns(c.Request.Context(), middleware.UserID(c), query.RepositoryID, query.Branch, query.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, workflows)
}

// GetWorkflow one workflow
func (h *StatsHandler) GetWorkflow(c *gin.Context) {
	workflowID, ok := parseID(c, "id")
	if !ok {
		return
	}

	workflow, err := h.statsService.GetWorkflow(c.Request.Context(), middleware.UserID(c), workflowID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, workflow)
}

// PipelineData chart points
func (h *StatsHandler) PipelineData(c *gin.Context) {
	var filter services.PipelineFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "invalid query: "+err.Error())
		return
	}

	points, err := h.statsService.PipelineData(c.Request.Context(), middleware.UserID(c), filter)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, points)
}

// PipelineStats summary cards of a branch
func (h *StatsHandler) PipelineStats(c *gin.Context) {
	var filter services.PipelineFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "invalid query: "+err.Error())
		return
	}

	stats, err := h.statsService.PipelineStats(c.Request.Context(), middleware.UserID(c), filter)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, stats)
}

// ListRuns runs of a workflow on a branch
func (h *StatsHandler) ListRuns(c *gin.Context) {
	workflowID, err := strconv.ParseUint(c.Query("workflow_id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid workflow_id")
		return
	}

	page := pagination.ParsePageParams(c)
	runs, total, err := h.statsService.ListRuns(c.Request.Context(), middleware.UserID(c), uint(workflowID), c.Query("branch"), page)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithPage(c, runs, pagination.NewPageInfo(page.Page, page.PageSize, total))
}

// GetRun one run
func (h *StatsHandler) GetRun(c *gin.Context) {
	runID, ok := parseID(c, "id")
	if !ok {
		return
	}

	run, err := h.statsService.GetRun(c.Request.Context(), middleware.UserID(c), runID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, run)
}

// ListCommits commits of the current user, optionally of one repository
func (h *StatsHandler) ListCommits(c *gin.Context) {
	var repoID uint64
	if raw := c.Query("repo_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			response.BadRequest(c, "invalid repo_id")
			return
		}
		repoID = parsed
	}

	page := pagination.ParsePageParams(c)
	commits, total, err := h.statsService.ListCommits(c.Request.Context(), middleware.UserID(c), uint(repoID), page)
	if err != nil {
		fail(c, err)
		return
	}
	response.SuccessWithPage(c, commits, pagination.NewPageInfo(page.Page, page.PageSize, total))
}
