package handlers

import (
	"ciflow/internal/middleware"
	"ciflow/internal/models"
	"ciflow/internal/services"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
)

// RepositoryHandler repository registration and lifecycle
type RepositoryHandler struct {
	repoService *services.RepositoryService
}

// NewRepositoryHandler creates the handler
func NewRepositoryHandler(repoService *services.RepositoryService) *RepositoryHandler {
	return &RepositoryHandler{repoService: repoService}
}

// Register starts tracking a repository. Retrieval happens in the background.
func (h *RepositoryHandler) Register(c *gin.Context) {
	var req services.RegisterRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	repo, err := h.repoService.Register(c.Request.Context(), middleware.UserID(c), &req)
	if err != nil {
		fail(c, err)
		return
	}

	response.Accepted(c, "repository queued for retrieval", repo)
}

// List repositories of the current user
func (h *RepositoryHandler) List(c *gin.Context) {
	repos, err := h.repoService.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, repos)
}

// ListAll repositories of every user
func (h *RepositoryHandler) ListAll(c *gin.Context) {
	repos, err := h.repoService.ListAll(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, repos)
}

// Get one repository
func (h *RepositoryHandler) Get(c *gin.Context) {
	repoID, ok := parseID(c, "id")
	if !ok {
		return
	}

	repo, err := h.repoService.Get(c.Request.Context(), middleware.UserID(c), repoID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, repo)
}

// Details metadata snapshot of a repository
func (h *RepositoryHandler) Details(c *gin.Context) {
	repoID, ok := parseID(c, "id")
	if !ok {
		return
	}

	details, err := h.repoService.GetDetails(c.Request.Context(), middleware.UserID(c), repoID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, details)
}

// Update changes URL and/or token and retrieves again
func (h *RepositoryHandler) Update(c *gin.Context) {
	repoID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req services.UpdateRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	repo, err := h.repoService.Update(c.Request.Context(), middleware.UserID(c), repoID, &req)
	if err != nil {
		fail(c, err)
		return
	}

	response.Accepted(c, "repository queued for retrieval", repo)
}

// Refresh retrieves a repository again with its current settings
func (h *RepositoryHandler) Refresh(c *gin.Context) {
	repoID, ok := parseID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := h.repoService.Get(ctx, middleware.UserID(c), repoID); err != nil {
		fail(c, err)
		return
	}

	repo, err := h.repoService.Trigger(ctx, repoID, models.RepoStatusQueued)
	if err != nil {
		fail(c, err)
		return
	}

	response.Accepted(c, "repository queued for retrieval", repo)
}

// Delete removes a repository with everything synchronized for it
func (h *RepositoryHandler) Delete(c *gin.Context) {
	repoID, ok := parseID(c, "id")
	if !ok {
		return
	}

	result, err := h.repoService.Delete(c.Request.Context(), middleware.UserID(c), repoID, middleware.IsAdmin(c))
	if err != nil {
		fail(c, err)
		return
	}

	if len(result.Errors) > 0 {
		response.SuccessWithMessage(c, "repository deleted, some related data could not be removed", result)
		return
	}
	response.SuccessWithMessage(c, "repository deleted", result)
}

// WorkflowFile the YAML definition of a workflow
func (h *RepositoryHandler) WorkflowFile(c *gin.Context) {
	workflowID, ok := parseID(c, "id")
	if !ok {
		return
	}

	content, err := h.repoService.WorkflowFile(c.Request.Context(), middleware.UserID(c), workflowID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"content": content})
}

// CommitWorkflow writes a workflow file to the repository
func (h *RepositoryHandler) CommitWorkflow(c *gin.Context) {
	var req services.CommitWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	commit, err := h.repoService.CommitWorkflow(c.Request.Context(), middleware.UserID(c), &req)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, commit)
}
