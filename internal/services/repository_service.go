package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"ciflow/internal/github"
	"ciflow/internal/models"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/logger"
	"ciflow/pkg/queue"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var githubPathPattern = regexp.MustCompile(`^/([A-Za-z0-9](?:[A-Za-z0-9-]{0,38}))/([A-Za-z0-9._-]+?)(?:\.git)?/?$`)

// RegisterRepositoryRequest body of a repository registration
type RegisterRepositoryRequest struct {
	URL   string `json:"url" binding:"required,url"`
	Token string `json:"token" binding:"required"`
}

// UpdateRepositoryRequest body of a repository update; empty fields keep their value
type UpdateRepositoryRequest struct {
	URL   string `json:"url" binding:"omitempty,url"`
	Token string `json:"token"`
}

// CommitWorkflowRequest a workflow file to write to a repository
type CommitWorkflowRequest struct {
	RepositoryID uint   `json:"repo_id" binding:"required"`
	Path         string `json:"path" binding:"required"`
	Content      string `json:"content" binding:"required"`
	Message      string `json:"message"`
	Branch       string `json:"branch"`
}

// DeleteRepositoryResult what the cascade removed per table
type DeleteRepositoryResult struct {
	RepositoryID uint              `json:"repository_id"`
	Deleted      map[string]int64  `json:"deleted"`
	Errors       map[string]string `json:"errors,omitempty"`
}

// RepositoryService registration surface of the pipeline
type RepositoryService struct {
	db     *gorm.DB
	queue  JobQueue
	vault  Vault
	github GitHubAPI
	state  *RepositoryState
	log    *logrus.Entry
}

// NewRepositoryService creates the service. github may be nil to skip the existence check.
func NewRepositoryService(db *gorm.DB, q JobQueue, vault Vault, gh GitHubAPI, state *RepositoryState) *RepositoryService {
	return &RepositoryService{
		db:     db,
		queue:  q,
		vault:  vault,
		github: gh,
		state:  state,
		log:    logger.WithComponent("repository_service"),
	}
}

// ParseGitHubURL extracts owner and name from a github.com repository URL
func ParseGitHubURL(raw string) (string, string, error) {
	const op = "services.ParseGitHubURL"

	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", apperrors.Validation(op, "invalid url %q", raw)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", "", apperrors.Validation(op, "url must be http(s): %q", raw)
	}
	if !strings.EqualFold(parsed.Host, "github.com") && !strings.EqualFold(parsed.Host, "www.github.com") {
		return "", "", apperrors.Validation(op, "not a github.com repository url: %q", raw)
	}

	match := githubPathPattern.FindStringSubmatch(parsed.Path)
	if match == nil {
		return "", "", apperrors.Validation(op, "url must look like https://github.com/<owner>/<repo>: %q", raw)
	}
	return match[1], match[2], nil
}

// Register creates a Queued repository and enqueues its retrieve job.
// The outcome is only observable later through the repository status.
func (s *RepositoryService) Register(ctx context.Context, userID uint, req *RegisterRepositoryRequest) (*models.Repository, error) {
	const op = "services.Register"

	if strings.TrimSpace(req.Token) == "" {
		return nil, apperrors.Validation(op, "token is required")
	}
	owner, name, err := ParseGitHubURL(req.URL)
	if err != nil {
		return nil, err
	}
	fullName := owner + "/" + name

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Repository{}).
		Where("user_id = ? AND full_name = ?", userID, fullName).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, apperrors.New(apperrors.ErrConflict, op, fmt.Sprintf("repository %s is already registered", fullName))
	}

	if err := s.checkExists(ctx, req.Token, owner, name); err != nil {
		return nil, err
	}

	encrypted, err := s.vault.Encrypt(req.Token)
	if err != nil {
		return nil, err
	}

	correlationID := NewCorrelationID()
	repo := &models.Repository{
		UserID:        userID,
		Owner:         owner,
		Name:          name,
		FullName:      fullName,
		URL:           canonicalURL(owner, name),
		Token:         encrypted,
		Status:        models.RepoStatusQueued,
		CorrelationID: &correlationID,
	}
	if err := s.db.WithContext(ctx).Create(repo).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperrors.New(apperrors.ErrConflict, op, fmt.Sprintf("repository %s is already registered", fullName))
		}
		return nil, err
	}
	s.state.Announce(ctx, repo, models.RepoStatusQueued, "")

	s.log.WithFields(logrus.Fields{
		"repository_id": repo.ID,
		"user_id":       userID,
		"full_name":     fullName,
	}).Info("Repository registered")

	s.enqueueRetrieve(ctx, repo, correlationID)
	return repo, nil
}

// Update replaces url and/or token and re-enters the pipeline as Queued
func (s *RepositoryService) Update(ctx context.Context, userID, repoID uint, req *UpdateRepositoryRequest) (*models.Repository, error) {
	const op = "services.Update"

	repo, err := s.Get(ctx, userID, repoID)
	if err != nil {
		return nil, err
	}

	extra := map[string]interface{}{}
	token := req.Token
	if req.URL != "" {
		owner, name, err := ParseGitHubURL(req.URL)
		if err != nil {
			return nil, err
		}
		fullName := owner + "/" + name
		if fullName != repo.FullName {
			var count int64
			if err := s.db.WithContext(ctx).Model(&models.Repository{}).
				Where("user_id = ? AND full_name = ? AND id <> ?", userID, fullName, repo.ID).
				Count(&count).Error; err != nil {
				return nil, err
			}
			if count > 0 {
				return nil, apperrors.New(apperrors.ErrConflict, op, fmt.Sprintf("repository %s is already registered", fullName))
			}
		}
		extra["owner"] = owner
		extra["name"] = name
		extra["full_name"] = fullName
		extra["url"] = canonicalURL(owner, name)
	}

	if token == "" && s.vault.NeedsRotation(repo.Token) {
		plain, err := s.vault.Decrypt(repo.Token)
		if err != nil {
			return nil, err
		}
		token = plain
	}
	if token != "" {
		owner, name := repo.Owner, repo.Name
		if v, ok := extra["owner"].(string); ok {
			owner, name = v, extra["name"].(string)
		}
		if err := s.checkExists(ctx, token, owner, name); err != nil {
			return nil, err
		}
		encrypted, err := s.vault.Encrypt(token)
		if err != nil {
			return nil, err
		}
		extra["token"] = encrypted
	}

	correlationID, err := s.state.Reset(ctx, repo, models.RepoStatusQueued, extra)
	if err != nil {
		return nil, err
	}
	if correlationID == "" {
		return nil, apperrors.NotFound(op, "repository %d", repoID)
	}

	// reload so the caller sees the merged row
	if err := s.db.WithContext(ctx).First(repo, repo.ID).Error; err != nil {
		return nil, err
	}
	s.enqueueRetrieve(ctx, repo, correlationID)
	return repo, nil
}

// Trigger re-enters the pipeline for an existing repository, used by webhooks and manual re-sync
func (s *RepositoryService) Trigger(ctx context.Context, repositoryID uint, status string) (*models.Repository, error) {
	const op = "services.Trigger"

	var repo models.Repository
	if err := s.db.WithContext(ctx).First(&repo, repositoryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound(op, "repository %d", repositoryID)
		}
		return nil, err
	}

	correlationID, err := s.state.Reset(ctx, &repo, status, nil)
	if err != nil {
		return nil, err
	}
	if correlationID == "" {
		return nil, apperrors.NotFound(op, "repository %d", repositoryID)
	}

	s.enqueueRetrieve(ctx, &repo, correlationID)
	return &repo, nil
}

// enqueueRetrieve hands the repository to the retrieve workers; a failed enqueue marks it Failed
func (s *RepositoryService) enqueueRetrieve(ctx context.Context, repo *models.Repository, correlationID string) {
	job := queue.RetrieveJob{
		RepositoryID:    repo.ID,
		URL:             repo.URL,
		Credential:      repo.Token,
		Owner:           repo.Owner,
		Name:            repo.Name,
		CorrelationHint: correlationID,
	}

	jobID, err := s.queue.Enqueue(ctx, queue.QueueRetrieve, job)
	fields := logrus.Fields{
		"repository_id":  repo.ID,
		"correlation_id": correlationID,
	}
	if err != nil {
		s.log.WithFields(fields).Errorf("Failed to enqueue retrieve job: %v", err)
		if _, markErr := s.state.MarkFailed(ctx, repo, correlationID, "enqueue retrieve job: "+err.Error()); markErr != nil {
			s.log.WithFields(fields).Errorf("Failed to mark repository failed: %v", markErr)
		}
		return
	}
	s.log.WithFields(fields).WithField("job_id", jobID).Info("Retrieve job enqueued")
}

func (s *RepositoryService) checkExists(ctx context.Context, token, owner, name string) error {
	if s.github == nil {
		return nil
	}
	exists, err := s.github.RepoExists(ctx, token, owner, name)
	if err != nil {
		return err
	}
	if !exists {
		return apperrors.NotFound("services.checkExists", "repository %s/%s not found or not accessible with this token", owner, name)
	}
	return nil
}

// Delete removes the repository, then its dependents table by table.
// A failure on one dependent table never stops the others.
func (s *RepositoryService) Delete(ctx context.Context, userID, repoID uint, isAdmin bool) (*DeleteRepositoryResult, error) {
	const op = "services.Delete"

	query := s.db.WithContext(ctx).Where("id = ?", repoID)
	if !isAdmin {
		query = query.Where("user_id = ?", userID)
	}
	var repo models.Repository
	if err := query.First(&repo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound(op, "repository %d", repoID)
		}
		return nil, err
	}

	res := s.db.WithContext(ctx).Delete(&models.Repository{}, repo.ID)
	if res.Error != nil {
		return nil, res.Error
	}

	result := &DeleteRepositoryResult{
		RepositoryID: repo.ID,
		Deleted:      map[string]int64{"repositories": res.RowsAffected},
		Errors:       map[string]string{},
	}
	log := s.log.WithField("repository_id", repo.ID)

	record := func(table string, tx *gorm.DB) {
		if tx.Error != nil {
			log.WithField("table", table).Warnf("Cascade delete failed: %v", tx.Error)
			result.Errors[table] = tx.Error.Error()
			return
		}
		result.Deleted[table] = tx.RowsAffected
	}

	var githubRunIDs []int64
	if err := s.db.WithContext(ctx).Model(&models.WorkflowRun{}).
		Where("repository_id = ?", repo.ID).
		Pluck("github_run_id", &githubRunIDs).Error; err != nil {
		log.Warnf("Failed to collect run ids: %v", err)
		result.Errors["workflow_run_ids"] = err.Error()
	}

	record("repo_details", s.db.WithContext(ctx).Where("repository_id = ?", repo.ID).Delete(&models.RepoDetails{}))
	record("workflows", s.db.WithContext(ctx).Where("repository_id = ?", repo.ID).Delete(&models.Workflow{}))
	record("workflow_runs", s.db.WithContext(ctx).Where("repository_id = ?", repo.ID).Delete(&models.WorkflowRun{}))
	record("commits", s.db.WithContext(ctx).Where("repository_id = ?", repo.ID).Delete(&models.Commit{}))
	if len(githubRunIDs) > 0 {
		record("predictions", s.db.WithContext(ctx).Where("github_run_id IN ?", githubRunIDs).Delete(&models.Prediction{}))
		record("reports", s.db.WithContext(ctx).Where("github_run_id IN ?", githubRunIDs).Delete(&models.Report{}))
	}
	record("webhooks", s.db.WithContext(ctx).Where("repository_id = ?", repo.ID).Delete(&models.Webhook{}))

	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	log.WithField("deleted", result.Deleted).Info("Repository deleted")
	return result, nil
}

// List repositories of a user
func (s *RepositoryService) List(ctx context.Context, userID uint) ([]models.Repository, error) {
	var repos []models.Repository
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&repos).Error
	return repos, err
}

// ListAll every repository, admin only
func (s *RepositoryService) ListAll(ctx context.Context) ([]models.Repository, error) {
	var repos []models.Repository
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&repos).Error
	return repos, err
}

// Get a repository of a user
func (s *RepositoryService) Get(ctx context.Context, userID, repoID uint) (*models.Repository, error) {
	var repo models.Repository
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", repoID, userID).First(&repo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("services.GetRepository", "repository %d", repoID)
		}
		return nil, err
	}
	return &repo, nil
}

// GetDetails the metadata snapshot of a repository
func (s *RepositoryService) GetDetails(ctx context.Context, userID, repoID uint) (*models.RepoDetails, error) {
	if _, err := s.Get(ctx, userID, repoID); err != nil {
		return nil, err
	}

	var details models.RepoDetails
	if err := s.db.WithContext(ctx).Where("repository_id = ?", repoID).First(&details).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("services.GetDetails", "no details yet for repository %d", repoID)
		}
		return nil, err
	}
	return &details, nil
}

// WorkflowFile the definition of a workflow as committed on the default branch
func (s *RepositoryService) WorkflowFile(ctx context.Context, userID, workflowID uint) (string, error) {
	const op = "services.WorkflowFile"

	var workflow models.Workflow
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", workflowID, userID).First(&workflow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", apperrors.NotFound(op, "workflow %d", workflowID)
		}
		return "", err
	}
	if workflow.Path == "" {
		return "", apperrors.Validation(op, "workflow %d has no path", workflowID)
	}

	repo, err := s.Get(ctx, userID, workflow.RepositoryID)
	if err != nil {
		return "", err
	}
	if s.github == nil {
		return "", apperrors.New(apperrors.ErrUpstreamUnavailable, op, "github client not configured")
	}
	token, err := s.vault.Decrypt(repo.Token)
	if err != nil {
		return "", err
	}
	return s.github.GetFileContent(ctx, token, repo.Owner, repo.Name, workflow.Path, repo.DefaultBranch)
}

// CommitWorkflow writes a workflow definition to the repository through the GitHub contents API
func (s *RepositoryService) CommitWorkflow(ctx context.Context, userID uint, req *CommitWorkflowRequest) (*github.FileCommit, error) {
	const op = "services.CommitWorkflow"

	path := strings.TrimPrefix(strings.TrimSpace(req.Path), "/")
	if !isWorkflowPath(path) {
		return nil, apperrors.Validation(op, "path must be a .yml or .yaml file under %s", workflowDir)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperrors.Validation(op, "content is required")
	}

	repo, err := s.Get(ctx, userID, req.RepositoryID)
	if err != nil {
		return nil, err
	}
	if s.github == nil {
		return nil, apperrors.New(apperrors.ErrUpstreamUnavailable, op, "github client not configured")
	}
	token, err := s.vault.Decrypt(repo.Token)
	if err != nil {
		return nil, err
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = "Update " + path
	}
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = repo.DefaultBranch
	}

	commit, err := s.github.CommitFile(ctx, token, repo.Owner, repo.Name, path, branch, message, req.Content)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"repository_id": repo.ID,
		"path":          path,
		"branch":        branch,
		"commit_sha":    commit.CommitSHA,
	}).Info("Workflow committed")
	return commit, nil
}

const workflowDir = ".github/workflows/"

func isWorkflowPath(path string) bool {
	if !strings.HasPrefix(path, workflowDir) || strings.Contains(path, "..") {
		return false
	}
	name := strings.TrimPrefix(path, workflowDir)
	if name == "" || strings.Contains(name, "/") {
		return false
	}
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

func canonicalURL(owner, name string) string {
	return fmt.Sprintf("https://github.com/%s/%s", owner, name)
}
