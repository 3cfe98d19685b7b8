package retrieval

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ciflow/internal/models"
	apperrors "ciflow/pkg/errors"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

var validate = validator.New()

// ResultMessage completion notification published on the results channel
type ResultMessage struct {
	RequestID string          `json:"request_id" validate:"required"`
	Status    string          `json:"status" validate:"required"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Succeeded reports a successful retrieval
func (m *ResultMessage) Succeeded() bool {
	return m.Status == ResultSuccess
}

// ParseResultMessage decodes and validates a raw channel payload
func ParseResultMessage(payload []byte) (*ResultMessage, error) {
	var msg ResultMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "retrieval.ParseResultMessage", err)
	}
	if err := validate.Struct(&msg); err != nil {
		return nil, validationError("retrieval.ParseResultMessage", err)
	}
	return &msg, nil
}

// OwnerDTO repository owner
type OwnerDTO struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

// RepoDetailsDTO repository metadata as returned by the service
type RepoDetailsDTO struct {
	ID              int64           `json:"id" validate:"required,gt=0"`
	Name            string          `json:"name"`
	FullName        string          `json:"full_name"`
	Owner           OwnerDTO        `json:"owner"`
	HTMLURL         string          `json:"html_url"`
	Description     string          `json:"description"`
	Homepage        string          `json:"homepage"`
	Language        string          `json:"language"`
	DefaultBranch   string          `json:"default_branch"`
	Visibility      string          `json:"visibility"`
	Private         bool            `json:"private"`
	Archived        bool            `json:"archived"`
	StargazersCount int             `json:"stargazers_count" validate:"gte=0"`
	ForksCount      int             `json:"forks_count" validate:"gte=0"`
	WatchersCount   int             `json:"watchers_count" validate:"gte=0"`
	OpenIssuesCount int             `json:"open_issues_count" validate:"gte=0"`
	Size            int             `json:"size"`
	Topics          []string        `json:"topics"`
	Permissions     map[string]bool `json:"permissions"`
	CreatedAt       *time.Time      `json:"created_at"`
	UpdatedAt       *time.Time      `json:"updated_at"`
	PushedAt        *time.Time      `json:"pushed_at"`
}

// Validate checks required fields
func (d *RepoDetailsDTO) Validate() error {
	if err := validate.Struct(d); err != nil {
		return validationError("retrieval.RepoDetails", err)
	}
	return nil
}

// MetadataColumns the repository columns written from a retrieval result
func (d *RepoDetailsDTO) MetadataColumns() map[string]interface{} {
	return map[string]interface{}{
		"github_repo_id": d.ID,
		"html_url":       d.HTMLURL,
		"description":    d.Description,
		"default_branch": d.DefaultBranch,
		"language":       d.Language,
		"stars":          d.StargazersCount,
		"forks":          d.ForksCount,
		"watchers":       d.WatchersCount,
		"open_issues":    d.OpenIssuesCount,
		"private":        d.Private,
		"pushed_at":      d.PushedAt,
	}
}

// ToModel converts into the details snapshot of repositoryID
func (d *RepoDetailsDTO) ToModel(userID, repositoryID uint) *models.RepoDetails {
	permissions := datatypes.JSONMap{}
	for key, value := range d.Permissions {
		permissions[key] = value
	}

	return &models.RepoDetails{
		RepositoryID:   repositoryID,
		UserID:         userID,
		GitHubRepoID:   d.ID,
		FullName:       d.FullName,
		Description:    d.Description,
		Homepage:       d.Homepage,
		HTMLURL:        d.HTMLURL,
		Language:       d.Language,
		DefaultBranch:  d.DefaultBranch,
		Visibility:     d.Visibility,
		OwnerID:        d.Owner.ID,
		OwnerLogin:     d.Owner.Login,
		OwnerAvatarURL: d.Owner.AvatarURL,
		Stars:          d.StargazersCount,
		Forks:          d.ForksCount,
		Watchers:       d.WatchersCount,
		OpenIssues:     d.OpenIssuesCount,
		Size:           d.Size,
		Private:        d.Private,
		Archived:       d.Archived,
		Topics:         datatypes.JSONSlice[string](append([]string{}, d.Topics...)),
		Permissions:    permissions,
		RepoCreatedAt:  d.CreatedAt,
		RepoUpdatedAt:  d.UpdatedAt,
		PushedAt:       d.PushedAt,
	}
}

// WorkflowDTO workflow definition as returned by the service
type WorkflowDTO struct {
	GitHubID  int64      `json:"github_id" validate:"required,gt=0"`
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	State     string     `json:"state"`
	HTMLURL   string     `json:"html_url"`
	BadgeURL  string     `json:"badge_url"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// Validate checks required fields
func (d *WorkflowDTO) Validate() error {
	if err := validate.Struct(d); err != nil {
		return validationError("retrieval.Workflow", err)
	}
	return nil
}

// ToModel converts into a Workflow keyed by (user, repository, github id)
func (d *WorkflowDTO) ToModel(userID, repositoryID uint) *models.Workflow {
	return &models.Workflow{
		UserID:           userID,
		RepositoryID:     repositoryID,
		GitHubWorkflowID: d.GitHubID,
		Name:             d.Name,
		Path:             d.Path,
		State:            d.State,
		HTMLURL:          d.HTMLURL,
		BadgeURL:         d.BadgeURL,
		GitHubCreatedAt:  d.CreatedAt,
		GitHubUpdatedAt:  d.UpdatedAt,
	}
}

// ActorDTO account behind a run
type ActorDTO struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
}

func (a *ActorDTO) toModel() models.Actor {
	if a == nil {
		return models.Actor{}
	}
	return models.Actor{ID: a.ID, Login: a.Login, AvatarURL: a.AvatarURL, HTMLURL: a.HTMLURL}
}

// CommitAuthorDTO git identity
type CommitAuthorDTO struct {
	Name  string     `json:"name"`
	Email string     `json:"email"`
	Date  *time.Time `json:"date,omitempty"`
}

// CommitStatsDTO line counts
type CommitStatsDTO struct {
	Total     int `json:"total"`
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// CommitDTO head commit of a run. GitHub calls the sha "id" on head_commit.
type CommitDTO struct {
	ID        string           `json:"id"`
	SHA       string           `json:"sha"`
	Message   string           `json:"message"`
	Timestamp *time.Time       `json:"timestamp"`
	Author    *CommitAuthorDTO `json:"author"`
	Committer *CommitAuthorDTO `json:"committer"`
	HTMLURL   string           `json:"html_url"`
	Stats     *CommitStatsDTO  `json:"stats"`
}

// Hash the commit sha
func (d *CommitDTO) Hash() string {
	if d.SHA != "" {
		return d.SHA
	}
	return d.ID
}

// ToModel converts into a Commit attached to workflowRunID
func (d *CommitDTO) ToModel(userID, repositoryID, workflowRunID uint) *models.Commit {
	commit := &models.Commit{
		UserID:        userID,
		WorkflowRunID: workflowRunID,
		RepositoryID:  repositoryID,
		SHA:           d.Hash(),
		Message:       d.Message,
		AuthorDate:    d.Timestamp,
		HTMLURL:       d.HTMLURL,
	}
	if d.Author != nil {
		commit.AuthorName = d.Author.Name
		commit.AuthorEmail = d.Author.Email
		if d.Author.Date != nil {
			commit.AuthorDate = d.Author.Date
		}
	}
	if d.Committer != nil {
		commit.CommitterName = d.Committer.Name
		commit.CommitterEmail = d.Committer.Email
	}
	if d.Stats != nil {
		commit.Total = d.Stats.Total
		commit.Additions = d.Stats.Additions
		commit.Deletions = d.Stats.Deletions
	}
	return commit
}

// WorkflowRunDTO run as returned by the service
type WorkflowRunDTO struct {
	GitHubID        int64      `json:"github_id" validate:"required,gt=0"`
	WorkflowID      int64      `json:"workflow_id" validate:"required,gt=0"`
	Name            string     `json:"name"`
	DisplayTitle    string     `json:"display_title"`
	HeadBranch      string     `json:"head_branch"`
	HeadSHA         string     `json:"head_sha"`
	RunNumber       int        `json:"run_number" validate:"gte=0"`
	RunAttempt      int        `json:"run_attempt" validate:"gte=0"`
	Status          string     `json:"status"`
	Conclusion      *string    `json:"conclusion"`
	Event           string     `json:"event"`
	Path            string     `json:"path"`
	HTMLURL         string     `json:"html_url"`
	CreatedAt       *time.Time `json:"created_at"`
	RunStartedAt    *time.Time `json:"run_started_at"`
	UpdatedAt       *time.Time `json:"updated_at"`
	Actor           *ActorDTO  `json:"actor"`
	TriggeringActor *ActorDTO  `json:"triggering_actor"`
	HeadCommit      *CommitDTO `json:"head_commit"`
}

// Validate checks required fields
func (d *WorkflowRunDTO) Validate() error {
	if err := validate.Struct(d); err != nil {
		return validationError("retrieval.WorkflowRun", err)
	}
	if d.HeadCommit != nil && d.HeadCommit.Hash() == "" {
		return apperrors.Validation("retrieval.WorkflowRun", "head_commit without sha")
	}
	return nil
}

// NormalizedConclusion nil for an unfinished run
func (d *WorkflowRunDTO) NormalizedConclusion() *string {
	if d.Conclusion == nil || *d.Conclusion == "" {
		return nil
	}
	conclusion := *d.Conclusion
	return &conclusion
}

// ToModel converts into a WorkflowRun pointing at the internal workflow id
func (d *WorkflowRunDTO) ToModel(userID, repositoryID, workflowID uint) *models.WorkflowRun {
	return &models.WorkflowRun{
		UserID:           userID,
		GitHubRunID:      d.GitHubID,
		WorkflowID:       workflowID,
		GitHubWorkflowID: d.WorkflowID,
		RepositoryID:     repositoryID,
		Name:             d.Name,
		DisplayTitle:     d.DisplayTitle,
		HeadBranch:       d.HeadBranch,
		HeadSHA:          d.HeadSHA,
		Event:            d.Event,
		Path:             d.Path,
		Status:           d.Status,
		Conclusion:       d.NormalizedConclusion(),
		RunNumber:        d.RunNumber,
		RunAttempt:       d.RunAttempt,
		HTMLURL:          d.HTMLURL,
		RunStartedAt:     d.RunStartedAt,
		GitHubCreatedAt:  d.CreatedAt,
		GitHubUpdatedAt:  d.UpdatedAt,
		Actor:            d.Actor.toModel(),
		TriggeringActor:  d.TriggeringActor.toModel(),
	}
}

func validationError(op string, err error) error {
	var fieldErrs validator.ValidationErrors
	if apperrors.As(err, &fieldErrs) {
		parts := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return apperrors.New(apperrors.ErrValidation, op, strings.Join(parts, "; "))
	}
	return apperrors.Wrap(apperrors.ErrValidation, op, err)
}
