package models

import (
	"time"
)

// Workflow a GitHub Actions workflow definition
type Workflow struct {
	BaseModel
	UserID           uint       `gorm:"not null;uniqueIndex:idx_workflow_natural_key" json:"user_id"`
	RepositoryID     uint       `gorm:"not null;uniqueIndex:idx_workflow_natural_key" json:"repository_id"`
	GitHubWorkflowID int64      `gorm:"column:github_workflow_id;not null;uniqueIndex:idx_workflow_natural_key" json:"github_workflow_id"`
	Name             string     `gorm:"size:255" json:"name"`
	Path             string     `gorm:"size:500" json:"path"`
	State            string     `gorm:"size:50" json:"state"`
	HTMLURL          string     `gorm:"size:500" json:"html_url"`
	BadgeURL         string     `gorm:"size:500" json:"badge_url"`
	GitHubCreatedAt  *time.Time `gorm:"column:github_created_at" json:"github_created_at,omitempty"`
	GitHubUpdatedAt  *time.Time `gorm:"column:github_updated_at" json:"github_updated_at,omitempty"`
}

// TableName table name
func (Workflow) TableName() string {
	return "workflows"
}

// Actor the GitHub account behind a run
type Actor struct {
	ID        int64  `json:"id"`
	Login     string `gorm:"size:100" json:"login"`
	AvatarURL string `gorm:"size:500" json:"avatar_url"`
	HTMLURL   string `gorm:"size:500" json:"html_url"`
}

// WorkflowRun one execution of a workflow
type WorkflowRun struct {
	BaseModel
	UserID           uint       `gorm:"not null;uniqueIndex:idx_run_natural_key" json:"user_id"`
	GitHubRunID      int64      `gorm:"column:github_run_id;not null;uniqueIndex:idx_run_natural_key;index" json:"github_run_id"`
	WorkflowID       uint       `gorm:"not null;index" json:"workflow_id"`
	GitHubWorkflowID int64      `gorm:"column:github_workflow_id" json:"github_workflow_id"`
	RepositoryID     uint       `gorm:"not null;index" json:"repository_id"`
	Name             string     `gorm:"size:255" json:"name"`
	DisplayTitle     string     `gorm:"size:500" json:"display_title"`
	HeadBranch       string     `gorm:"size:255;index" json:"head_branch"`
	HeadSHA          string     `gorm:"column:head_sha;size:40" json:"head_sha"`
	Event            string     `gorm:"size:50" json:"event"`
	Path             string     `gorm:"size:500" json:"path"`
	Status           string     `gorm:"size:30" json:"status"`
	Conclusion       *string    `gorm:"size:30" json:"conclusion"`
	RunNumber        int        `json:"run_number"`
	RunAttempt       int        `json:"run_attempt"`
	HTMLURL          string     `gorm:"size:500" json:"html_url"`
	RunStartedAt     *time.Time `json:"run_started_at,omitempty"`
	GitHubCreatedAt  *time.Time `gorm:"column:github_created_at;index" json:"github_created_at,omitempty"`
	GitHubUpdatedAt  *time.Time `gorm:"column:github_updated_at" json:"github_updated_at,omitempty"`
	Actor            Actor      `gorm:"embedded;embeddedPrefix:actor_" json:"actor"`
	TriggeringActor  Actor      `gorm:"embedded;embeddedPrefix:triggering_actor_" json:"triggering_actor"`
}

// TableName table name
func (WorkflowRun) TableName() string {
	return "workflow_runs"
}

// Concluded reports whether the run has a terminal conclusion
func (r *WorkflowRun) Concluded() bool {
	return r.Conclusion != nil && *r.Conclusion != ""
}

// Failed is the actual outcome recorded on predictions: anything but success
func (r *WorkflowRun) Failed() bool {
	return r.Concluded() && *r.Conclusion != "success"
}

// Duration wall time between start and last update, zero when unknown
func (r *WorkflowRun) Duration() time.Duration {
	if r.RunStartedAt == nil || r.GitHubUpdatedAt == nil {
		return 0
	}
	d := r.GitHubUpdatedAt.Sub(*r.RunStartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Commit the head commit of a run
type Commit struct {
	BaseModel
	UserID         uint       `gorm:"not null;uniqueIndex:idx_commit_natural_key" json:"user_id"`
	WorkflowRunID  uint       `gorm:"not null;uniqueIndex:idx_commit_natural_key" json:"workflow_run_id"`
	SHA            string     `gorm:"column:sha;size:40;not null;uniqueIndex:idx_commit_natural_key" json:"sha"`
	RepositoryID   uint       `gorm:"not null;index" json:"repository_id"`
	Message        string     `gorm:"type:text" json:"message"`
	AuthorName     string     `gorm:"size:255" json:"author_name"`
	AuthorEmail    string     `gorm:"size:255" json:"author_email"`
	AuthorDate     *time.Time `json:"author_date,omitempty"`
	CommitterName  string     `gorm:"size:255" json:"committer_name"`
	CommitterEmail string     `gorm:"size:255" json:"committer_email"`
	HTMLURL        string     `gorm:"size:500" json:"html_url"`
	Additions      int        `json:"additions"`
	Deletions      int        `json:"deletions"`
	Total          int        `json:"total"`
}

// TableName table name
func (Commit) TableName() string {
	return "commits"
}
