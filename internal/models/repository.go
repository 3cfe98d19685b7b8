package models

import (
	"time"

	"gorm.io/datatypes"
)

// Repository lifecycle
const (
	RepoStatusQueued  = "Queued"
	RepoStatusPending = "Pending"
	RepoStatusSuccess = "Success"
	RepoStatusFailed  = "Failed"
)

// Repository a tracked GitHub repository owned by one user
type Repository struct {
	BaseModel
	UserID   uint   `gorm:"not null;uniqueIndex:idx_repo_user_full_name" json:"user_id"`
	Owner    string `gorm:"size:100;not null" json:"owner"`
	Name     string `gorm:"size:100;not null" json:"name"`
	FullName string `gorm:"size:201;not null;uniqueIndex:idx_repo_user_full_name" json:"full_name"`
	URL      string `gorm:"size:500;not null" json:"url"`
	Token    string `gorm:"type:text;not null" json:"-"` // vault ciphertext

	// pipeline state, only ever changed by conditional updates
	Status        string  `gorm:"size:20;not null;default:'Queued';index" json:"status"`
	StatusMessage string  `gorm:"size:1000" json:"status_message,omitempty"`
	CorrelationID *string `gorm:"size:64;index" json:"correlation_id,omitempty"`

	// metadata merged from the retrieval result
	GitHubRepoID  int64      `gorm:"column:github_repo_id;index" json:"github_repo_id"`
	HTMLURL       string     `gorm:"size:500" json:"html_url"`
	Description   string     `gorm:"type:text" json:"description"`
	DefaultBranch string     `gorm:"size:100" json:"default_branch"`
	Language      string     `gorm:"size:50" json:"language"`
	Stars         int        `json:"stars"`
	Forks         int        `json:"forks"`
	Watchers      int        `json:"watchers"`
	OpenIssues    int        `json:"open_issues"`
	Private       bool       `json:"private"`
	PushedAt      *time.Time `json:"pushed_at,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
}

// TableName table name
func (Repository) TableName() string {
	return "repositories"
}

// IsInFlight reports whether a retrieve job may still act on the repository
func (r *Repository) IsInFlight() bool {
	return r.Status == RepoStatusQueued || r.Status == RepoStatusPending
}

// HasCorrelation reports whether id is the live correlation id
func (r *Repository) HasCorrelation(id string) bool {
	return r.CorrelationID != nil && id != "" && *r.CorrelationID == id
}

// RepoDetails snapshot of the external repository metadata, one per repository
type RepoDetails struct {
	BaseModel
	RepositoryID   uint                        `gorm:"not null;uniqueIndex" json:"repository_id"`
	UserID         uint                        `gorm:"not null;index" json:"user_id"`
	GitHubRepoID   int64                       `gorm:"column:github_repo_id;index" json:"github_repo_id"`
	FullName       string                      `gorm:"size:201" json:"full_name"`
	Description    string                      `gorm:"type:text" json:"description"`
	Homepage       string                      `gorm:"size:500" json:"homepage"`
	HTMLURL        string                      `gorm:"size:500" json:"html_url"`
	Language       string                      `gorm:"size:50" json:"language"`
	DefaultBranch  string                      `gorm:"size:100" json:"default_branch"`
	Visibility     string                      `gorm:"size:20" json:"visibility"`
	OwnerID        int64                       `json:"owner_id"`
	OwnerLogin     string                      `gorm:"size:100" json:"owner_login"`
	OwnerAvatarURL string                      `gorm:"size:500" json:"owner_avatar_url"`
	Stars          int                         `json:"stars"`
	Forks          int                         `json:"forks"`
	Watchers       int                         `json:"watchers"`
	OpenIssues     int                         `json:"open_issues"`
	Size           int                         `json:"size"`
	Private        bool                        `json:"private"`
	Archived       bool                        `json:"archived"`
	Topics         datatypes.JSONSlice[string] `json:"topics"`
	Permissions    datatypes.JSONMap           `json:"permissions"`
	RepoCreatedAt  *time.Time                  `json:"repo_created_at,omitempty"`
	RepoUpdatedAt  *time.Time                  `json:"repo_updated_at,omitempty"`
	PushedAt       *time.Time                  `json:"pushed_at,omitempty"`
}

// TableName table name
func (RepoDetails) TableName() string {
	return "repo_details"
}
