package models

import (
	"gorm.io/datatypes"
)

// Webhook lifecycle
const (
	WebhookStatusPending    = "Pending"
	WebhookStatusConfigured = "Configured"
	WebhookStatusFailed     = "Failed"
)

// Webhook a GitHub hook installed on one repository
type Webhook struct {
	BaseModel
	RepositoryID    uint                        `gorm:"not null;uniqueIndex" json:"repository_id"`
	UserID          uint                        `gorm:"not null;index" json:"user_id"`
	GitHubRepoID    int64                       `gorm:"column:github_repo_id;not null;index" json:"github_repo_id"`
	GitHubWebhookID int64                       `gorm:"column:github_webhook_id" json:"github_webhook_id"`
	Secret          string                      `gorm:"type:text" json:"-"` // vault ciphertext
	URL             string                      `gorm:"size:500" json:"url"`
	Events          datatypes.JSONSlice[string] `json:"events"`
	Active          bool                        `gorm:"default:false" json:"active"`
	Status          string                      `gorm:"size:20;not null;default:'Pending'" json:"status"`
	StatusMessage   string                      `gorm:"size:1000" json:"status_message,omitempty"`
}

// TableName table name
func (Webhook) TableName() string {
	return "webhooks"
}

// WebhookUser maps an inbound webhook URL to the user it belongs to
type WebhookUser struct {
	BaseModel
	UserID     uint   `gorm:"not null;uniqueIndex" json:"user_id"`
	WebhookURL string `gorm:"size:500;not null;index" json:"webhook_url"`
}

// TableName table name
func (WebhookUser) TableName() string {
	return "webhook_users"
}
