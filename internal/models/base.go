package models

import (
	"time"
)

// BaseModel common columns
type BaseModel struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllModels every table owned by the service, in migration order
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Repository{},
		&RepoDetails{},
		&Workflow{},
		&WorkflowRun{},
		&Commit{},
		&Prediction{},
		&Report{},
		&Webhook{},
		&WebhookUser{},
	}
}
