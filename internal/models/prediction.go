package models

import (
	"time"
)

// Prediction an ML inference about the outcome of one run
type Prediction struct {
	BaseModel
	GitHubRunID     int64     `gorm:"column:github_run_id;not null;uniqueIndex" json:"github_run_id"`
	ModelName       string    `gorm:"size:100" json:"model_name"`
	ModelVersion    string    `gorm:"size:50" json:"model_version"`
	PredictedResult bool      `json:"predicted_result"` // true means the run is expected to fail
	Probability     float64   `json:"probability"`
	Threshold       float64   `json:"threshold"`
	Timestamp       time.Time `json:"timestamp"`
	ExecutionTime   float64   `json:"execution_time"` // ms
	ProjectName     string    `gorm:"size:201;index" json:"project_name"`
	Branch          string    `gorm:"size:255" json:"branch"`
	ActualResult    *bool     `json:"actual_result"` // filled in from the run conclusion
}

// TableName table name
func (Prediction) TableName() string {
	return "predictions"
}

// Report status
const (
	ReportStatusPending  = "pending"
	ReportStatusApproved = "approved"
	ReportStatusRejected = "rejected"
)

// Report a user report that a prediction disagreed with the actual outcome
type Report struct {
	BaseModel
	GitHubRunID  int64     `gorm:"column:github_run_id;not null;index" json:"github_run_id"`
	PredictionID uint      `gorm:"not null;index" json:"prediction_id"`
	ProjectName  string    `gorm:"size:201" json:"project_name"`
	Branch       string    `gorm:"size:255" json:"branch"`
	ReportedBy   string    `gorm:"size:255;not null" json:"reported_by"`
	ReportedAt   time.Time `json:"reported_at"`
	Status       string    `gorm:"size:20;not null;default:'pending';index" json:"status"`
}

// TableName table name
func (Report) TableName() string {
	return "reports"
}
