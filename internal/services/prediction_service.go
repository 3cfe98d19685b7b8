package services

import (
	"context"
	"errors"
	"time"

	"ciflow/internal/models"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SavePredictionRequest body posted by the ML service
type SavePredictionRequest struct {
	GitHubRunID     int64     `json:"github_run_id" binding:"required,gt=0"`
	ModelName       string    `json:"model_name" binding:"required,max=100"`
	ModelVersion    string    `json:"model_version" binding:"required,max=50"`
	PredictedResult *bool     `json:"predicted_result" binding:"required"`
	Probability     *float64  `json:"probability" binding:"required,gte=0,lte=1"`
	Threshold       *float64  `json:"threshold" binding:"required,gte=0,lte=1"`
	Timestamp       time.Time `json:"timestamp" binding:"required"`
	ExecutionTime   *float64  `json:"execution_time" binding:"required,gte=0"`
	ProjectName     string    `json:"project_name" binding:"max=201"`
	Branch          string    `json:"branch" binding:"max=255"`
}

// PredictionFilter list filter
type PredictionFilter struct {
	GitHubRunID int64  `form:"github_run_id"`
	ModelName   string `form:"model_name"`
	ProjectName string `form:"project_name"`
}

// PredictionService stores ML predictions and keeps their actual outcome current
type PredictionService struct {
	db *gorm.DB
}

// NewPredictionService creates the service
func NewPredictionService(db *gorm.DB) *PredictionService {
	return &PredictionService{db: db}
}

// Save upserts the prediction of a run. When the run has already concluded the
// actual result is filled in right away.
func (s *PredictionService) Save(ctx context.Context, req *SavePredictionRequest) (*models.Prediction, error) {
	if req.PredictedResult == nil || req.Probability == nil || req.Threshold == nil || req.ExecutionTime == nil {
		return nil, apperrors.Validation("services.SavePrediction", "predicted_result, probability, threshold and execution_time are required")
	}

	prediction := &models.Prediction{
		GitHubRunID:     req.GitHubRunID,
		ModelName:       req.ModelName,
		ModelVersion:    req.ModelVersion,
		PredictedResult: *req.PredictedResult,
		Probability:     *req.Probability,
		Threshold:       *req.Threshold,
		Timestamp:       req.Timestamp,
		ExecutionTime:   *req.ExecutionTime,
		ProjectName:     req.ProjectName,
		Branch:          req.Branch,
	}

	var run models.WorkflowRun
	err := s.db.WithContext(ctx).
		Where("github_run_id = ? AND conclusion IS NOT NULL AND conclusion <> ''", req.GitHubRunID).
		First(&run).Error
	switch {
	case err == nil:
		failed := run.Failed()
		prediction.ActualResult = &failed
		if prediction.Branch == "" {
			prediction.Branch = run.HeadBranch
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "github_run_id"}},
		UpdateAll: true,
	}).Create(prediction).Error
	if err != nil {
		return nil, err
	}

	logger.GetLogger().WithField("github_run_id", req.GitHubRunID).Info("Prediction saved")
	return s.Get(ctx, req.GitHubRunID)
}

// Get the prediction of a run
func (s *PredictionService) Get(ctx context.Context, githubRunID int64) (*models.Prediction, error) {
	var prediction models.Prediction
	if err := s.db.WithContext(ctx).Where("github_run_id = ?", githubRunID).First(&prediction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("services.GetPrediction", "no prediction for run %d", githubRunID)
		}
		return nil, err
	}
	return &prediction, nil
}

// List predictions, newest first
func (s *PredictionService) List(ctx context.Context, filter PredictionFilter) ([]models.Prediction, error) {
	query := s.db.WithContext(ctx).Model(&models.Prediction{})
	if filter.GitHubRunID != 0 {
		query = query.Where("github_run_id = ?", filter.GitHubRunID)
	}
	if filter.ModelName != "" {
		query = query.Where("model_name = ?", filter.ModelName)
	}
	if filter.ProjectName != "" {
		query = query.Where("project_name = ?", filter.ProjectName)
	}

	var predictions []models.Prediction
	err := query.Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}).Find(&predictions).Error
	return predictions, err
}
