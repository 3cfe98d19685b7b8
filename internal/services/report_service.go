package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ciflow/internal/models"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/logger"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Report actions
const (
	ReportActionApprove = "approve"
	ReportActionReject  = "reject"
)

// ReportMismatchRequest body of a mismatch report
type ReportMismatchRequest struct {
	GitHubRunID int64  `json:"github_run_id" binding:"required,gt=0"`
	ReportedBy  string `json:"reported_by" binding:"required,email"`
}

// ReportActionRequest body of an admin decision
type ReportActionRequest struct {
	Action     string `json:"action" binding:"required,oneof=approve reject"`
	AdminEmail string `json:"admin_email" binding:"required,email"`
}

// MismatchNotice what a notifier is told about a new report
type MismatchNotice struct {
	Report          *models.Report
	PredictedResult bool
	ActualResult    bool
}

// Notifier tells administrators about new mismatch reports
type Notifier interface {
	NotifyMismatch(ctx context.Context, notice MismatchNotice) error
}

// LogNotifier writes notices to the log
type LogNotifier struct{}

// NotifyMismatch logs the notice
func (LogNotifier) NotifyMismatch(ctx context.Context, notice MismatchNotice) error {
	logger.GetLogger().WithFields(logrus.Fields{
		"report_id":        notice.Report.ID,
		"github_run_id":    notice.Report.GitHubRunID,
		"project_name":     notice.Report.ProjectName,
		"branch":           notice.Report.Branch,
		"predicted_result": notice.PredictedResult,
		"actual_result":    notice.ActualResult,
		"reported_by":      notice.Report.ReportedBy,
	}).Warn("Prediction mismatch reported")
	return nil
}

// ReportService handles user reports of wrong predictions
type ReportService struct {
	db       *gorm.DB
	notifier Notifier
}

// NewReportService creates the service. A nil notifier logs.
func NewReportService(db *gorm.DB, notifier Notifier) *ReportService {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &ReportService{db: db, notifier: notifier}
}

// ReportMismatch records a report. Only a concluded run whose outcome differs from the prediction can be reported.
func (s *ReportService) ReportMismatch(ctx context.Context, req *ReportMismatchRequest) (*models.Report, error) {
	const op = "services.ReportMismatch"

	var prediction models.Prediction
	if err := s.db.WithContext(ctx).Where("github_run_id = ?", req.GitHubRunID).First(&prediction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound(op, "no prediction for run %d", req.GitHubRunID)
		}
		return nil, err
	}

	var run models.WorkflowRun
	if err := s.db.WithContext(ctx).Where("github_run_id = ?", req.GitHubRunID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound(op, "no workflow run %d", req.GitHubRunID)
		}
		return nil, err
	}
	if !run.Concluded() {
		return nil, apperrors.Validation(op, "workflow run %d has not completed", req.GitHubRunID)
	}

	actual := run.Failed()
	if prediction.PredictedResult == actual {
		return nil, apperrors.Validation(op, "no mismatch to report for run %d", req.GitHubRunID)
	}

	report := &models.Report{
		GitHubRunID:  req.GitHubRunID,
		PredictionID: prediction.ID,
		ProjectName:  prediction.ProjectName,
		Branch:       prediction.Branch,
		ReportedBy:   req.ReportedBy,
		ReportedAt:   time.Now(),
		Status:       models.ReportStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(report).Error; err != nil {
		return nil, err
	}

	if err := s.notifier.NotifyMismatch(ctx, MismatchNotice{
		Report:          report,
		PredictedResult: prediction.PredictedResult,
		ActualResult:    actual,
	}); err != nil {
		logger.GetLogger().WithField("report_id", report.ID).Errorf("Failed to notify about mismatch: %v", err)
	}
	return report, nil
}

// List reports, newest first
func (s *ReportService) List(ctx context.Context, status string) ([]models.Report, error) {
	query := s.db.WithContext(ctx).Model(&models.Report{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var reports []models.Report
	err := query.Order("reported_at DESC").Find(&reports).Error
	return reports, err
}

// Action approves or rejects a pending report
func (s *ReportService) Action(ctx context.Context, reportID uint, req *ReportActionRequest) (*models.Report, error) {
	const op = "services.ReportAction"

	var status string
	switch req.Action {
	case ReportActionApprove:
		status = models.ReportStatusApproved
	case ReportActionReject:
		status = models.ReportStatusRejected
	default:
		return nil, apperrors.Validation(op, "action must be approve or reject")
	}

	res := s.db.WithContext(ctx).Model(&models.Report{}).
		Where("id = ? AND status = ?", reportID, models.ReportStatusPending).
		Update("status", status)
	if res.Error != nil {
		return nil, res.Error
	}

	var report models.Report
	if err := s.db.WithContext(ctx).First(&report, reportID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound(op, "report %d", reportID)
		}
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.New(apperrors.ErrConflict, op, fmt.Sprintf("report %d already %s", reportID, report.Status))
	}

	logger.GetLogger().WithFields(logrus.Fields{
		"report_id":   reportID,
		"status":      status,
		"admin_email": req.AdminEmail,
	}).Info("Report processed")
	return &report, nil
}

// Delete removes a report
func (s *ReportService) Delete(ctx context.Context, reportID uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Report{}, reportID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("services.DeleteReport", "report %d", reportID)
	}
	return nil
}
