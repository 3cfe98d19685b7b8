package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"ciflow/internal/models"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/pagination"

	"gorm.io/gorm"
)

// Time buckets of PipelineData
const (
	TimeUnitDay   = "day"
	TimeUnitWeek  = "week"
	TimeUnitMonth = "month"
)

const defaultRecentDays = 10

// PipelineFilter selects the runs a chart or summary is computed over
type PipelineFilter struct {
	RepositoryID uint   `form:"repo_id"`
	Branch       string `form:"branch"`
	WorkflowID   uint   `form:"workflow_id"`
	TimeUnit     string `form:"time_unit" binding:"omitempty,oneof=day week month"`
	RecentDays   int    `form:"recent_days" binding:"omitempty,gte=1,lte=365"`
}

// PipelinePoint success and failure counts of one time bucket
type PipelinePoint struct {
	TimeText    string    `json:"time_text"`
	Success     int       `json:"success"`
	Failed      int       `json:"failed"`
	SuccessRate float64   `json:"success_rate"`
	FailedRate  float64   `json:"failed_rate"`
	Date        time.Time `json:"date"`
}

// PipelineStats summary of the runs of one branch
type PipelineStats struct {
	TotalPipelines     int     `json:"total_pipelines"`
	SuccessRate        float64 `json:"success_rate"`
	FailedBuilds       int     `json:"failed_builds"`
	AverageRunTime     float64 `json:"average_run_time"` // seconds
	SuccessRateChange  float64 `json:"success_rate_change"`
	FailedBuildsChange float64 `json:"failed_builds_change"`
	LastFailure        *int    `json:"last_failure"` // days since the latest failure
	RecentFailures     int     `json:"recent_failures"`
}

// StatsService read side over workflows, runs and commits
type StatsService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStatsService creates the service
func NewStatsService(db *gorm.DB) *StatsService {
	return &StatsService{db: db, now: time.Now}
}

// Branches distinct branches that have runs in a repository
func (s *StatsService) Branches(ctx context.Context, userID, repoID uint) ([]string, error) {
	if err := s.ownRepository(ctx, userID, repoID); err != nil {
		return nil, err
	}

	var branches []string
	err := s.db.WithContext(ctx).Model(&models.WorkflowRun{}).
		Where("user_id = ? AND repository_id = ?", userID, repoID).
		Distinct("head_branch").
		Order("head_branch").
		Pluck("head_branch", &branches).Error
	return branches, err
}

// PipelineData success and failure counts per time bucket, oldest first.
// For daily buckets only the most recent RecentDays days with runs are kept.
func (s *StatsService) PipelineData(ctx context.Context, userID uint, filter PipelineFilter) ([]PipelinePoint, error) {
	if filter.RepositoryID != 0 {
		if err := s.ownRepository(ctx, userID, filter.RepositoryID); err != nil {
			return nil, err
		}
	}
	if filter.TimeUnit == "" {
		filter.TimeUnit = TimeUnitDay
	}
	if filter.RecentDays <= 0 {
		filter.RecentDays = defaultRecentDays
	}

	var runs []models.WorkflowRun
	if err := s.runQuery(ctx, userID, filter).
		Order("github_created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, err
	}

	buckets := make(map[string]*PipelinePoint)
	days := make(map[string]struct{})
	for i := range runs {
		created := runCreatedAt(&runs[i])
		key := bucketKey(created, filter.TimeUnit)

		if filter.TimeUnit == TimeUnitDay {
			if _, seen := days[key]; !seen {
				if len(days) >= filter.RecentDays {
					continue
				}
				days[key] = struct{}{}
			}
		}

		point, ok := buckets[key]
		if !ok {
			point = &PipelinePoint{TimeText: key, Date: created}
			buckets[key] = point
		}
		if created.Before(point.Date) {
			point.Date = created
		}

		if runs[i].Conclusion == nil {
			continue
		}
		switch *runs[i].Conclusion {
		case "success":
			point.Success++
		case "failure":
			point.Failed++
		}
	}

	points := make([]PipelinePoint, 0, len(buckets))
	for _, point := range buckets {
		total := point.Success + point.Failed
		if total > 0 {
			point.SuccessRate = round2(float64(point.Success) / float64(total) * 100)
			point.FailedRate = round2(float64(point.Failed) / float64(total) * 100)
		}
		points = append(points, *point)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Date.Before(points[j].Date)
	})
	return points, nil
}

// PipelineStats summary of a branch compared with the runs started more than 30 days ago
func (s *StatsService) PipelineStats(ctx context.Context, userID uint, filter PipelineFilter) (*PipelineStats, error) {
	const op = "services.PipelineStats"

	if filter.RepositoryID == 0 || filter.Branch == "" {
		return nil, apperrors.Validation(op, "repo_id and branch are required")
	}
	if err := s.ownRepository(ctx, userID, filter.RepositoryID); err != nil {
		return nil, err
	}

	var runs []models.WorkflowRun
	if err := s.runQuery(ctx, userID, filter).Find(&runs).Error; err != nil {
		return nil, err
	}

	now := s.now()
	monthAgo := now.AddDate(0, 0, -30)
	weekAgo := now.AddDate(0, 0, -7)

	stats := &PipelineStats{TotalPipelines: len(runs)}
	var (
		success, prevTotal, prevSuccess, prevFailed int
		totalRunTime                                float64
		lastFailure                                 *time.Time
	)
	for i := range runs {
		run := &runs[i]
		outcome := ""
		if run.Conclusion != nil {
			outcome = *run.Conclusion
		}

		switch outcome {
		case "success":
			success++
		case "failure":
			stats.FailedBuilds++
			if run.GitHubUpdatedAt != nil {
				if lastFailure == nil || run.GitHubUpdatedAt.After(*lastFailure) {
					lastFailure = run.GitHubUpdatedAt
				}
				if !run.GitHubUpdatedAt.Before(weekAgo) {
					stats.RecentFailures++
				}
			}
		}
		totalRunTime += run.Duration().Seconds()

		if run.RunStartedAt != nil && run.RunStartedAt.Before(monthAgo) {
			prevTotal++
			switch outcome {
			case "success":
				prevSuccess++
			case "failure":
				prevFailed++
			}
		}
	}

	successRate := percent(success, stats.TotalPipelines)
	stats.SuccessRate = round2(successRate)
	if stats.TotalPipelines > 0 {
		stats.AverageRunTime = round2(totalRunTime / float64(stats.TotalPipelines))
	}
	stats.SuccessRateChange = round2(successRate - percent(prevSuccess, prevTotal))
	stats.FailedBuildsChange = round2(percent(stats.FailedBuilds-prevFailed, prevTotal))

	if lastFailure != nil {
		days := int(now.Sub(*lastFailure).Hours() / 24)
		stats.LastFailure = &days
	}
	return stats, nil
}

// ListRuns runs of a workflow on a branch, newest first
func (s *StatsService) ListRuns(ctx context.Context, userID, workflowID uint, branch string, page *pagination.PageParams) ([]models.WorkflowRun, int64, error) {
	if workflowID == 0 || branch == "" {
		return nil, 0, apperrors.Validation("services.ListRuns", "workflow_id and branch are required")
	}

	query := s.db.WithContext(ctx).Model(&models.WorkflowRun{}).
		Where("user_id = ? AND workflow_id = ? AND head_branch = ?", userID, workflowID, branch)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []models.WorkflowRun
	err := query.Order("github_created_at DESC").
		Offset(page.GetOffset()).
		Limit(page.GetLimit()).
		Find(&runs).Error
	return runs, total, err
}

// GetRun one run of a user
func (s *StatsService) GetRun(ctx context.Context, userID, runID uint) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", runID, userID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("services.GetRun", "workflow run %d", runID)
		}
		return nil, err
	}
	return &run, nil
}

// ListWorkflows workflows of a repository
func (s *StatsService) ListWorkflows(ctx context.Context, userID, repoID uint) ([]models.Workflow, error) {
	if err := s.ownRepository(ctx, userID, repoID); err != nil {
		return nil, err
	}

	var workflows []models.Workflow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND repository_id = ?", userID, repoID).
		Order("name").
		Find(&workflows).Error
	return workflows, err
}

// WorkflowWithRuns a workflow with its most recent runs
type WorkflowWithRuns struct {
	models.Workflow
	RunCount int64                `json:"run_count"`
	Runs     []models.WorkflowRun `json:"runs"`
}

const (
	defaultRecentRuns = 5
	maxRecentRuns     = 50
)

// WorkflowsWithRuns workflows of a repository that have runs (on branch, when set),
// each with its latest runs, newest first
func (s *StatsService) WorkflowsWithRuns(ctx context.Context, userID, repoID uint, branch string, limit int) ([]WorkflowWithRuns, error) {
	if repoID == 0 {
		return nil, apperrors.Validation("services.WorkflowsWithRuns", "repo_id is required")
	}
	if err := s.ownRepository(ctx, userID, repoID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRecentRuns
	}
	if limit > maxRecentRuns {
		limit = maxRecentRuns
	}

	var workflows []models.Workflow
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND repository_id = ?", userID, repoID).
		Order("name").
		Find(&workflows).Error; err != nil {
		return nil, err
	}

	result := make([]WorkflowWithRuns, 0, len(workflows))
	for _, workflow := range workflows {
		query := func() *gorm.DB {
			q := s.db.WithContext(ctx).Model(&models.WorkflowRun{}).
				Where("user_id = ? AND workflow_id = ?", userID, workflow.ID)
			if branch != "" {
				q = q.Where("head_branch = ?", branch)
			}
			return q
		}

		var count int64
		if err := query().Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}

		var runs []models.WorkflowRun
		if err := query().Order("github_created_at DESC").Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
			return nil, err
		}
		result = append(result, WorkflowWithRuns{Workflow: workflow, RunCount: count, Runs: runs})
	}
	return result, nil
}

// GetWorkflow one workflow of a user
func (s *StatsService) GetWorkflow(ctx context.Context, userID, workflowID uint) (*models.Workflow, error) {
	var workflow models.Workflow
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", workflowID, userID).First(&workflow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("services.GetWorkflow", "workflow %d", workflowID)
		}
		return nil, err
	}
	return &workflow, nil
}

// ListCommits commits of a user, optionally of one repository, newest first
func (s *StatsService) ListCommits(ctx context.Context, userID, repoID uint, page *pagination.PageParams) ([]models.Commit, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Commit{}).Where("user_id = ?", userID)
	if repoID != 0 {
		query = query.Where("repository_id = ?", repoID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var commits []models.Commit
	err := query.Order("author_date DESC").Order("id DESC").
		Offset(page.GetOffset()).
		Limit(page.GetLimit()).
		Find(&commits).Error
	return commits, total, err
}

func (s *StatsService) runQuery(ctx context.Context, userID uint, filter PipelineFilter) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.WorkflowRun{}).Where("user_id = ?", userID)
	if filter.RepositoryID != 0 {
		query = query.Where("repository_id = ?", filter.RepositoryID)
	}
	if filter.Branch != "" {
		query = query.Where("head_branch = ?", filter.Branch)
	}
	if filter.WorkflowID != 0 {
		query = query.Where("workflow_id = ?", filter.WorkflowID)
	}
	return query
}

func (s *StatsService) ownRepository(ctx context.Context, userID, repoID uint) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Repository{}).
		Where("id = ? AND user_id = ?", repoID, userID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return apperrors.NotFound("services.ownRepository", "repository %d", repoID)
	}
	return nil
}

func runCreatedAt(run *models.WorkflowRun) time.Time {
	if run.GitHubCreatedAt != nil {
		return run.GitHubCreatedAt.UTC()
	}
	return run.CreatedAt.UTC()
}

func bucketKey(t time.Time, unit string) string {
	switch unit {
	case TimeUnitWeek:
		return fmt.Sprintf("Week %d %s %d", (t.Day()+6)/7, t.Format("Jan"), t.Year())
	case TimeUnitMonth:
		return fmt.Sprintf("%s %d", t.Format("Jan"), t.Year())
	default:
		return t.Format("2006-01-02")
	}
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
