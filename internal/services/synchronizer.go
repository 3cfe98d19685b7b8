package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ciflow/internal/models"
	"ciflow/internal/retrieval"
	"ciflow/pkg/logger"
	"ciflow/pkg/metrics"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRepositoryGone the repository was deleted while a sync was writing to it
var ErrRepositoryGone = errors.New("repository no longer exists")

// SyncResult counts of one synchronization pass
type SyncResult struct {
	Workflows          int `json:"workflows"`
	Runs               int `json:"runs"`
	Commits            int `json:"commits"`
	PredictionsUpdated int `json:"predictions_updated"`
	Skipped            int `json:"skipped"`
	Errors             int `json:"errors"`
}

// Synchronizer mirrors workflows, runs and head commits of a repository into the store
type Synchronizer struct {
	db        *gorm.DB
	retriever retrieval.Retriever
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// NewSynchronizer creates the synchronizer. m may be nil.
func NewSynchronizer(db *gorm.DB, retriever retrieval.Retriever, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{
		db:        db,
		retriever: retriever,
		metrics:   m,
		log:       logger.WithComponent("synchronizer"),
	}
}

// Sync pulls workflows and runs of repo and upserts them by natural key.
// Only a failed listing fails the pass; a bad item is logged, counted and skipped.
func (s *Synchronizer) Sync(ctx context.Context, userID uint, repo *models.Repository) (*SyncResult, error) {
	log := s.log.WithFields(logrus.Fields{
		"repository_id": repo.ID,
		"full_name":     repo.FullName,
		"user_id":       userID,
	})
	result := &SyncResult{}

	workflows, err := s.retriever.FetchWorkflows(ctx, repo.Owner, repo.Name)
	if err != nil {
		return nil, fmt.Errorf("fetch workflows: %w", err)
	}

	if err := s.ensureRepository(ctx, repo.ID); err != nil {
		return nil, err
	}

	workflowIDs := make(map[int64]uint, len(workflows))
	for i := range workflows {
		dto := &workflows[i]
		id, err := s.upsertWorkflow(ctx, userID, repo.ID, dto)
		if err != nil {
			log.WithField("github_workflow_id", dto.GitHubID).Warnf("Skipping workflow: %v", err)
			result.Errors++
			continue
		}
		workflowIDs[dto.GitHubID] = id
		result.Workflows++
	}

	runs, err := s.retriever.FetchWorkflowRuns(ctx, repo.Owner, repo.Name)
	if err != nil {
		s.record(result)
		return nil, fmt.Errorf("fetch workflow runs: %w", err)
	}

	if err := s.ensureRepository(ctx, repo.ID); err != nil {
		s.purge(ctx, log, repo.ID)
		return nil, err
	}

	for i := range runs {
		dto := &runs[i]
		runLog := log.WithField("github_run_id", dto.GitHubID)

		if err := dto.Validate(); err != nil {
			runLog.Warnf("Skipping run: %v", err)
			result.Errors++
			continue
		}
		workflowID, ok := workflowIDs[dto.WorkflowID]
		if !ok {
			runLog.WithField("github_workflow_id", dto.WorkflowID).Warn("Run references an unknown workflow, skipping")
			result.Skipped++
			continue
		}

		runID, err := s.upsertRun(ctx, userID, repo.ID, workflowID, dto)
		if err != nil {
			runLog.Warnf("Failed to upsert run: %v", err)
			result.Errors++
			continue
		}
		result.Runs++

		if conclusion := dto.NormalizedConclusion(); conclusion != nil {
			updated, err := s.resolvePrediction(ctx, dto.GitHubID, *conclusion != "success")
			if err != nil {
				runLog.Warnf("Failed to update prediction: %v", err)
				result.Errors++
			} else {
				result.PredictionsUpdated += updated
			}
		}

		if dto.HeadCommit != nil {
			if err := s.upsertCommit(ctx, userID, repo.ID, runID, dto.HeadCommit); err != nil {
				runLog.Warnf("Failed to upsert head commit: %v", err)
				result.Errors++
			} else {
				result.Commits++
			}
		}
	}

	// a delete that ran during the batch leaves the rows above orphaned
	if err := s.ensureRepository(ctx, repo.ID); err != nil {
		s.purge(ctx, log, repo.ID)
		return nil, err
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&models.Repository{}).
		Where("id = ?", repo.ID).
		Update("last_synced_at", now).Error; err != nil {
		log.Warnf("Failed to record sync time: %v", err)
	} else {
		repo.LastSyncedAt = &now
	}

	s.record(result)
	log.WithFields(logrus.Fields{
		"workflows":           result.Workflows,
		"runs":                result.Runs,
		"commits":             result.Commits,
		"predictions_updated": result.PredictionsUpdated,
		"skipped":             result.Skipped,
		"errors":              result.Errors,
	}).Info("Repository synchronized")
	return result, nil
}

func (s *Synchronizer) ensureRepository(ctx context.Context, repositoryID uint) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Repository{}).Where("id = ?", repositoryID).Count(&count).Error; err != nil {
		return fmt.Errorf("check repository: %w", err)
	}
	if count == 0 {
		return ErrRepositoryGone
	}
	return nil
}

// purge removes what this pass wrote for a repository that no longer exists
func (s *Synchronizer) purge(ctx context.Context, log *logrus.Entry, repositoryID uint) {
	for _, model := range []interface{}{&models.Commit{}, &models.WorkflowRun{}, &models.Workflow{}} {
		if err := s.db.WithContext(ctx).Where("repository_id = ?", repositoryID).Delete(model).Error; err != nil {
			log.Warnf("Failed to purge rows of deleted repository: %v", err)
		}
	}
}

func (s *Synchronizer) upsertWorkflow(ctx context.Context, userID, repositoryID uint, dto *retrieval.WorkflowDTO) (uint, error) {
	if err := dto.Validate(); err != nil {
		return 0, err
	}

	workflow := dto.ToModel(userID, repositoryID)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "repository_id"}, {Name: "github_workflow_id"}},
		UpdateAll: true,
	}).Create(workflow).Error
	if err != nil {
		return 0, err
	}

	// the id reported back by an upsert is not reliable across drivers
	var stored models.Workflow
	if err := s.db.WithContext(ctx).Select("id").
		Where("user_id = ? AND repository_id = ? AND github_workflow_id = ?", userID, repositoryID, dto.GitHubID).
		First(&stored).Error; err != nil {
		return 0, err
	}
	return stored.ID, nil
}

func (s *Synchronizer) upsertRun(ctx context.Context, userID, repositoryID, workflowID uint, dto *retrieval.WorkflowRunDTO) (uint, error) {
	run := dto.ToModel(userID, repositoryID, workflowID)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "github_run_id"}},
		UpdateAll: true,
	}).Create(run).Error
	if err != nil {
		return 0, err
	}

	var stored models.WorkflowRun
	if err := s.db.WithContext(ctx).Select("id").
		Where("user_id = ? AND github_run_id = ?", userID, dto.GitHubID).
		First(&stored).Error; err != nil {
		return 0, err
	}
	return stored.ID, nil
}

func (s *Synchronizer) upsertCommit(ctx context.Context, userID, repositoryID, runID uint, dto *retrieval.CommitDTO) error {
	commit := dto.ToModel(userID, repositoryID, runID)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "workflow_run_id"}, {Name: "sha"}},
		UpdateAll: true,
	}).Create(commit).Error
}

// resolvePrediction records the actual outcome on the prediction of a run, if any
func (s *Synchronizer) resolvePrediction(ctx context.Context, githubRunID int64, failed bool) (int, error) {
	res := s.db.WithContext(ctx).Model(&models.Prediction{}).
		Where("github_run_id = ?", githubRunID).
		Update("actual_result", failed)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *Synchronizer) record(result *SyncResult) {
	s.metrics.AddSyncItems("workflow", "upserted", result.Workflows)
	s.metrics.AddSyncItems("run", "upserted", result.Runs)
	s.metrics.AddSyncItems("commit", "upserted", result.Commits)
	s.metrics.AddSyncItems("prediction", "updated", result.PredictionsUpdated)
	s.metrics.AddSyncItems("item", "skipped", result.Skipped)
	s.metrics.AddSyncItems("item", "error", result.Errors)
}
