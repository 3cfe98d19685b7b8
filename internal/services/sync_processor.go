package services

import (
	"context"
	"errors"
	"fmt"

	"ciflow/internal/models"
	"ciflow/pkg/logger"
	"ciflow/pkg/queue"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SyncProcessor handles jobs of the sync queue
type SyncProcessor struct {
	db           *gorm.DB
	synchronizer *Synchronizer
	state        *RepositoryState
	log          *logrus.Entry
}

// NewSyncProcessor creates the processor
func NewSyncProcessor(db *gorm.DB, synchronizer *Synchronizer, state *RepositoryState) *SyncProcessor {
	return &SyncProcessor{
		db:           db,
		synchronizer: synchronizer,
		state:        state,
		log:          logger.WithComponent("sync_processor"),
	}
}

// HandleJob decodes a queue message and processes it
func (p *SyncProcessor) HandleJob(ctx context.Context, msg *queue.JobMessage) error {
	var job queue.SyncJob
	if err := msg.Decode(&job); err != nil {
		p.log.WithField("job_id", msg.JobID).Errorf("Dropping undecodable sync job: %v", err)
		return nil
	}
	return p.Process(ctx, &job)
}

// Process synchronizes the repository of job while it is still Success under the job's correlation id.
// Any error, panics included, leaves the repository Failed under that correlation id.
func (p *SyncProcessor) Process(ctx context.Context, job *queue.SyncJob) (err error) {
	log := p.log.WithFields(logrus.Fields{
		"repository_id":  job.RepositoryID,
		"correlation_id": job.CorrelationID,
	})

	repo := models.Repository{}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync job panic: %v", r)
			log.Error(err)
			markRepositoryFailed(ctx, p.state, log, job.RepositoryID, &repo, job.CorrelationID, err.Error())
		}
	}()

	if err := p.db.WithContext(ctx).Where("id = ?", job.RepositoryID).First(&repo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Info("Repository gone, skipping sync job")
			return nil
		}
		log.Errorf("Failed to load repository: %v", err)
		markRepositoryFailed(ctx, p.state, log, job.RepositoryID, &repo, job.CorrelationID, "load repository: "+err.Error())
		return err
	}

	if repo.Status != models.RepoStatusSuccess || !repo.HasCorrelation(job.CorrelationID) {
		log.WithField("status", repo.Status).Info("Stale sync job, skipping")
		return nil
	}

	if _, err := p.synchronizer.Sync(ctx, repo.UserID, &repo); err != nil {
		if errors.Is(err, ErrRepositoryGone) {
			log.Info("Repository removed during sync")
			return nil
		}
		log.Errorf("Sync failed: %v", err)
		markRepositoryFailed(ctx, p.state, log, job.RepositoryID, &repo, job.CorrelationID, "sync: "+err.Error())
		return err
	}
	return nil
}

// HandleDeadLetter fails the repository of a sync job that exhausted its delivery attempts
func (p *SyncProcessor) HandleDeadLetter(ctx context.Context, msg *queue.JobMessage) error {
	var job queue.SyncJob
	if err := msg.Decode(&job); err != nil {
		return err
	}
	log := p.log.WithFields(logrus.Fields{
		"repository_id":  job.RepositoryID,
		"correlation_id": job.CorrelationID,
		"job_id":         msg.JobID,
	})
	log.Warn("Sync job dead-lettered")

	repo := models.Repository{}
	if err := p.db.WithContext(ctx).Where("id = ?", job.RepositoryID).First(&repo).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warnf("Failed to load repository: %v", err)
	}
	markRepositoryFailed(ctx, p.state, log, job.RepositoryID, &repo, job.CorrelationID,
		fmt.Sprintf("sync job dead-lettered after %d attempts", msg.Attempts))
	return nil
}
