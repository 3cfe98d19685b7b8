package services

import (
	"context"
	"errors"
	"fmt"

	"ciflow/internal/models"
	"ciflow/internal/retrieval"
	"ciflow/pkg/logger"
	"ciflow/pkg/queue"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RetrieveProcessor handles jobs of the retrieve queue
type RetrieveProcessor struct {
	db        *gorm.DB
	vault     Vault
	retriever retrieval.Retriever
	state     *RepositoryState
	log       *logrus.Entry
}

// NewRetrieveProcessor creates the processor
func NewRetrieveProcessor(db *gorm.DB, vault Vault, retriever retrieval.Retriever, state *RepositoryState) *RetrieveProcessor {
	return &RetrieveProcessor{
		db:        db,
		vault:     vault,
		retriever: retriever,
		state:     state,
		log:       logger.WithComponent("retrieve_processor"),
	}
}

// HandleJob decodes a queue message and processes it
func (p *RetrieveProcessor) HandleJob(ctx context.Context, msg *queue.JobMessage) error {
	var job queue.RetrieveJob
	if err := msg.Decode(&job); err != nil {
		p.log.WithField("job_id", msg.JobID).Errorf("Dropping undecodable retrieve job: %v", err)
		return nil
	}
	return p.Process(ctx, &job)
}

// Process submits a retrieval for the repository of job, unless the job has been
// superseded by a newer correlation id. A superseded job makes no external call.
// Any other error, panics included, leaves the repository Failed under the job's correlation id.
func (p *RetrieveProcessor) Process(ctx context.Context, job *queue.RetrieveJob) (err error) {
	log := p.log.WithFields(logrus.Fields{
		"repository_id":  job.RepositoryID,
		"correlation_id": job.CorrelationHint,
	})

	repo := models.Repository{}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retrieve job panic: %v", r)
			log.Error(err)
			p.fail(ctx, log, job.RepositoryID, &repo, job.CorrelationHint, err.Error())
		}
	}()

	if err := p.db.WithContext(ctx).Where("id = ?", job.RepositoryID).First(&repo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Info("Repository gone, skipping retrieve job")
			return nil
		}
		log.Errorf("Failed to load repository: %v", err)
		p.fail(ctx, log, job.RepositoryID, &repo, job.CorrelationHint, "load repository: "+err.Error())
		return err
	}

	if !repo.IsInFlight() || !repo.HasCorrelation(job.CorrelationHint) {
		log.WithField("status", repo.Status).Info("Stale retrieve job, skipping")
		return nil
	}

	token, err := p.vault.Decrypt(job.Credential)
	if err != nil {
		log.Errorf("Failed to decrypt credential: %v", err)
		p.fail(ctx, log, job.RepositoryID, &repo, job.CorrelationHint, "decrypt credential: "+err.Error())
		return err
	}

	ok, err := p.state.MarkPending(ctx, &repo, job.CorrelationHint)
	if err != nil {
		log.Errorf("Failed to mark repository pending: %v", err)
		p.fail(ctx, log, job.RepositoryID, &repo, job.CorrelationHint, "mark pending: "+err.Error())
		return err
	}
	if !ok {
		log.Info("Retrieve job superseded before submit, skipping")
		return nil
	}

	if err := p.retriever.SubmitRetrieve(ctx, job.URL, token, job.CorrelationHint); err != nil {
		log.Errorf("Retrieve submission failed: %v", err)
		p.fail(ctx, log, job.RepositoryID, &repo, job.CorrelationHint, "submit retrieve: "+err.Error())
		return err
	}

	log.Info("Retrieve submitted, waiting for completion")
	return nil
}

// HandleDeadLetter fails the repository of a retrieve job that exhausted its delivery attempts
func (p *RetrieveProcessor) HandleDeadLetter(ctx context.Context, msg *queue.JobMessage) error {
	var job queue.RetrieveJob
	if err := msg.Decode(&job); err != nil {
		return err
	}
	log := p.log.WithFields(logrus.Fields{
		"repository_id":  job.RepositoryID,
		"correlation_id": job.CorrelationHint,
		"job_id":         msg.JobID,
	})
	log.Warn("Retrieve job dead-lettered")

	repo := models.Repository{}
	if err := p.db.WithContext(ctx).Where("id = ?", job.RepositoryID).First(&repo).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warnf("Failed to load repository: %v", err)
	}
	p.fail(ctx, log, job.RepositoryID, &repo, job.CorrelationHint,
		fmt.Sprintf("retrieve job dead-lettered after %d attempts", msg.Attempts))
	return nil
}

// fail marks the repository Failed. repo may be partially loaded; its id is taken from repositoryID.
func (p *RetrieveProcessor) fail(ctx context.Context, log *logrus.Entry, repositoryID uint, repo *models.Repository, correlationID, message string) {
	markRepositoryFailed(ctx, p.state, log, repositoryID, repo, correlationID, message)
}

func markRepositoryFailed(ctx context.Context, state *RepositoryState, log *logrus.Entry, repositoryID uint, repo *models.Repository, correlationID, message string) {
	repo.ID = repositoryID
	if _, err := state.MarkFailed(ctx, repo, correlationID, message); err != nil {
		log.Errorf("Failed to mark repository failed: %v", err)
	}
}
