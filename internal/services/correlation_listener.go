package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ciflow/internal/models"
	"ciflow/internal/retrieval"
	"ciflow/pkg/logger"
	"ciflow/pkg/queue"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CorrelationListener matches retrieval completions to repositories by correlation id
type CorrelationListener struct {
	db         *gorm.DB
	retriever  retrieval.Retriever
	queue      JobQueue
	state      *RepositoryState
	subscriber Subscriber
	channel    string
	log        *logrus.Entry
}

// NewCorrelationListener creates the listener for channel
func NewCorrelationListener(db *gorm.DB, retriever retrieval.Retriever, q JobQueue, state *RepositoryState, subscriber Subscriber, channel string) *CorrelationListener {
	return &CorrelationListener{
		db:         db,
		retriever:  retriever,
		queue:      q,
		state:      state,
		subscriber: subscriber,
		channel:    channel,
		log:        logger.WithComponent("correlation_listener"),
	}
}

// Run consumes the results channel until ctx is done, resubscribing after a broken subscription
func (l *CorrelationListener) Run(ctx context.Context) {
	l.log.WithField("channel", l.channel).Info("Correlation listener started")
	defer l.log.Info("Correlation listener stopped")

	for {
		if err := l.consume(ctx); err != nil && ctx.Err() == nil {
			l.log.Errorf("Results subscription failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (l *CorrelationListener) consume(ctx context.Context) error {
	sub := l.subscriber.Subscribe(ctx, l.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscription to %s closed", l.channel)
			}
			result, err := retrieval.ParseResultMessage([]byte(msg.Payload))
			if err != nil {
				l.log.Warnf("Dropping malformed result message: %v", err)
				continue
			}
			if err := l.HandleResult(ctx, result); err != nil {
				l.log.WithField("correlation_id", result.RequestID).Errorf("Failed to handle result: %v", err)
			}
		}
	}
}

// HandleResult applies one completion. Messages for unknown or superseded
// correlation ids never change state.
func (l *CorrelationListener) HandleResult(ctx context.Context, msg *retrieval.ResultMessage) error {
	log := l.log.WithField("correlation_id", msg.RequestID)

	var repo models.Repository
	if err := l.db.WithContext(ctx).Where("correlation_id = ?", msg.RequestID).First(&repo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Info("No repository for correlation id, dropping result")
			return nil
		}
		return err
	}
	log = log.WithField("repository_id", repo.ID)

	if repo.Status != models.RepoStatusPending {
		log.WithField("status", repo.Status).Info("Repository already resolved, ignoring result")
		return nil
	}

	if !msg.Succeeded() {
		message := msg.Error
		if message == "" {
			message = "retrieval failed"
		}
		log.Warnf("Retrieval reported failure: %s", message)
		_, err := l.state.MarkFailed(ctx, &repo, msg.RequestID, message)
		return err
	}

	if err := l.complete(ctx, log, &repo, msg); err != nil {
		log.Errorf("Failed to complete retrieval: %v", err)
		if _, markErr := l.state.MarkFailed(ctx, &repo, msg.RequestID, err.Error()); markErr != nil {
			log.Errorf("Failed to mark repository failed: %v", markErr)
		}
		return err
	}
	return nil
}

func (l *CorrelationListener) complete(ctx context.Context, log *logrus.Entry, repo *models.Repository, msg *retrieval.ResultMessage) error {
	details, err := l.details(ctx, repo, msg)
	if err != nil {
		return err
	}

	applied := false
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := l.state.MarkSuccess(tx, repo, msg.RequestID, details.MetadataColumns())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		applied = true

		snapshot := details.ToModel(repo.UserID, repo.ID)
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository_id"}},
			UpdateAll: true,
		}).Create(snapshot).Error
	})
	if err != nil {
		return err
	}
	if !applied {
		log.Info("Result superseded during commit, ignoring")
		return nil
	}

	repo.Status = models.RepoStatusSuccess
	repo.StatusMessage = ""
	l.state.Announce(ctx, repo, models.RepoStatusSuccess, "")

	jobID, err := l.queue.Enqueue(ctx, queue.QueueSync, queue.SyncJob{
		UserID:        repo.UserID,
		RepositoryID:  repo.ID,
		Owner:         repo.Owner,
		Name:          repo.Name,
		CorrelationID: msg.RequestID,
	})
	if err != nil {
		return fmt.Errorf("enqueue sync job: %w", err)
	}

	log.WithField("job_id", jobID).Info("Retrieval completed, sync enqueued")
	return nil
}

func (l *CorrelationListener) details(ctx context.Context, repo *models.Repository, msg *retrieval.ResultMessage) (*retrieval.RepoDetailsDTO, error) {
	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		var details retrieval.RepoDetailsDTO
		if err := json.Unmarshal(msg.Data, &details); err != nil {
			return nil, fmt.Errorf("decode result data: %w", err)
		}
		if err := details.Validate(); err != nil {
			return nil, err
		}
		return &details, nil
	}
	return l.retriever.FetchRepoDetails(ctx, repo.Owner, repo.Name)
}
