package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ciflow/internal/models"
	"ciflow/pkg/logger"
	"ciflow/pkg/queue"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ResyncScheduler periodically enqueues sync jobs for every Success repository
type ResyncScheduler struct {
	db      *gorm.DB
	queue   JobQueue
	spec    string
	cron    *cron.Cron
	entryID cron.EntryID
	lock    sync.Mutex
	running bool
	log     *logrus.Entry
}

// NewResyncScheduler creates the scheduler. An empty spec disables it.
func NewResyncScheduler(db *gorm.DB, q JobQueue, spec string) *ResyncScheduler {
	return &ResyncScheduler{
		db:    db,
		queue: q,
		spec:  spec,
		cron:  cron.New(),
		log:   logger.WithComponent("resync_scheduler"),
	}
}

// Start starts the scheduler
func (s *ResyncScheduler) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.running {
		return fmt.Errorf("resync scheduler already running")
	}
	if s.spec == "" {
		s.log.Info("Resync schedule empty, periodic sync disabled")
		return nil
	}

	entryID, err := s.cron.AddFunc(s.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.TriggerNow(ctx); err != nil {
			s.log.Errorf("Periodic resync failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid resync schedule %q: %w", s.spec, err)
	}
	s.entryID = entryID

	s.cron.Start()
	s.running = true

	s.log.WithFields(logrus.Fields{
		"schedule": s.spec,
		"next_run": s.cron.Entry(entryID).Next,
	}).Info("Resync scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running pass
func (s *ResyncScheduler) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entryID)
	s.running = false
	s.log.Info("Resync scheduler stopped")
}

// NextRun time of the next scheduled pass, zero when not running
func (s *ResyncScheduler) NextRun() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// TriggerNow enqueues a sync job for each Success repository and returns how many were enqueued
func (s *ResyncScheduler) TriggerNow(ctx context.Context) (int, error) {
	var repos []models.Repository
	if err := s.db.WithContext(ctx).
		Where("status = ? AND correlation_id IS NOT NULL", models.RepoStatusSuccess).
		Find(&repos).Error; err != nil {
		return 0, fmt.Errorf("load repositories: %w", err)
	}

	enqueued := 0
	for _, repo := range repos {
		_, err := s.queue.Enqueue(ctx, queue.QueueSync, queue.SyncJob{
			UserID:        repo.UserID,
			RepositoryID:  repo.ID,
			Owner:         repo.Owner,
			Name:          repo.Name,
			CorrelationID: *repo.CorrelationID,
		})
		if err != nil {
			s.log.WithField("repository_id", repo.ID).Errorf("Failed to enqueue resync: %v", err)
			continue
		}
		enqueued++
	}

	s.log.WithFields(logrus.Fields{
		"repositories": len(repos),
		"enqueued":     enqueued,
	}).Info("Resync pass enqueued")
	return enqueued, nil
}
