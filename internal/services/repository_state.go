package services

import (
	"context"

	"ciflow/internal/models"
	"ciflow/pkg/metrics"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RepositoryState owns every write to Repository.status and correlation_id.
// All writes are conditional updates so concurrent jobs for one repository
// cannot overwrite each other's state.
type RepositoryState struct {
	db      *gorm.DB
	events  *StatusEvents
	metrics *metrics.Metrics
}

// NewRepositoryState creates the state writer. events and m may be nil.
func NewRepositoryState(db *gorm.DB, events *StatusEvents, m *metrics.Metrics) *RepositoryState {
	return &RepositoryState{db: db, events: events, metrics: m}
}

// NewCorrelationID returns a fresh correlation id
func NewCorrelationID() string {
	return uuid.NewString()
}

// Reset moves repo to status (Queued or Pending) under a new correlation id,
// together with any extra column updates. Returns the new id, or "" when the row is gone.
func (s *RepositoryState) Reset(ctx context.Context, repo *models.Repository, status string, extra map[string]interface{}) (string, error) {
	correlationID := NewCorrelationID()

	updates := map[string]interface{}{
		"status":         status,
		"status_message": "",
		"correlation_id": correlationID,
	}
	for key, value := range extra {
		updates[key] = value
	}

	res := s.db.WithContext(ctx).Model(&models.Repository{}).
		Where("id = ?", repo.ID).
		Updates(updates)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", nil
	}

	repo.Status = status
	repo.StatusMessage = ""
	repo.CorrelationID = &correlationID
	s.changed(ctx, repo, status, "")
	return correlationID, nil
}

// MarkPending moves a Queued or Pending repository to Pending, only while
// correlationID is still the live one
func (s *RepositoryState) MarkPending(ctx context.Context, repo *models.Repository, correlationID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Repository{}).
		Where("id = ? AND correlation_id = ? AND status IN ?", repo.ID, correlationID,
			[]string{models.RepoStatusQueued, models.RepoStatusPending}).
		Updates(map[string]interface{}{
			"status":         models.RepoStatusPending,
			"status_message": "",
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	repo.Status = models.RepoStatusPending
	s.changed(ctx, repo, models.RepoStatusPending, "")
	return true, nil
}

// MarkSuccess writes metadata and Success inside tx, only while the repository
// is Pending under correlationID
func (s *RepositoryState) MarkSuccess(tx *gorm.DB, repo *models.Repository, correlationID string, metadata map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":         models.RepoStatusSuccess,
		"status_message": "",
	}
	for key, value := range metadata {
		updates[key] = value
	}

	res := tx.Model(&models.Repository{}).
		Where("id = ? AND correlation_id = ? AND status = ?", repo.ID, correlationID, models.RepoStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkFailed sets Failed while correlationID is still live. A superseded
// correlation id leaves the row untouched.
func (s *RepositoryState) MarkFailed(ctx context.Context, repo *models.Repository, correlationID, message string) (bool, error) {
	if len(message) > 1000 {
		message = message[:1000]
	}

	res := s.db.WithContext(ctx).Model(&models.Repository{}).
		Where("id = ? AND correlation_id = ?", repo.ID, correlationID).
		Updates(map[string]interface{}{
			"status":         models.RepoStatusFailed,
			"status_message": message,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	repo.Status = models.RepoStatusFailed
	repo.StatusMessage = message
	s.changed(ctx, repo, models.RepoStatusFailed, message)
	return true, nil
}

// Announce publishes a transition that was written inside a transaction
func (s *RepositoryState) Announce(ctx context.Context, repo *models.Repository, status, message string) {
	s.changed(ctx, repo, status, message)
}

func (s *RepositoryState) changed(ctx context.Context, repo *models.Repository, status, message string) {
	s.metrics.StatusChanged(status)
	s.events.Publish(ctx, repo, status, message)
}
