package services

import (
	"context"
	"testing"

	"ciflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResyncScheduler_TriggerNowOnlySuccess(t *testing.T) {
	db := newTestDB(t)
	vault := newTestVault(t)
	q := &fakeQueue{}

	ready := seedRepository(t, db, vault, 1, "acme", "widgets", models.RepoStatusSuccess)
	seedRepository(t, db, vault, 1, "acme", "gadgets", models.RepoStatusFailed)
	seedRepository(t, db, vault, 1, "acme", "sprockets", models.RepoStatusPending)
	orphan := seedRepository(t, db, vault, 2, "acme", "widgets", models.RepoStatusSuccess)
	require.NoError(t, db.Model(orphan).Update("correlation_id", nil).Error)

	s := NewResyncScheduler(db, q, "")
	n, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs := q.syncJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, ready.ID, jobs[0].RepositoryID)
	assert.Equal(t, uint(1), jobs[0].UserID)
	assert.Equal(t, *ready.CorrelationID, jobs[0].CorrelationID)
}

func TestResyncScheduler_StartStop(t *testing.T) {
	db := newTestDB(t)

	disabled := NewResyncScheduler(db, &fakeQueue{}, "")
	require.NoError(t, disabled.Start())
	assert.True(t, disabled.NextRun().IsZero())

	invalid := NewResyncScheduler(db, &fakeQueue{}, "every tuesday")
	assert.Error(t, invalid.Start())

	s := NewResyncScheduler(db, &fakeQueue{}, "@every 1h")
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "already running")
	assert.False(t, s.NextRun().IsZero())

	s.Stop()
	assert.True(t, s.NextRun().IsZero())
}
