package retrieval

import (
	"testing"
	"time"

	apperrors "ciflow/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestWorkflowRunDTO_Validate(t *testing.T) {
	tests := []struct {
		name    string
		dto     WorkflowRunDTO
		wantErr bool
	}{
		{name: "valid", dto: WorkflowRunDTO{GitHubID: 99, WorkflowID: 1}},
		{name: "missing run id", dto: WorkflowRunDTO{WorkflowID: 1}, wantErr: true},
		{name: "missing workflow id", dto: WorkflowRunDTO{GitHubID: 99}, wantErr: true},
		{name: "commit without sha", dto: WorkflowRunDTO{GitHubID: 99, WorkflowID: 1, HeadCommit: &CommitDTO{Message: "x"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dto.Validate()
			if tt.wantErr {
				assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWorkflowRunDTO_ToModel(t *testing.T) {
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	updated := started.Add(3 * time.Minute)

	dto := WorkflowRunDTO{
		GitHubID:        99,
		WorkflowID:      1,
		HeadBranch:      "main",
		Conclusion:      strPtr(""),
		RunStartedAt:    &started,
		UpdatedAt:       &updated,
		Actor:           &ActorDTO{Login: "octocat"},
		TriggeringActor: nil,
	}

	run := dto.ToModel(5, 6, 7)
	assert.Equal(t, uint(5), run.UserID)
	assert.Equal(t, uint(6), run.RepositoryID)
	assert.Equal(t, uint(7), run.WorkflowID)
	assert.Equal(t, int64(1), run.GitHubWorkflowID)
	assert.Nil(t, run.Conclusion, "empty conclusion means not finished")
	assert.Equal(t, "octocat", run.Actor.Login)
	assert.Empty(t, run.TriggeringActor.Login)
	assert.Equal(t, 3*time.Minute, run.Duration())
}

func TestCommitDTO_ToModel(t *testing.T) {
	dto := CommitDTO{
		ID:      "abc123",
		Message: "fix flaky test",
		Author:  &CommitAuthorDTO{Name: "Octo", Email: "octo@example.com"},
		Stats:   &CommitStatsDTO{Total: 3, Additions: 2, Deletions: 1},
	}

	commit := dto.ToModel(1, 2, 3)
	assert.Equal(t, "abc123", commit.SHA)
	assert.Equal(t, uint(3), commit.WorkflowRunID)
	assert.Equal(t, "Octo", commit.AuthorName)
	assert.Equal(t, 2, commit.Additions)
}

func TestParseResultMessage(t *testing.T) {
	msg, err := ParseResultMessage([]byte(`{"request_id":"corr-1","status":"success","data":{"id":4242}}`))
	require.NoError(t, err)
	assert.True(t, msg.Succeeded())
	assert.JSONEq(t, `{"id":4242}`, string(msg.Data))

	_, err = ParseResultMessage([]byte(`{"status":"success"}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = ParseResultMessage([]byte(`not json`))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestRepoDetailsDTO_ToModel(t *testing.T) {
	dto := RepoDetailsDTO{
		ID:          4242,
		FullName:    "acme/widgets",
		Owner:       OwnerDTO{ID: 1, Login: "acme"},
		Topics:      []string{"ci"},
		Permissions: map[string]bool{"admin": true},
	}
	require.NoError(t, dto.Validate())

	details := dto.ToModel(1, 2)
	assert.Equal(t, int64(4242), details.GitHubRepoID)
	assert.Equal(t, uint(2), details.RepositoryID)
	assert.Equal(t, "acme", details.OwnerLogin)
	assert.Equal(t, []string{"ci"}, []string(details.Topics))
	assert.Equal(t, true, details.Permissions["admin"])

	cols := dto.MetadataColumns()
	assert.Equal(t, int64(4242), cols["github_repo_id"])
}
