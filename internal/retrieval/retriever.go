// Package retrieval talks to the companion data retrieval service.
package retrieval

import "context"

//go:generate mockgen -destination=mocks/mock_retriever.go -package=mocks -source=retriever.go Retriever

// Retriever is the contract the pipeline depends on.
// Completion of SubmitRetrieve is signalled asynchronously on the results channel.
type Retriever interface {
	// SubmitRetrieve asks the service to mine a repository. requestID is echoed back
	// in the completion message and makes the submission idempotent.
	SubmitRetrieve(ctx context.Context, repoURL, token, requestID string) error
	FetchRepoDetails(ctx context.Context, owner, name string) (*RepoDetailsDTO, error)
	FetchWorkflows(ctx context.Context, owner, name string) ([]WorkflowDTO, error)
	FetchWorkflowRuns(ctx context.Context, owner, name string) ([]WorkflowRunDTO, error)
}

// Completion status values carried by ResultMessage
const (
	ResultSuccess = "success"
	ResultError   = "error"
)
