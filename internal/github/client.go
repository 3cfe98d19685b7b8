// Package github wraps the GitHub REST calls the backend makes with a user's token.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	apperrors "ciflow/pkg/errors"

	gogithub "github.com/google/go-github/v82/github"
	"golang.org/x/oauth2"
)

// HookSpec desired state of a repository webhook
type HookSpec struct {
	URL    string
	Secret string
	Events []string
	Active bool
}

// Hook state of a webhook as reported by GitHub
type Hook struct {
	ID     int64
	URL    string
	Events []string
	Active bool
}

// FileCommit a file written through the contents API
type FileCommit struct {
	Path      string `json:"path"`
	Branch    string `json:"branch,omitempty"`
	CommitSHA string `json:"commit_sha"`
	FileSHA   string `json:"file_sha"`
	Created   bool   `json:"created"`
}

// Client per-token GitHub API access
type Client struct {
	baseURL *url.URL
}

// NewClient creates a client. An empty baseURL targets api.github.com.
func NewClient(baseURL string) (*Client, error) {
	if baseURL == "" {
		return &Client{}, nil
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github api url: %w", err)
	}
	return &Client{baseURL: parsed}, nil
}

func (c *Client) client(ctx context.Context, token string) *gogithub.Client {
	var httpClient *http.Client
	if token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := gogithub.NewClient(httpClient)
	if c.baseURL != nil {
		client.BaseURL = c.baseURL
	}
	return client
}

// RepoExists checks that owner/repo is visible with token
func (c *Client) RepoExists(ctx context.Context, token, owner, repo string) (bool, error) {
	_, _, err := c.client(ctx, token).Repositories.Get(ctx, owner, repo)
	if err == nil {
		return true, nil
	}
	if statusCode(err) == http.StatusNotFound {
		return false, nil
	}
	return false, classify("github.RepoExists", err)
}

// CreateHook installs a webhook and returns its id
func (c *Client) CreateHook(ctx context.Context, token, owner, repo string, spec HookSpec) (int64, error) {
	hook, _, err := c.client(ctx, token).Repositories.CreateHook(ctx, owner, repo, toGitHubHook(spec))
	if err != nil {
		return 0, classify("github.CreateHook", err)
	}
	return hook.GetID(), nil
}

// EditHook updates an installed webhook
func (c *Client) EditHook(ctx context.Context, token, owner, repo string, hookID int64, spec HookSpec) error {
	if _, _, err := c.client(ctx, token).Repositories.EditHook(ctx, owner, repo, hookID, toGitHubHook(spec)); err != nil {
		return classify("github.EditHook", err)
	}
	return nil
}

// DeleteHook removes a webhook. A hook already gone is not an error.
func (c *Client) DeleteHook(ctx context.Context, token, owner, repo string, hookID int64) error {
	_, err := c.client(ctx, token).Repositories.DeleteHook(ctx, owner, repo, hookID)
	if err != nil && statusCode(err) != http.StatusNotFound {
		return classify("github.DeleteHook", err)
	}
	return nil
}

// GetHook returns the hook or an ErrNotFound error
func (c *Client) GetHook(ctx context.Context, token, owner, repo string, hookID int64) (*Hook, error) {
	hook, _, err := c.client(ctx, token).Repositories.GetHook(ctx, owner, repo, hookID)
	if err != nil {
		return nil, classify("github.GetHook", err)
	}

	result := &Hook{
		ID:     hook.GetID(),
		Events: hook.Events,
		Active: hook.GetActive(),
	}
	if hook.Config != nil {
		result.URL = hook.Config.GetURL()
	}
	return result, nil
}

// GetFileContent returns the decoded content of a file at ref (default branch when empty)
func (c *Client) GetFileContent(ctx context.Context, token, owner, repo, path, ref string) (string, error) {
	var opts *gogithub.RepositoryContentGetOptions
	if ref != "" {
		opts = &gogithub.RepositoryContentGetOptions{Ref: ref}
	}

	file, _, _, err := c.client(ctx, token).Repositories.GetContents(ctx, owner, repo, path, opts)
	if err != nil {
		return "", classify("github.GetFileContent", err)
	}
	if file == nil {
		return "", apperrors.Validation("github.GetFileContent", "%s is a directory", path)
	}
	return file.GetContent()
}

// CommitFile creates or replaces path on branch (default branch when empty) with content
func (c *Client) CommitFile(ctx context.Context, token, owner, repo, path, branch, message, content string) (*FileCommit, error) {
	const op = "github.CommitFile"
	client := c.client(ctx, token)

	var getOpts *gogithub.RepositoryContentGetOptions
	if branch != "" {
		getOpts = &gogithub.RepositoryContentGetOptions{Ref: branch}
	}

	opts := &gogithub.RepositoryContentFileOptions{
		Message: gogithub.String(message),
		Content: []byte(content),
	}
	if branch != "" {
		opts.Branch = gogithub.String(branch)
	}

	existing, _, _, err := client.Repositories.GetContents(ctx, owner, repo, path, getOpts)
	switch {
	case err == nil && existing == nil:
		return nil, apperrors.Validation(op, "%s is a directory", path)
	case err == nil:
		opts.SHA = existing.SHA
	case statusCode(err) != http.StatusNotFound:
		return nil, classify(op, err)
	}

	var result *gogithub.RepositoryContentResponse
	if opts.SHA != nil {
		result, _, err = client.Repositories.UpdateFile(ctx, owner, repo, path, opts)
	} else {
		result, _, err = client.Repositories.CreateFile(ctx, owner, repo, path, opts)
	}
	if err != nil {
		return nil, classify(op, err)
	}

	commit := &FileCommit{
		Path:      path,
		Branch:    branch,
		CommitSHA: result.Commit.GetSHA(),
		Created:   opts.SHA == nil,
	}
	if result.Content != nil {
		commit.FileSHA = result.Content.GetSHA()
	}
	return commit, nil
}

func toGitHubHook(spec HookSpec) *gogithub.Hook {
	return &gogithub.Hook{
		Name:   gogithub.String("web"),
		Active: gogithub.Bool(spec.Active),
		Events: spec.Events,
		Config: &gogithub.HookConfig{
			URL:         gogithub.String(spec.URL),
			ContentType: gogithub.String("json"),
			InsecureSSL: gogithub.String("0"),
			Secret:      gogithub.String(spec.Secret),
		},
	}
}

func statusCode(err error) int {
	var errResp *gogithub.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}

func classify(op string, err error) error {
	code := statusCode(err)
	switch {
	case code == http.StatusNotFound:
		return apperrors.Wrap(apperrors.ErrNotFound, op, err)
	case code >= 400 && code < 500:
		return apperrors.Wrap(apperrors.ErrUpstreamRejected, op, err)
	default:
		return apperrors.Wrap(apperrors.ErrUpstreamUnavailable, op, err)
	}
}
