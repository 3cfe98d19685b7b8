package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"ciflow/internal/github"
	"ciflow/internal/models"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/logger"
	"ciflow/pkg/metrics"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SignaturePrefix precedes the hex digest in X-Hub-Signature-256
const SignaturePrefix = "sha256="

// DefaultWebhookEvents subscribed when none are configured
var DefaultWebhookEvents = []string{"push", "workflow_run"}

// UpdateWebhookRequest partial update of a hook; nil fields keep their value
type UpdateWebhookRequest struct {
	Active *bool    `json:"active"`
	Events []string `json:"events" binding:"omitempty,dive,required"`
}

// WebhookService verifies inbound deliveries and manages repository hooks on GitHub
type WebhookService struct {
	db        *gorm.DB
	vault     Vault
	github    GitHubAPI
	repos     *RepositoryService
	metrics   *metrics.Metrics
	publicURL string
	events    []string
	log       *logrus.Entry
}

// NewWebhookService creates the gateway. publicURL is where GitHub delivers events.
func NewWebhookService(db *gorm.DB, vault Vault, gh GitHubAPI, repos *RepositoryService, m *metrics.Metrics, publicURL string, events []string) *WebhookService {
	if len(events) == 0 {
		events = DefaultWebhookEvents
	}
	return &WebhookService{
		db:        db,
		vault:     vault,
		github:    gh,
		repos:     repos,
		metrics:   m,
		publicURL: publicURL,
		events:    events,
		log:       logger.WithComponent("webhook_service"),
	}
}

// Sign computes the X-Hub-Signature-256 value of payload under secret
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

type deliveryRepository struct {
	Repository struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Verify finds the configured webhook whose secret signed payload.
// webhookURL, when set, restricts candidates to the user registered for that URL.
func (s *WebhookService) Verify(ctx context.Context, payload []byte, signature, webhookURL string) (*models.Webhook, error) {
	const op = "services.VerifyWebhook"

	if !strings.HasPrefix(signature, SignaturePrefix) {
		s.metrics.WebhookVerified("invalid")
		return nil, apperrors.New(apperrors.ErrSignatureMismatch, op, "missing or malformed signature")
	}

	var delivery deliveryRepository
	if err := json.Unmarshal(payload, &delivery); err != nil || delivery.Repository.ID == 0 {
		s.metrics.WebhookVerified("invalid")
		return nil, apperrors.New(apperrors.ErrSignatureMismatch, op, "no configured webhook matches the delivery")
	}

	query := s.db.WithContext(ctx).Where("github_repo_id = ? AND active = ? AND status = ?",
		delivery.Repository.ID, true, models.WebhookStatusConfigured)
	if webhookURL != "" {
		var owner models.WebhookUser
		if err := s.db.WithContext(ctx).Where("webhook_url = ?", webhookURL).First(&owner).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.metrics.WebhookVerified("invalid")
				s.log.WithField("webhook_url", webhookURL).Debug("No user registered for webhook url")
				return nil, apperrors.New(apperrors.ErrSignatureMismatch, op, "no configured webhook matches the delivery")
			}
			return nil, err
		}
		query = query.Where("user_id = ?", owner.UserID)
	}

	var candidates []models.Webhook
	if err := query.Order("id").Find(&candidates).Error; err != nil {
		return nil, err
	}

	for i := range candidates {
		secret, err := s.vault.Decrypt(candidates[i].Secret)
		if err != nil {
			s.log.WithField("webhook_id", candidates[i].ID).Warnf("Skipping webhook with undecryptable secret: %v", err)
			continue
		}
		if hmac.Equal([]byte(Sign(payload, secret)), []byte(signature)) {
			s.metrics.WebhookVerified("matched")
			return &candidates[i], nil
		}
	}

	s.metrics.WebhookVerified("mismatch")
	s.log.WithFields(logrus.Fields{
		"github_repo_id": delivery.Repository.ID,
		"candidates":     len(candidates),
	}).Warn("Webhook signature did not match any secret")
	return nil, apperrors.New(apperrors.ErrSignatureMismatch, op, "signature does not match")
}

// Handle re-enters the pipeline for the repository of a verified delivery
func (s *WebhookService) Handle(ctx context.Context, webhook *models.Webhook, event string) error {
	log := s.log.WithFields(logrus.Fields{
		"repository_id": webhook.RepositoryID,
		"event":         event,
	})

	if event == "ping" {
		log.Info("Webhook ping received")
		return nil
	}

	if _, err := s.repos.Trigger(ctx, webhook.RepositoryID, models.RepoStatusPending); err != nil {
		return err
	}
	log.Info("Webhook delivery triggered retrieval")
	return nil
}

// Configure installs (or reinstalls) the hook of a repository with a fresh secret
func (s *WebhookService) Configure(ctx context.Context, userID, repoID uint) (*models.Webhook, error) {
	const op = "services.ConfigureWebhook"

	repo, token, err := s.repoWithToken(ctx, userID, repoID)
	if err != nil {
		return nil, err
	}
	if repo.GitHubRepoID == 0 {
		return nil, apperrors.Validation(op, "repository %s has not been retrieved yet", repo.FullName)
	}
	if s.publicURL == "" {
		return nil, apperrors.Validation(op, "webhook public url is not configured")
	}

	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}
	encrypted, err := s.vault.Encrypt(secret)
	if err != nil {
		return nil, err
	}

	webhook, err := s.find(ctx, repo.ID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	if webhook == nil {
		webhook = &models.Webhook{RepositoryID: repo.ID}
	}
	webhook.UserID = repo.UserID
	webhook.GitHubRepoID = repo.GitHubRepoID
	webhook.URL = s.publicURL
	webhook.Events = datatypes.JSONSlice[string](append([]string{}, s.events...))
	webhook.Secret = encrypted

	spec := github.HookSpec{URL: s.publicURL, Secret: secret, Events: s.events, Active: true}
	if webhook.GitHubWebhookID != 0 {
		err = s.github.EditHook(ctx, token, repo.Owner, repo.Name, webhook.GitHubWebhookID, spec)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			webhook.GitHubWebhookID = 0
		}
	}
	if webhook.GitHubWebhookID == 0 {
		var hookID int64
		hookID, err = s.github.CreateHook(ctx, token, repo.Owner, repo.Name, spec)
		webhook.GitHubWebhookID = hookID
	}

	if err != nil {
		webhook.Active = false
		webhook.Status = models.WebhookStatusFailed
		webhook.StatusMessage = truncate(err.Error(), 1000)
	} else {
		webhook.Active = true
		webhook.Status = models.WebhookStatusConfigured
		webhook.StatusMessage = ""
	}

	if saveErr := s.save(ctx, webhook); saveErr != nil {
		return nil, saveErr
	}
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"repository_id":     repo.ID,
		"github_webhook_id": webhook.GitHubWebhookID,
	}).Info("Webhook configured")
	return webhook, nil
}

// Update changes events and/or the active flag of an installed hook
func (s *WebhookService) Update(ctx context.Context, userID, repoID uint, req *UpdateWebhookRequest) (*models.Webhook, error) {
	const op = "services.UpdateWebhook"

	repo, token, err := s.repoWithToken(ctx, userID, repoID)
	if err != nil {
		return nil, err
	}
	webhook, err := s.find(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	if webhook.GitHubWebhookID == 0 {
		return nil, apperrors.Validation(op, "webhook of %s is not installed", repo.FullName)
	}

	secret, err := s.vault.Decrypt(webhook.Secret)
	if err != nil {
		return nil, err
	}

	active := webhook.Active
	if req.Active != nil {
		active = *req.Active
	}
	events := []string(webhook.Events)
	if len(req.Events) > 0 {
		events = req.Events
	}

	spec := github.HookSpec{URL: webhook.URL, Secret: secret, Events: events, Active: active}
	if err := s.github.EditHook(ctx, token, repo.Owner, repo.Name, webhook.GitHubWebhookID, spec); err != nil {
		return nil, err
	}

	webhook.Active = active
	webhook.Events = datatypes.JSONSlice[string](append([]string{}, events...))
	webhook.Status = models.WebhookStatusConfigured
	webhook.StatusMessage = ""
	if err := s.save(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// Delete removes the hook from GitHub and the store
func (s *WebhookService) Delete(ctx context.Context, userID, repoID uint) error {
	repo, token, err := s.repoWithToken(ctx, userID, repoID)
	if err != nil {
		return err
	}
	webhook, err := s.find(ctx, repo.ID)
	if err != nil {
		return err
	}

	if webhook.GitHubWebhookID != 0 {
		if err := s.github.DeleteHook(ctx, token, repo.Owner, repo.Name, webhook.GitHubWebhookID); err != nil {
			return err
		}
	}
	if err := s.db.WithContext(ctx).Delete(webhook).Error; err != nil {
		return err
	}

	s.log.WithField("repository_id", repo.ID).Info("Webhook deleted")
	return nil
}

// Check reconciles the stored hook with what GitHub reports
func (s *WebhookService) Check(ctx context.Context, userID, repoID uint) (*models.Webhook, error) {
	repo, token, err := s.repoWithToken(ctx, userID, repoID)
	if err != nil {
		return nil, err
	}
	webhook, err := s.find(ctx, repo.ID)
	if err != nil {
		return nil, err
	}

	if webhook.GitHubWebhookID == 0 {
		webhook.Active = false
		webhook.Status = models.WebhookStatusFailed
		webhook.StatusMessage = "hook not installed"
		return webhook, s.save(ctx, webhook)
	}

	hook, err := s.github.GetHook(ctx, token, repo.Owner, repo.Name, webhook.GitHubWebhookID)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		webhook.Active = false
		webhook.Status = models.WebhookStatusFailed
		webhook.StatusMessage = "hook no longer exists on GitHub"
	case err != nil:
		return nil, err
	default:
		webhook.Active = hook.Active
		webhook.Events = datatypes.JSONSlice[string](append([]string{}, hook.Events...))
		webhook.Status = models.WebhookStatusConfigured
		webhook.StatusMessage = ""
	}

	if err := s.save(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// List webhooks of a user
func (s *WebhookService) List(ctx context.Context, userID uint) ([]models.Webhook, error) {
	var webhooks []models.Webhook
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&webhooks).Error
	return webhooks, err
}

// RegisterWebhookURL records the inbound URL that identifies userID
func (s *WebhookService) RegisterWebhookURL(ctx context.Context, userID uint, webhookURL string) (*models.WebhookUser, error) {
	webhookURL = webhookPath(webhookURL)
	if webhookURL == "" {
		return nil, apperrors.Validation("services.RegisterWebhookURL", "webhook_url is required")
	}

	record := &models.WebhookUser{UserID: userID, WebhookURL: webhookURL}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"webhook_url", "updated_at"}),
	}).Create(record).Error
	if err != nil {
		return nil, err
	}
	return s.GetWebhookURL(ctx, userID)
}

// GetWebhookURL the inbound URL registered for userID
func (s *WebhookService) GetWebhookURL(ctx context.Context, userID uint) (*models.WebhookUser, error) {
	var record models.WebhookUser
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("services.GetWebhookURL", "no webhook url for user %d", userID)
		}
		return nil, err
	}
	return &record, nil
}

func (s *WebhookService) repoWithToken(ctx context.Context, userID, repoID uint) (*models.Repository, string, error) {
	repo, err := s.repos.Get(ctx, userID, repoID)
	if err != nil {
		return nil, "", err
	}
	token, err := s.vault.Decrypt(repo.Token)
	if err != nil {
		return nil, "", err
	}
	return repo, token, nil
}

func (s *WebhookService) find(ctx context.Context, repositoryID uint) (*models.Webhook, error) {
	var webhook models.Webhook
	if err := s.db.WithContext(ctx).Where("repository_id = ?", repositoryID).First(&webhook).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("services.findWebhook", "no webhook for repository %d", repositoryID)
		}
		return nil, err
	}
	return &webhook, nil
}

func (s *WebhookService) save(ctx context.Context, webhook *models.Webhook) error {
	return s.db.WithContext(ctx).Save(webhook).Error
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// webhookPath keeps only the path of an absolute URL, deliveries are matched on their request path
func webhookPath(raw string) string {
	raw = strings.TrimSpace(raw)
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		return u.Path
	}
	return raw
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
