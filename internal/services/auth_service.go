package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ciflow/internal/models"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/jwt"
	"ciflow/pkg/logger"

	"gorm.io/gorm"
)

// ErrInvalidCredentials wrong username or password
var ErrInvalidCredentials = errors.New("invalid username or password")

// RegisterUserRequest body of a sign-up
type RegisterUserRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Email    string `json:"email" binding:"required,email,max=100"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

// LoginRequest body of a login
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResult token and the account it was issued for
type LoginResult struct {
	Token     string       `json:"token"`
	ExpiresIn int64        `json:"expires_in"` // seconds
	User      *models.User `json:"user"`
}

// AuthService accounts and token issuance
type AuthService struct {
	db         *gorm.DB
	jwtManager *jwt.JWTManager
}

// NewAuthService creates the service
func NewAuthService(db *gorm.DB, jwtManager *jwt.JWTManager) *AuthService {
	return &AuthService{db: db, jwtManager: jwtManager}
}

// Register creates a user account. The first account becomes admin.
func (s *AuthService) Register(ctx context.Context, req *RegisterUserRequest) (*models.User, error) {
	const op = "services.RegisterUser"

	username := strings.TrimSpace(req.Username)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("username = ? OR email = ?", username, email).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, apperrors.New(apperrors.ErrConflict, op, "username or email already exists")
	}

	user := &models.User{Username: username, Email: email, Role: models.UserRoleUser}
	if err := user.SetPassword(req.Password); err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.Model(&models.User{}).Count(&total).Error; err != nil {
			return err
		}
		if total == 0 {
			user.Role = models.UserRoleAdmin
		}
		return tx.Create(user).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperrors.New(apperrors.ErrConflict, op, "username or email already exists")
		}
		return nil, err
	}

	logger.GetLogger().WithField("user_id", user.ID).Info("User registered")
	return user, nil
}

// Login checks the password and issues a token
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*LoginResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ? OR email = ?", req.Username, strings.ToLower(req.Username)).
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.CheckPassword(req.Password) {
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwtManager.GenerateToken(user.ID, user.Username, user.Email, user.IsAdmin())
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	now := time.Now()
	s.db.WithContext(ctx).Model(&user).Update("last_login_at", now)
	user.LastLoginAt = &now

	return &LoginResult{
		Token:     token,
		ExpiresIn: int64(s.jwtManager.GetTokenDuration().Seconds()),
		User:      &user,
	}, nil
}

// Refresh issues a new token for a valid one
func (s *AuthService) Refresh(token string) (string, error) {
	return s.jwtManager.RefreshToken(token)
}

// GetUser loads an account
func (s *AuthService) GetUser(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("services.GetUser", "user %d", userID)
		}
		return nil, err
	}
	return &user, nil
}
