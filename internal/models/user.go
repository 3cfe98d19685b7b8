package models

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User an account of the dashboard
type User struct {
	BaseModel
	Username     string     `json:"username" gorm:"unique;not null;size:50;index"`
	Email        string     `json:"email" gorm:"unique;not null;size:100;index"`
	PasswordHash string     `json:"-" gorm:"not null;size:255"`
	Role         string     `json:"role" gorm:"default:'user';size:20"`
	LastLoginAt  *time.Time `json:"last_login_at"`
}

// TableName table name
func (u *User) TableName() string {
	return "users"
}

const (
	UserRoleUser  = "user"
	UserRoleAdmin = "admin"
)

// IsAdmin admin role check
func (u *User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}

// SetPassword hashes and stores password
func (u *User) SetPassword(password string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hashedPassword)
	return nil
}

// CheckPassword compares password with the stored hash
func (u *User) CheckPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	return err == nil
}
