package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// User is an account that can obtain an API token.
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:150;not null"`
	Email        string `gorm:"size:254;index"`
	PasswordHash string `gorm:"size:255;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u *User) TableName() string {
	return "users"
}

// SetPassword stores a bcrypt hash of raw. The plaintext is never kept.
func (u *User) SetPassword(raw string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword reports whether raw matches the stored hash.
func (u *User) CheckPassword(raw string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(raw)) == nil
}

// Token is the bearer credential of a user. Each user has at most one.
type Token struct {
	Key     string    `gorm:"primaryKey;size:40"`
	UserID  uint      `gorm:"uniqueIndex;not null"`
	User    User      `gorm:"constraint:OnDelete:CASCADE"`
	Created time.Time `gorm:"autoCreateTime"`
}

func (t *Token) TableName() string {
	return "auth_tokens"
}

// NewTokenKey returns a fresh random token key.
func NewTokenKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
