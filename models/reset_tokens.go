package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ConsumedResetToken records a password reset token that has already been used.
type ConsumedResetToken struct {
	ID        string    `gorm:"primaryKey;size:64"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (c *ConsumedResetToken) TableName() string {
	return "consumed_reset_tokens"
}

// ResetTokenLedger tracks spent reset tokens in the database.
type ResetTokenLedger struct {
	db *gorm.DB
}

func NewResetTokenLedger(db *gorm.DB) *ResetTokenLedger {
	return &ResetTokenLedger{db: db}
}

// Consume marks id as spent until expiresAt. It returns false when id was
// already spent. Entries past their expiry are purged on the way.
func (l *ResetTokenLedger) Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	db := l.db.WithContext(ctx)
	if err := db.Where("expires_at < ?", time.Now()).Delete(&ConsumedResetToken{}).Error; err != nil {
		return false, err
	}

	if err := db.Create(&ConsumedResetToken{ID: id, ExpiresAt: expiresAt}).Error; err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
