package models

import "time"

// RefreshToken holds the single active refresh token for an account. The
// unique index on UserID backs the atomic replace-or-insert performed when a
// new token pair is issued: rotation, not accumulation.
type RefreshToken struct {
	BaseModel

	UserID    string    `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`
	Token     string    `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}
