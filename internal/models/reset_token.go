package models

import "time"

// ResetToken authorises a password reset without the old password. Tokens are
// single use: the row is deleted as soon as a reset succeeds. A user may hold
// several outstanding tokens at once; any unexpired one completes the reset.
type ResetToken struct {
	BaseModel

	UserID    string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Token     string    `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}
