package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the persisted account record. Email is stored lower-cased and
// trimmed; the unique index is the authoritative guard against duplicate
// registrations regardless of any existence check performed beforehand.
type User struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Name     string `gorm:"not null" json:"name"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Password string `gorm:"not null" json:"-"`

	IsVerified bool `gorm:"default:false" json:"is_verified"`

	// At most one live verification code exists per account. Both fields are
	// cleared on successful verification and overwritten on resend.
	VerificationCode      *string    `json:"-"`
	VerificationExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
