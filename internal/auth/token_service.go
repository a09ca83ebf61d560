package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/trananhvu/authgate/internal/models"
)

// DefaultRefreshTokenTTL is the fallback refresh token lifetime.
const DefaultRefreshTokenTTL = 72 * time.Hour

// ErrRefreshTokenInvalid is returned when the supplied refresh token does not
// match an unexpired record. Missing and expired tokens are deliberately
// indistinguishable to the caller.
var ErrRefreshTokenInvalid = errors.New("token: refresh token invalid or expired")

// TokenConfig describes tunable behaviour for the TokenService.
type TokenConfig struct {
	RefreshTokenTTL time.Duration
	Clock           func() time.Time
}

// TokenPair represents an access token and refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// TokenService mints access/refresh token pairs and rotates refresh tokens.
// Each account holds at most one active refresh token; issuing a new pair
// replaces the previous record in a single upsert.
type TokenService struct {
	db         *gorm.DB
	jwt        *JWTService
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenService constructs a token issuer backed by the provided database and JWT service.
func NewTokenService(db *gorm.DB, jwtService *JWTService, cfg TokenConfig) (*TokenService, error) {
	if db == nil {
		return nil, errors.New("token service: db is required")
	}
	if jwtService == nil {
		return nil, errors.New("token service: jwt service is required")
	}

	ttl := cfg.RefreshTokenTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &TokenService{
		db:         db,
		jwt:        jwtService,
		refreshTTL: ttl,
		now:        clock,
	}, nil
}

// Issue mints a signed access token and a fresh opaque refresh token for the
// account. The refresh token record is installed with an atomic
// replace-or-insert keyed by user_id, which implicitly revokes any previously
// issued refresh token for that account.
func (s *TokenService) Issue(ctx context.Context, userID string) (TokenPair, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return TokenPair{}, errors.New("token service: user id is required")
	}

	accessToken, err := s.jwt.GenerateAccessToken(userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("token service: generate access token: %w", err)
	}

	now := s.now()
	record := models.RefreshToken{
		UserID:    userID,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(s.refreshTTL),
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token", "expires_at", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return TokenPair{}, fmt.Errorf("token service: store refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: record.Token,
	}, nil
}

// Refresh exchanges an unexpired refresh token for a new token pair. The old
// record is overwritten by the upsert in Issue, so the presented token is
// unusable afterwards.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, ErrRefreshTokenInvalid
	}

	var record models.RefreshToken
	err := s.db.WithContext(ctx).
		Where("token = ? AND expires_at > ?", refreshToken, s.now()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TokenPair{}, ErrRefreshTokenInvalid
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("token service: find refresh token: %w", err)
	}

	return s.Issue(ctx, record.UserID)
}

// Revoke deletes the refresh token record for an account, if any.
func (s *TokenService) Revoke(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("token service: user id is required")
	}

	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.RefreshToken{}).Error; err != nil {
		return fmt.Errorf("token service: revoke refresh token: %w", err)
	}
	return nil
}

// CleanupExpired removes refresh token rows past their expiry. Expired rows
// are already invisible to Refresh; this keeps the table from growing.
func (s *TokenService) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", s.now()).
		Delete(&models.RefreshToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("token service: cleanup refresh tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}
