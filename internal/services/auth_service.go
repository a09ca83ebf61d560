package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/trananhvu/authgate/internal/auth"
	"github.com/trananhvu/authgate/internal/models"
	"github.com/trananhvu/authgate/internal/notify"
	"github.com/trananhvu/authgate/pkg/crypto"
	apperrors "github.com/trananhvu/authgate/pkg/errors"
	"github.com/trananhvu/authgate/pkg/logger"
	"github.com/trananhvu/authgate/pkg/metrics"
)

const (
	defaultVerificationTTL = 15 * time.Minute
	defaultResetTokenTTL   = 72 * time.Hour
	defaultNotifyTimeout   = 10 * time.Second

	verificationCodeDigits = 6
	resetTokenBytes        = 32
)

// Failures surfaced by the auth use-cases. Every branch maps to exactly one
// of these; the HTTP layer translates the embedded status code.
var (
	// ErrEmailTaken indicates the address already belongs to an account.
	ErrEmailTaken = apperrors.New("EMAIL_TAKEN", "Email already in use", http.StatusConflict)
	// ErrAccountNotFound indicates a lookup by an already-established identity failed.
	ErrAccountNotFound = apperrors.New("ACCOUNT_NOT_FOUND", "Account not found", http.StatusNotFound)
	// ErrAlreadyVerified short-circuits verification of a verified account.
	ErrAlreadyVerified = apperrors.New("EMAIL_ALREADY_VERIFIED", "Email already verified", http.StatusConflict)
	// ErrInvalidCode covers both a mismatched and an expired verification code.
	ErrInvalidCode = apperrors.New("VERIFICATION_INVALID", "Invalid or expired verification code", http.StatusUnauthorized)
	// ErrInvalidCredentials covers a missing account and a wrong password alike.
	ErrInvalidCredentials = apperrors.New("INVALID_CREDENTIALS", "Wrong email or password", http.StatusUnauthorized)
	// ErrEmailNotVerified blocks sign-in until the address is confirmed. The
	// distinct message confirms the account exists; verification status is not
	// treated as a secret.
	ErrEmailNotVerified = apperrors.New("EMAIL_NOT_VERIFIED", "Please verify your email before signing in", http.StatusUnauthorized)
	// ErrInvalidResetToken covers missing and expired reset tokens with a
	// single message so callers cannot probe which it was.
	ErrInvalidResetToken = apperrors.New("RESET_INVALID", "Invalid or expired reset link", http.StatusUnauthorized)
	// ErrInvalidRefreshToken covers missing and expired refresh tokens.
	ErrInvalidRefreshToken = apperrors.New("REFRESH_INVALID", "Refresh token is invalid", http.StatusUnauthorized)
	// ErrNotificationFailed reports an unreachable mail dependency. State
	// persisted before the send is kept.
	ErrNotificationFailed = apperrors.New("NOTIFICATION_FAILED", "Failed to send email", http.StatusBadGateway)
)

// AuthConfig describes tunable behaviour for the AuthService.
type AuthConfig struct {
	VerificationTTL time.Duration
	ResetTokenTTL   time.Duration
	NotifyTimeout   time.Duration
	Clock           func() time.Time
}

// SignupInput captures the details required to register an account.
type SignupInput struct {
	Name     string
	Email    string
	Password string
}

// SigninResult bundles the issued token pair with the account identity.
type SigninResult struct {
	Tokens iauth.TokenPair
	UserID string
}

// AuthService implements the account and credential lifecycle: registration
// with email verification, password authentication, password reset, and
// access/refresh token issuance.
type AuthService struct {
	db       *gorm.DB
	tokens   *iauth.TokenService
	notifier notify.Notifier

	verificationTTL time.Duration
	resetTTL        time.Duration
	notifyTimeout   time.Duration
	now             func() time.Time
	log             *zap.Logger
}

// NewAuthService constructs the auth use-case layer.
func NewAuthService(db *gorm.DB, tokens *iauth.TokenService, notifier notify.Notifier, cfg AuthConfig) (*AuthService, error) {
	if db == nil {
		return nil, errors.New("auth service: db is required")
	}
	if tokens == nil {
		return nil, errors.New("auth service: token service is required")
	}
	if notifier == nil {
		return nil, errors.New("auth service: notifier is required")
	}

	verificationTTL := cfg.VerificationTTL
	if verificationTTL <= 0 {
		verificationTTL = defaultVerificationTTL
	}

	resetTTL := cfg.ResetTokenTTL
	if resetTTL <= 0 {
		resetTTL = defaultResetTokenTTL
	}

	notifyTimeout := cfg.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &AuthService{
		db:              db,
		tokens:          tokens,
		notifier:        notifier,
		verificationTTL: verificationTTL,
		resetTTL:        resetTTL,
		notifyTimeout:   notifyTimeout,
		now:             clock,
		log:             logger.WithModule("auth"),
	}, nil
}

// Signup registers a new unverified account and emails its verification code.
// The account row is kept even when the email cannot be sent; callers recover
// through ResendVerification rather than by signing up again.
func (s *AuthService) Signup(ctx context.Context, input SignupInput) (*models.User, error) {
	ctx = ensureContext(ctx)
	email := normalizeEmail(input.Email)

	var existing models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error
	if err == nil {
		metrics.Signups.WithLabelValues("conflict").Inc()
		return nil, ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("auth service: check existing account: %w", err)
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("auth service: hash password: %w", err)
	}

	code, err := crypto.GenerateNumericCode(verificationCodeDigits)
	if err != nil {
		return nil, fmt.Errorf("auth service: generate verification code: %w", err)
	}

	expiry := s.now().Add(s.verificationTTL)
	user := &models.User{
		Name:                  input.Name,
		Email:                 email,
		Password:              hashed,
		IsVerified:            false,
		VerificationCode:      &code,
		VerificationExpiresAt: &expiry,
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			metrics.Signups.WithLabelValues("conflict").Inc()
			return nil, ErrEmailTaken
		}
		metrics.Signups.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("auth service: create account: %w", err)
	}

	if err := s.sendVerification(ctx, email, code); err != nil {
		metrics.Signups.WithLabelValues("failure").Inc()
		return nil, err
	}

	metrics.Signups.WithLabelValues("success").Inc()
	return user, nil
}

// VerifyEmail consumes the pending verification code for an account.
func (s *AuthService) VerifyEmail(ctx context.Context, email, code string) error {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("auth service: find account: %w", err)
	}

	if user.IsVerified {
		return ErrAlreadyVerified
	}

	now := s.now()
	if user.VerificationCode == nil || *user.VerificationCode != code ||
		user.VerificationExpiresAt == nil || user.VerificationExpiresAt.Before(now) {
		return ErrInvalidCode
	}

	updates := map[string]any{
		"is_verified":             true,
		"verification_code":       nil,
		"verification_expires_at": nil,
	}
	if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return fmt.Errorf("auth service: mark verified: %w", err)
	}

	return nil
}

// ResendVerification regenerates the pending code for an unverified account
// and emails it again. It exists so a signup whose verification email failed
// has a recovery path that is not blocked by the duplicate-email check.
func (s *AuthService) ResendVerification(ctx context.Context, email string) error {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Do not disclose whether the address is registered.
		return apperrors.ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("auth service: find account: %w", err)
	}

	if user.IsVerified {
		return ErrAlreadyVerified
	}

	code, err := crypto.GenerateNumericCode(verificationCodeDigits)
	if err != nil {
		return fmt.Errorf("auth service: generate verification code: %w", err)
	}

	expiry := s.now().Add(s.verificationTTL)
	updates := map[string]any{
		"verification_code":       code,
		"verification_expires_at": expiry,
	}
	if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return fmt.Errorf("auth service: store verification code: %w", err)
	}

	return s.sendVerification(ctx, user.Email, code)
}

// Signin authenticates an email/password pair and issues a token pair. A
// missing account and a wrong password produce the same failure; an
// unverified account is reported distinctly.
func (s *AuthService) Signin(ctx context.Context, email, password string) (SigninResult, error) {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return SigninResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return SigninResult{}, fmt.Errorf("auth service: find account: %w", err)
	}

	if !user.IsVerified {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return SigninResult{}, ErrEmailNotVerified
	}

	if !crypto.VerifyPassword(user.Password, password) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return SigninResult{}, ErrInvalidCredentials
	}

	pair, err := s.tokens.Issue(ctx, user.ID)
	if err != nil {
		return SigninResult{}, fmt.Errorf("auth service: issue tokens: %w", err)
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	metrics.TokensIssued.WithLabelValues("signin").Inc()
	return SigninResult{Tokens: pair, UserID: user.ID}, nil
}

// ChangePassword replaces the password of an authenticated account after
// checking the old one. Existing refresh tokens are left untouched; callers
// wanting cascade revocation do it explicitly.
func (s *AuthService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("auth service: find account: %w", err)
	}

	if !crypto.VerifyPassword(user.Password, oldPassword) {
		return ErrInvalidCredentials
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("auth service: hash password: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&user).Update("password", hashed).Error; err != nil {
		return fmt.Errorf("auth service: update password: %w", err)
	}

	return nil
}

// ForgotPassword creates a reset token for the account and emails the link.
// Earlier outstanding tokens remain valid until they expire or one of them is
// used.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Do not disclose whether the address is registered.
		return apperrors.ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("auth service: find account: %w", err)
	}

	token, err := crypto.GenerateToken(resetTokenBytes)
	if err != nil {
		return fmt.Errorf("auth service: generate reset token: %w", err)
	}

	record := models.ResetToken{
		UserID:    user.ID,
		Token:     token,
		ExpiresAt: s.now().Add(s.resetTTL),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("auth service: create reset token: %w", err)
	}

	nctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	if err := s.notifier.SendPasswordReset(nctx, user.Email, token); err != nil {
		s.log.Error("password reset email failed", zap.Error(err))
		return ErrNotificationFailed.WithInternal(err)
	}

	return nil
}

// ResetPassword consumes a reset token and installs the new password. The
// token row is deleted on success; a second call with the same token fails.
func (s *AuthService) ResetPassword(ctx context.Context, newPassword, resetToken string) error {
	ctx = ensureContext(ctx)
	now := s.now()

	var record models.ResetToken
	err := s.db.WithContext(ctx).
		Where("token = ? AND expires_at > ?", resetToken, now).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvalidResetToken
	}
	if err != nil {
		return fmt.Errorf("auth service: find reset token: %w", err)
	}

	var user models.User
	err = s.db.WithContext(ctx).Take(&user, "id = ?", record.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// A live token pointing at a missing account is an invariant
		// violation, not a user error.
		return apperrors.ErrInternalServer.WithInternal(
			fmt.Errorf("auth service: reset token %s references missing account %s", record.ID, record.UserID))
	}
	if err != nil {
		return fmt.Errorf("auth service: find account: %w", err)
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("auth service: hash password: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&user).Update("password", hashed).Error; err != nil {
		return fmt.Errorf("auth service: update password: %w", err)
	}

	if err := s.db.WithContext(ctx).Delete(&models.ResetToken{}, "id = ?", record.ID).Error; err != nil {
		return fmt.Errorf("auth service: consume reset token: %w", err)
	}

	return nil
}

// Refresh exchanges a refresh token for a new pair, rotating the stored value.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (iauth.TokenPair, error) {
	ctx = ensureContext(ctx)

	pair, err := s.tokens.Refresh(ctx, refreshToken)
	if errors.Is(err, iauth.ErrRefreshTokenInvalid) {
		return iauth.TokenPair{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return iauth.TokenPair{}, fmt.Errorf("auth service: refresh tokens: %w", err)
	}

	metrics.TokensIssued.WithLabelValues("refresh").Inc()
	return pair, nil
}

// CleanupExpiredResetTokens removes reset token rows past their expiry.
func (s *AuthService) CleanupExpiredResetTokens(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ensureContext(ctx)).
		Where("expires_at < ?", s.now()).
		Delete(&models.ResetToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("auth service: cleanup reset tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CleanupExpiredVerificationCodes clears codes whose expiry has passed. The
// account rows themselves are kept; only the dead code is dropped.
func (s *AuthService) CleanupExpiredVerificationCodes(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ensureContext(ctx)).
		Model(&models.User{}).
		Where("is_verified = ? AND verification_expires_at < ?", false, s.now()).
		Updates(map[string]any{
			"verification_code":       nil,
			"verification_expires_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("auth service: cleanup verification codes: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// sendVerification dispatches the code with its own timeout so a slow mail
// dependency cannot hold the request. The preceding state mutation is already
// committed and is never rolled back here.
func (s *AuthService) sendVerification(ctx context.Context, email, code string) error {
	nctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()

	if err := s.notifier.SendVerification(nctx, email, code); err != nil {
		s.log.Error("verification email failed", zap.Error(err))
		return ErrNotificationFailed.WithInternal(err)
	}
	return nil
}
