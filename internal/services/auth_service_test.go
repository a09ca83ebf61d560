package services

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/trananhvu/authgate/internal/auth"
	"github.com/trananhvu/authgate/internal/database/testutil"
	"github.com/trananhvu/authgate/internal/models"
	apperrors "github.com/trananhvu/authgate/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeNotifier struct {
	mu     sync.Mutex
	codes  map[string]string
	resets map[string][]string
	err    error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		codes:  make(map[string]string),
		resets: make(map[string][]string),
	}
}

func (n *fakeNotifier) SendVerification(ctx context.Context, email, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.codes[email] = code
	return nil
}

func (n *fakeNotifier) SendPasswordReset(ctx context.Context, email, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.resets[email] = append(n.resets[email], token)
	return nil
}

func (n *fakeNotifier) setError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *fakeNotifier) lastCode(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[email]
}

func (n *fakeNotifier) resetTokens(email string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.resets[email]...)
}

type authFixture struct {
	svc      *AuthService
	db       *gorm.DB
	clock    *fakeClock
	notifier *fakeNotifier
	jwt      *iauth.JWTService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := newFakeClock()

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret: "test-secret",
		Issuer: "authgate-test",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	tokenService, err := iauth.NewTokenService(db, jwtService, iauth.TokenConfig{Clock: clock.Now})
	require.NoError(t, err)

	notifier := newFakeNotifier()
	svc, err := NewAuthService(db, tokenService, notifier, AuthConfig{Clock: clock.Now})
	require.NoError(t, err)

	return &authFixture{svc: svc, db: db, clock: clock, notifier: notifier, jwt: jwtService}
}

func (f *authFixture) signup(t *testing.T, email, password string) *models.User {
	t.Helper()

	user, err := f.svc.Signup(context.Background(), SignupInput{
		Name:     "Ann",
		Email:    email,
		Password: password,
	})
	require.NoError(t, err)
	return user
}

func (f *authFixture) signupVerified(t *testing.T, email, password string) *models.User {
	t.Helper()

	user := f.signup(t, email, password)
	require.NoError(t, f.svc.VerifyEmail(context.Background(), email, f.notifier.lastCode(email)))
	return user
}

func TestSignupCreatesUnverifiedAccount(t *testing.T) {
	f := newAuthFixture(t)

	user := f.signup(t, "ann@example.com", "s3cret-pass")

	require.NotEmpty(t, user.ID)
	require.False(t, user.IsVerified)
	require.NotEqual(t, "s3cret-pass", user.Password)

	code := f.notifier.lastCode("ann@example.com")
	require.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)

	var stored models.User
	require.NoError(t, f.db.Take(&stored, "id = ?", user.ID).Error)
	require.NotNil(t, stored.VerificationCode)
	require.Equal(t, code, *stored.VerificationCode)
	require.NotNil(t, stored.VerificationExpiresAt)
	require.WithinDuration(t, f.clock.Now().Add(15*time.Minute), *stored.VerificationExpiresAt, time.Second)
}

func TestSignupNormalizesAndRejectsDuplicateEmail(t *testing.T) {
	f := newAuthFixture(t)

	f.signup(t, "Ann@Example.com ", "s3cret-pass")

	var stored models.User
	require.NoError(t, f.db.Take(&stored, "email = ?", "ann@example.com").Error)

	_, err := f.svc.Signup(context.Background(), SignupInput{
		Name:     "Ann again",
		Email:    "ANN@example.com",
		Password: "other-pass",
	})
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestSignupNotifierFailureKeepsAccount(t *testing.T) {
	f := newAuthFixture(t)
	f.notifier.setError(errors.New("smtp down"))

	_, err := f.svc.Signup(context.Background(), SignupInput{
		Name:     "Ann",
		Email:    "ann@example.com",
		Password: "s3cret-pass",
	})
	require.Error(t, err)

	appErr := apperrors.FromError(err)
	require.Equal(t, http.StatusBadGateway, appErr.StatusCode)

	// The account row survives the failed send so the user can recover via a
	// resend instead of hitting the duplicate-email check.
	var stored models.User
	require.NoError(t, f.db.Take(&stored, "email = ?", "ann@example.com").Error)
	require.False(t, stored.IsVerified)

	f.notifier.setError(nil)
	require.NoError(t, f.svc.ResendVerification(context.Background(), "ann@example.com"))

	code := f.notifier.lastCode("ann@example.com")
	require.NotEmpty(t, code)
	require.NoError(t, f.svc.VerifyEmail(context.Background(), "ann@example.com", code))
}

func TestResendVerificationSupersedesPreviousCode(t *testing.T) {
	f := newAuthFixture(t)

	f.signup(t, "ann@example.com", "s3cret-pass")
	first := f.notifier.lastCode("ann@example.com")

	require.NoError(t, f.svc.ResendVerification(context.Background(), "ann@example.com"))
	second := f.notifier.lastCode("ann@example.com")

	if first != second {
		require.ErrorIs(t, f.svc.VerifyEmail(context.Background(), "ann@example.com", first), ErrInvalidCode)
	}
	require.NoError(t, f.svc.VerifyEmail(context.Background(), "ann@example.com", second))
}

func TestResendVerificationRejectsVerifiedAndUnknown(t *testing.T) {
	f := newAuthFixture(t)

	f.signupVerified(t, "ann@example.com", "s3cret-pass")
	require.ErrorIs(t, f.svc.ResendVerification(context.Background(), "ann@example.com"), ErrAlreadyVerified)

	err := f.svc.ResendVerification(context.Background(), "ghost@example.com")
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestVerifyEmailFlow(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.signup(t, "ann@example.com", "s3cret-pass")
	code := f.notifier.lastCode("ann@example.com")

	require.ErrorIs(t, f.svc.VerifyEmail(ctx, "ann@example.com", "000000"), ErrInvalidCode)
	require.ErrorIs(t, f.svc.VerifyEmail(ctx, "ghost@example.com", code), ErrAccountNotFound)

	require.NoError(t, f.svc.VerifyEmail(ctx, "ann@example.com", code))

	var stored models.User
	require.NoError(t, f.db.Take(&stored, "email = ?", "ann@example.com").Error)
	require.True(t, stored.IsVerified)
	require.Nil(t, stored.VerificationCode)
	require.Nil(t, stored.VerificationExpiresAt)

	require.ErrorIs(t, f.svc.VerifyEmail(ctx, "ann@example.com", code), ErrAlreadyVerified)
}

func TestVerifyEmailExpiredCode(t *testing.T) {
	f := newAuthFixture(t)

	f.signup(t, "ann@example.com", "s3cret-pass")
	code := f.notifier.lastCode("ann@example.com")

	f.clock.Advance(16 * time.Minute)
	require.ErrorIs(t, f.svc.VerifyEmail(context.Background(), "ann@example.com", code), ErrInvalidCode)
}

func TestSigninRequiresVerifiedAccount(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.signup(t, "ann@example.com", "s3cret-pass")

	_, err := f.svc.Signin(ctx, "ann@example.com", "s3cret-pass")
	require.ErrorIs(t, err, ErrEmailNotVerified)

	require.NoError(t, f.svc.VerifyEmail(ctx, "ann@example.com", f.notifier.lastCode("ann@example.com")))

	result, err := f.svc.Signin(ctx, "ann@example.com", "s3cret-pass")
	require.NoError(t, err)
	require.NotEmpty(t, result.Tokens.AccessToken)
	require.NotEmpty(t, result.Tokens.RefreshToken)

	claims, err := f.jwt.ValidateAccessToken(result.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, result.UserID, claims.UserID)
}

func TestSigninRejectsBadCredentials(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.signupVerified(t, "ann@example.com", "s3cret-pass")

	_, err := f.svc.Signin(ctx, "ann@example.com", "wrong-pass")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Unknown address yields the same failure as a wrong password.
	_, err = f.svc.Signin(ctx, "ghost@example.com", "s3cret-pass")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.signupVerified(t, "ann@example.com", "s3cret-pass")
	result, err := f.svc.Signin(ctx, "ann@example.com", "s3cret-pass")
	require.NoError(t, err)

	pair, err := f.svc.Refresh(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, result.Tokens.RefreshToken, pair.RefreshToken)

	// The presented token was replaced by the rotation and is dead now.
	_, err = f.svc.Refresh(ctx, result.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	var count int64
	require.NoError(t, f.db.Model(&models.RefreshToken{}).Where("user_id = ?", result.UserID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.signupVerified(t, "ann@example.com", "s3cret-pass")
	result, err := f.svc.Signin(ctx, "ann@example.com", "s3cret-pass")
	require.NoError(t, err)

	f.clock.Advance(73 * time.Hour)
	_, err = f.svc.Refresh(ctx, result.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestChangePassword(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	user := f.signupVerified(t, "ann@example.com", "s3cret-pass")

	require.ErrorIs(t, f.svc.ChangePassword(ctx, user.ID, "wrong-pass", "new-pass"), ErrInvalidCredentials)
	require.ErrorIs(t, f.svc.ChangePassword(ctx, "missing-id", "s3cret-pass", "new-pass"), ErrAccountNotFound)

	require.NoError(t, f.svc.ChangePassword(ctx, user.ID, "s3cret-pass", "new-pass"))

	_, err := f.svc.Signin(ctx, "ann@example.com", "s3cret-pass")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.Signin(ctx, "ann@example.com", "new-pass")
	require.NoError(t, err)
}

func TestForgotPasswordUnknownEmail(t *testing.T) {
	f := newAuthFixture(t)

	err := f.svc.ForgotPassword(context.Background(), "ghost@example.com")
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestResetPasswordIsSingleUse(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.signupVerified(t, "ann@example.com", "s3cret-pass")
	require.NoError(t, f.svc.ForgotPassword(ctx, "ann@example.com"))

	tokens := f.notifier.resetTokens("ann@example.com")
	require.Len(t, tokens, 1)

	require.NoError(t, f.svc.ResetPassword(ctx, "new-pass", tokens[0]))

	_, err := f.svc.Signin(ctx, "ann@example.com", "new-pass")
	require.NoError(t, err)

	// The token row was deleted on success; replaying it fails.
	require.ErrorIs(t, f.svc.ResetPassword(ctx, "another-pass", tokens[0]), ErrInvalidResetToken)

	_, err = f.svc.Signin(ctx, "ann@example.com", "another-pass")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestResetPasswordExpiredToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.signupVerified(t, "ann@example.com", "s3cret-pass")
	require.NoError(t, f.svc.ForgotPassword(ctx, "ann@example.com"))

	token := f.notifier.resetTokens("ann@example.com")[0]
	f.clock.Advance(73 * time.Hour)

	require.ErrorIs(t, f.svc.ResetPassword(ctx, "new-pass", token), ErrInvalidResetToken)
}

func TestOutstandingResetTokensStayValidUntilUsed(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.signupVerified(t, "ann@example.com", "s3cret-pass")
	require.NoError(t, f.svc.ForgotPassword(ctx, "ann@example.com"))
	require.NoError(t, f.svc.ForgotPassword(ctx, "ann@example.com"))

	tokens := f.notifier.resetTokens("ann@example.com")
	require.Len(t, tokens, 2)
	require.NotEqual(t, tokens[0], tokens[1])

	// Requesting a second token does not invalidate the first.
	require.NoError(t, f.svc.ResetPassword(ctx, "new-pass", tokens[0]))
	require.NoError(t, f.svc.ResetPassword(ctx, "newer-pass", tokens[1]))
}

func TestForgotPasswordNotifierFailure(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.signupVerified(t, "ann@example.com", "s3cret-pass")
	f.notifier.setError(errors.New("smtp down"))

	err := f.svc.ForgotPassword(ctx, "ann@example.com")
	require.Error(t, err)
	require.Equal(t, http.StatusBadGateway, apperrors.FromError(err).StatusCode)
}

func TestCleanupExpiredResetTokens(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.signupVerified(t, "ann@example.com", "s3cret-pass")
	require.NoError(t, f.svc.ForgotPassword(ctx, "ann@example.com"))

	f.clock.Advance(73 * time.Hour)
	require.NoError(t, f.svc.ForgotPassword(ctx, "ann@example.com"))

	removed, err := f.svc.CleanupExpiredResetTokens(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	var count int64
	require.NoError(t, f.db.Model(&models.ResetToken{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCleanupExpiredVerificationCodes(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	f.signup(t, "ann@example.com", "s3cret-pass")
	f.clock.Advance(16 * time.Minute)
	f.signup(t, "bob@example.com", "s3cret-pass")

	cleared, err := f.svc.CleanupExpiredVerificationCodes(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, cleared)

	var ann models.User
	require.NoError(t, f.db.Take(&ann, "email = ?", "ann@example.com").Error)
	require.Nil(t, ann.VerificationCode)

	var bob models.User
	require.NoError(t, f.db.Take(&bob, "email = ?", "bob@example.com").Error)
	require.NotNil(t, bob.VerificationCode)
}
