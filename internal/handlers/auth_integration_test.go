package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trananhvu/authgate/internal/handlers/testutil"
)

func TestAuthHandler_SignupVerifySignin(t *testing.T) {
	env := testutil.NewEnv(t)

	signup := env.Request(http.MethodPost, "/api/auth/signup", map[string]string{
		"name":     "Ann",
		"email":    "ann@example.com",
		"password": "AuthPassw0rd!",
	}, "")
	require.Equal(t, http.StatusCreated, signup.Code, signup.Body.String())

	// Signing in before verification is rejected with a distinct error.
	unverified := env.Request(http.MethodPost, "/api/auth/signin", map[string]string{
		"email":    "ann@example.com",
		"password": "AuthPassw0rd!",
	}, "")
	require.Equal(t, http.StatusUnauthorized, unverified.Code)
	require.Equal(t, "EMAIL_NOT_VERIFIED", testutil.DecodeResponse(t, unverified).Error.Code)

	wrongCode := env.Request(http.MethodPost, "/api/auth/verify-email", map[string]string{
		"email": "ann@example.com",
		"code":  "000000",
	}, "")
	require.Equal(t, http.StatusUnauthorized, wrongCode.Code)

	verify := env.Request(http.MethodPost, "/api/auth/verify-email", map[string]string{
		"email": "ann@example.com",
		"code":  env.Notifier.Code("ann@example.com"),
	}, "")
	require.Equal(t, http.StatusOK, verify.Code, verify.Body.String())

	signin := env.Signin("ann@example.com", "AuthPassw0rd!")

	me := env.Request(http.MethodGet, "/api/auth/me", nil, signin.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, me.Code)
	meResp := testutil.DecodeResponse(t, me)
	require.True(t, meResp.Success)
	var meData map[string]any
	testutil.DecodeInto(t, meResp.Data, &meData)
	require.Equal(t, signin.UserID, meData["id"])
	require.Equal(t, "ann@example.com", meData["email"])
	require.Equal(t, true, meData["is_verified"])
}

func TestAuthHandler_SignupValidation(t *testing.T) {
	env := testutil.NewEnv(t)

	resp := env.Request(http.MethodPost, "/api/auth/signup", map[string]any{
		"name":     "Ann",
		"email":    "not-an-email",
		"password": "short",
	}, "")
	require.Equal(t, http.StatusBadRequest, resp.Code)
	decoded := testutil.DecodeResponse(t, resp)
	require.False(t, decoded.Success)
	require.NotNil(t, decoded.Error)
	require.Equal(t, "BAD_REQUEST", decoded.Error.Code)
}

func TestAuthHandler_DuplicateSignup(t *testing.T) {
	env := testutil.NewEnv(t)
	env.SignupVerified("ann@example.com", "AuthPassw0rd!")

	resp := env.Request(http.MethodPost, "/api/auth/signup", map[string]string{
		"name":     "Ann again",
		"email":    "Ann@Example.com",
		"password": "AuthPassw0rd!",
	}, "")
	require.Equal(t, http.StatusConflict, resp.Code)
	require.Equal(t, "EMAIL_TAKEN", testutil.DecodeResponse(t, resp).Error.Code)
}

func TestAuthHandler_RefreshRotation(t *testing.T) {
	env := testutil.NewEnv(t)
	env.SignupVerified("ann@example.com", "AuthPassw0rd!")
	signin := env.Signin("ann@example.com", "AuthPassw0rd!")

	refresh := env.Request(http.MethodPost, "/api/auth/refresh", map[string]string{
		"refresh_token": signin.Tokens.RefreshToken,
	}, "")
	require.Equal(t, http.StatusOK, refresh.Code, refresh.Body.String())

	var rotated testutil.TokenPair
	testutil.DecodeInto(t, testutil.DecodeResponse(t, refresh).Data, &rotated)
	require.NotEmpty(t, rotated.AccessToken)
	require.NotEqual(t, signin.Tokens.RefreshToken, rotated.RefreshToken)

	// The consumed refresh token no longer works.
	replay := env.Request(http.MethodPost, "/api/auth/refresh", map[string]string{
		"refresh_token": signin.Tokens.RefreshToken,
	}, "")
	require.Equal(t, http.StatusUnauthorized, replay.Code)
}

func TestAuthHandler_PasswordResetFlow(t *testing.T) {
	env := testutil.NewEnv(t)
	env.SignupVerified("ann@example.com", "AuthPassw0rd!")

	forgot := env.Request(http.MethodPost, "/api/auth/forgot-password", map[string]string{
		"email": "ann@example.com",
	}, "")
	require.Equal(t, http.StatusOK, forgot.Code, forgot.Body.String())

	token := env.Notifier.ResetToken("ann@example.com")
	require.NotEmpty(t, token)

	reset := env.Request(http.MethodPost, "/api/auth/reset-password", map[string]string{
		"token":        token,
		"new_password": "NewPassw0rd!",
	}, "")
	require.Equal(t, http.StatusOK, reset.Code, reset.Body.String())

	// Single use: the same token is dead afterwards.
	replay := env.Request(http.MethodPost, "/api/auth/reset-password", map[string]string{
		"token":        token,
		"new_password": "OtherPassw0rd!",
	}, "")
	require.Equal(t, http.StatusUnauthorized, replay.Code)

	old := env.Request(http.MethodPost, "/api/auth/signin", map[string]string{
		"email":    "ann@example.com",
		"password": "AuthPassw0rd!",
	}, "")
	require.Equal(t, http.StatusUnauthorized, old.Code)

	env.Signin("ann@example.com", "NewPassw0rd!")
}

func TestAuthHandler_ChangePassword(t *testing.T) {
	env := testutil.NewEnv(t)
	env.SignupVerified("ann@example.com", "AuthPassw0rd!")
	signin := env.Signin("ann@example.com", "AuthPassw0rd!")

	// Requires authentication.
	anon := env.Request(http.MethodPost, "/api/auth/change-password", map[string]string{
		"old_password": "AuthPassw0rd!",
		"new_password": "NewPassw0rd!",
	}, "")
	require.Equal(t, http.StatusUnauthorized, anon.Code)

	wrong := env.Request(http.MethodPost, "/api/auth/change-password", map[string]string{
		"old_password": "WrongPassw0rd!",
		"new_password": "NewPassw0rd!",
	}, signin.Tokens.AccessToken)
	require.Equal(t, http.StatusUnauthorized, wrong.Code)

	ok := env.Request(http.MethodPost, "/api/auth/change-password", map[string]string{
		"old_password": "AuthPassw0rd!",
		"new_password": "NewPassw0rd!",
	}, signin.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())

	env.Signin("ann@example.com", "NewPassw0rd!")
}
