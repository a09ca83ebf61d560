package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/trananhvu/authgate/internal/api"
	iauth "github.com/trananhvu/authgate/internal/auth"
	sharedtestutil "github.com/trananhvu/authgate/internal/database/testutil"
	"github.com/trananhvu/authgate/internal/services"
	"github.com/trananhvu/authgate/pkg/response"
)

// CapturingNotifier records the codes and tokens that would have been emailed
// so integration tests can drive the full verification and reset flows.
type CapturingNotifier struct {
	mu     sync.Mutex
	Codes  map[string]string
	Resets map[string]string
	Err    error
}

func NewCapturingNotifier() *CapturingNotifier {
	return &CapturingNotifier{
		Codes:  make(map[string]string),
		Resets: make(map[string]string),
	}
}

func (n *CapturingNotifier) SendVerification(ctx context.Context, email, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Codes[email] = code
	return nil
}

func (n *CapturingNotifier) SendPasswordReset(ctx context.Context, email, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Resets[email] = token
	return nil
}

// Code returns the last verification code sent to the address.
func (n *CapturingNotifier) Code(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Codes[email]
}

// ResetToken returns the last reset token sent to the address.
func (n *CapturingNotifier) ResetToken(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Resets[email]
}

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T        *testing.T
	DB       *gorm.DB
	Router   *gin.Engine
	JWT      *iauth.JWTService
	Notifier *CapturingNotifier
}

// NewEnv provisions a fresh handler test environment with migrations applied.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "test-suite-super-secret-key-32-bytes!!",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	tokenSvc, err := iauth.NewTokenService(db, jwtSvc, iauth.TokenConfig{})
	require.NoError(t, err)

	notifier := NewCapturingNotifier()
	authSvc, err := services.NewAuthService(db, tokenSvc, notifier, services.AuthConfig{})
	require.NoError(t, err)

	router, err := api.NewRouter(db, jwtSvc, authSvc)
	require.NoError(t, err)

	return &Env{
		T:        t,
		DB:       db,
		Router:   router,
		JWT:      jwtSvc,
		Notifier: notifier,
	}
}

// TokenPair mirrors the handler token response payload.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// SigninResult bundles the JSON response from POST /api/auth/signin.
type SigninResult struct {
	Tokens TokenPair `json:"tokens"`
	UserID string    `json:"user_id"`
}

// SignupVerified registers an account through the API and completes email
// verification using the captured code.
func (e *Env) SignupVerified(email, password string) {
	e.T.Helper()

	signup := e.Request(http.MethodPost, "/api/auth/signup", map[string]string{
		"name":     "Test User",
		"email":    email,
		"password": password,
	}, "")
	require.Equal(e.T, http.StatusCreated, signup.Code, signup.Body.String())

	code := e.Notifier.Code(email)
	require.NotEmpty(e.T, code)

	verify := e.Request(http.MethodPost, "/api/auth/verify-email", map[string]string{
		"email": email,
		"code":  code,
	}, "")
	require.Equal(e.T, http.StatusOK, verify.Code, verify.Body.String())
}

// Signin authenticates through the API and returns the issued token pair.
func (e *Env) Signin(email, password string) SigninResult {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/auth/signin", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var result SigninResult
	DecodeInto(e.T, resp.Data, &result)
	require.NotEmpty(e.T, result.Tokens.AccessToken)
	require.NotEmpty(e.T, result.Tokens.RefreshToken)

	return result
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(e.T, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
