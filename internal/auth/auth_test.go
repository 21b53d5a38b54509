package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// TokensSuite is a test suite for token issuing and verification.
type TokensSuite struct {
	suite.Suite
	tokens *Tokens
	now    time.Time
}

func (s *TokensSuite) SetupTest() {
	tokens, err := NewTokens("test-secret", time.Hour)
	s.Require().NoError(err)
	s.now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tokens.now = func() time.Time { return s.now }
	s.tokens = tokens
}

func TestTokensSuite(t *testing.T) {
	suite.Run(t, new(TokensSuite))
}

func (s *TokensSuite) TestRoundTrip() {
	raw, err := s.tokens.Issue("user-1")
	s.Require().NoError(err)

	userID, err := s.tokens.Verify(raw)
	s.Require().NoError(err)
	s.Equal("user-1", userID)
}

func (s *TokensSuite) TestExpired() {
	raw, err := s.tokens.Issue("user-1")
	s.Require().NoError(err)

	s.now = s.now.Add(2 * time.Hour)
	_, err = s.tokens.Verify(raw)
	s.ErrorIs(err, ErrInvalidToken)
}

func (s *TokensSuite) TestWrongSecret() {
	other, err := NewTokens("other-secret", time.Hour)
	s.Require().NoError(err)
	other.now = s.tokens.now

	raw, err := other.Issue("user-1")
	s.Require().NoError(err)

	_, err = s.tokens.Verify(raw)
	s.ErrorIs(err, ErrInvalidToken)
}

func (s *TokensSuite) TestRejectsNoneAlgorithm() {
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(s.now.Add(time.Hour)),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	s.Require().NoError(err)

	_, err = s.tokens.Verify(raw)
	s.ErrorIs(err, ErrInvalidToken)
}

func (s *TokensSuite) TestGarbage() {
	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := s.tokens.Verify(raw)
		s.ErrorIs(err, ErrInvalidToken, "token %q", raw)
	}
}

func (s *TokensSuite) TestMiddleware() {
	raw, err := s.tokens.Issue("user-7")
	s.Require().NoError(err)

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	plain := s.tokens.Middleware(next)
	streaming := s.tokens.StreamMiddleware(next)

	tests := []struct {
		name       string
		handler    http.Handler
		build      func() *http.Request
		wantStatus int
		wantUser   string
	}{
		{
			name:    "bearer header",
			handler: plain,
			build: func() *http.Request {
				req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
				req.Header.Set("Authorization", "Bearer "+raw)
				return req
			},
			wantStatus: http.StatusNoContent,
			wantUser:   "user-7",
		},
		{
			name:    "query token rejected",
			handler: plain,
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/api/conversations?token="+raw, nil)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:    "stream query token",
			handler: streaming,
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/api/conversations/c/messages/m/stream?token="+raw, nil)
			},
			wantStatus: http.StatusNoContent,
			wantUser:   "user-7",
		},
		{
			name:    "stream bearer header",
			handler: streaming,
			build: func() *http.Request {
				req := httptest.NewRequest(http.MethodGet, "/api/conversations/c/messages/m/stream", nil)
				req.Header.Set("Authorization", "Bearer "+raw)
				return req
			},
			wantStatus: http.StatusNoContent,
			wantUser:   "user-7",
		},
		{
			name:    "missing token",
			handler: plain,
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:    "bad token",
			handler: streaming,
			build: func() *http.Request {
				req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
				req.Header.Set("Authorization", "Bearer nope")
				return req
			},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			seen = ""
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, tt.build())
			s.Equal(tt.wantStatus, rec.Code)
			s.Equal(tt.wantUser, seen)
		})
	}
}

func TestNewTokens(t *testing.T) {
	_, err := NewTokens("", time.Hour)
	assert.Error(t, err)

	tokens, err := NewTokens("s", 0)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, tokens.TTL())
}

func TestPassword(t *testing.T) {
	_, err := HashPassword("short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)

	assert.NoError(t, CheckPassword(hash, "correct horse"))
	assert.ErrorIs(t, CheckPassword(hash, "wrong horse"), ErrInvalidCredentials)
	assert.ErrorIs(t, CheckPassword("", "anything"), ErrInvalidCredentials)
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?token=from-query", nil)
	assert.Equal(t, "", TokenFromRequest(req))
	assert.Equal(t, "from-query", StreamToken(req))

	req.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", TokenFromRequest(req))
	assert.Equal(t, "from-header", StreamToken(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", TokenFromRequest(req))
	assert.Equal(t, "from-query", StreamToken(req))
}
