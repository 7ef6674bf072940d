package chatsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestStaticToken(t *testing.T) {
	ctx := context.Background()

	tok, err := StaticToken("opaque-session-id").Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "opaque-session-id", tok)

	_, err = StaticToken("").Token(ctx)
	assert.True(t, IsAuthError(err))

	valid := signedToken(t, time.Now().Add(time.Hour))
	tok, err = StaticToken(valid).Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, valid, tok)

	_, err = StaticToken(signedToken(t, time.Now().Add(-time.Minute))).Token(ctx)
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "token expired", ae.Reason)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := TokenExpiry(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = TokenExpiry("not-a-jwt")
	assert.False(t, ok)
}

func TestCookieSession(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u, _ := url.Parse("https://market.example.com/")
	s := &CookieSession{Jar: jar, URL: u, Name: "session"}
	ctx := context.Background()

	_, err = s.Token(ctx)
	assert.True(t, IsAuthError(err))

	jar.SetCookies(u, []*http.Cookie{{Name: "session", Value: "v1"}})
	tok, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", tok)

	_, err = s.RefreshToken(ctx)
	assert.True(t, IsAuthError(err), "no refresh func configured")

	s.Refresh = func(ctx context.Context) error {
		jar.SetCookies(u, []*http.Cookie{{Name: "session", Value: "v2"}})
		return nil
	}
	tok, err = s.RefreshToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", tok)

	s.Refresh = func(ctx context.Context) error { return errors.New("identity api down") }
	_, err = s.RefreshToken(ctx)
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "refresh failed", ae.Reason)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(ChatActive, ChatClosed))
	assert.NoError(t, ValidateTransition(ChatActive, ChatSuccessfullyCompleted))
	assert.Error(t, ValidateTransition(ChatActive, ChatActive))
	assert.Error(t, ValidateTransition(ChatClosed, ChatSuccessfullyCompleted))
	assert.Error(t, ValidateTransition(ChatActive, "archived"))
}
