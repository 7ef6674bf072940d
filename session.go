package chatsync

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for REST calls and the socket handshake.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenRefresher is implemented by sources that can obtain a fresh token
// after the server reports expiry.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, e.g. from a config file.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	return checkToken(string(t), time.Now())
}

// checkToken rejects empty tokens and JWTs already past their exp claim.
// Opaque (non-JWT) tokens are passed through; the backend is the judge.
func checkToken(token string, now time.Time) (string, error) {
	if token == "" {
		return "", &AuthError{Reason: "no session token"}
	}
	if exp, ok := TokenExpiry(token); ok && !exp.After(now) {
		return "", &AuthError{Reason: "token expired"}
	}
	return token, nil
}

// TokenExpiry returns the exp claim of a JWT without verifying its signature.
func TokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// CookieSession reads the session token from a cookie set by the identity API.
type CookieSession struct {
	Jar    http.CookieJar
	URL    *url.URL
	Name   string
	// Refresh, when set, asks the identity API to rotate the cookie.
	Refresh func(ctx context.Context) error
}

func (s *CookieSession) Token(ctx context.Context) (string, error) {
	if s.Jar == nil || s.URL == nil {
		return "", &AuthError{Reason: "no cookie jar"}
	}
	for _, c := range s.Jar.Cookies(s.URL) {
		if c.Name == s.Name {
			return checkToken(c.Value, time.Now())
		}
	}
	return "", &AuthError{Reason: "no session cookie " + s.Name}
}

func (s *CookieSession) RefreshToken(ctx context.Context) (string, error) {
	if s.Refresh == nil {
		return "", &AuthError{Reason: "refresh not supported"}
	}
	if err := s.Refresh(ctx); err != nil {
		return "", &AuthError{Reason: "refresh failed", Err: err}
	}
	return s.Token(ctx)
}
