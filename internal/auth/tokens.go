// Package auth validates the bearer credentials attached to preview content
// requests. Tokens are HS256 JWTs issued by the platform's login service;
// this package only verifies them.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("invalid access token")
	ErrTokenExpired = errors.New("access token expired")
)

// PreviewClaims are the JWT claims carried by platform access tokens.
type PreviewClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// Verifier validates access tokens against the shared signing secret. It
// keeps a small cache of recently verified tokens so hot proxy paths avoid
// re-parsing the same credential on every request.
type Verifier struct {
	secret []byte

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	userID string
	expiry time.Time
}

// NewVerifier creates a Verifier for the given HMAC signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		cache:  make(map[string]cachedToken),
	}
}

// Verify validates the token and returns the authenticated user id.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrTokenInvalid
	}

	v.mu.Lock()
	if cached, ok := v.cache[token]; ok {
		if time.Now().Before(cached.expiry) {
			v.mu.Unlock()
			return cached.userID, nil
		}
		delete(v.cache, token)
	}
	v.mu.Unlock()

	claims := &PreviewClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	if !parsed.Valid || claims.UserID == "" {
		return "", ErrTokenInvalid
	}

	expiry := time.Now().Add(time.Minute)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(expiry) {
		expiry = claims.ExpiresAt.Time
	}

	v.mu.Lock()
	v.cache[token] = cachedToken{userID: claims.UserID, expiry: expiry}
	v.mu.Unlock()

	return claims.UserID, nil
}

// IssueToken mints a signed access token for the user. Used by the login
// bridge and by tests.
func (v *Verifier) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := PreviewClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
