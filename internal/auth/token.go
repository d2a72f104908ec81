package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"chat-gateway/internal/repositories"
)

// ErrAuthenticationFailed is the single outcome of every verification failure.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Claims is the access token payload. UserID is the subject.
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Verifier resolves bearer credentials to user ids.
type Verifier interface {
	Verify(ctx context.Context, token string) (int64, error)
}

// TokenVerifier checks signature and expiry of HMAC-signed access tokens
// and resolves the subject against the users table.
type TokenVerifier struct {
	secret    []byte
	algorithm string
	users     repositories.UserRepository
}

// NewTokenVerifier constructs a TokenVerifier. algorithm is one of HS256, HS384, HS512.
func NewTokenVerifier(secret, algorithm string, users repositories.UserRepository) *TokenVerifier {
	if algorithm == "" {
		algorithm = jwt.SigningMethodHS256.Alg()
	}
	return &TokenVerifier{secret: []byte(secret), algorithm: algorithm, users: users}
}

// Verify returns the user id carried by token or ErrAuthenticationFailed.
func (v *TokenVerifier) Verify(ctx context.Context, token string) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, ErrAuthenticationFailed
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrAuthenticationFailed
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{v.algorithm}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid || claims.UserID <= 0 {
		return 0, ErrAuthenticationFailed
	}

	exists, err := v.users.UserExists(ctx, claims.UserID)
	if err != nil || !exists {
		return 0, ErrAuthenticationFailed
	}
	return claims.UserID, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
