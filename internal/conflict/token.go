package conflict

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenPurpose scopes resolution tokens so other JWTs issued with the same
// secret cannot be replayed against the resolve endpoint.
const tokenPurpose = "conflict_resolution"

// DefaultTokenTTL bounds how long a notification deep link stays usable.
const DefaultTokenTTL = 24 * time.Hour

var (
	ErrTokenPurpose = errors.New("token was not issued for conflict resolution")
	ErrTokenSubject = errors.New("token subject is not a conflict id")
)

type tokenClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// TokenSigner mints and validates the short-lived tokens embedded in
// conflict notification links.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenSigner(secret string, ttl time.Duration) (*TokenSigner, error) {
	if secret == "" {
		return nil, errors.New("conflict token secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenSigner{secret: []byte(secret), ttl: ttl}, nil
}

// Issue signs a resolution token for one conflict.
func (s *TokenSigner) Issue(conflictID int64) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Purpose: tokenPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "edgesync",
			Subject:   strconv.FormatInt(conflictID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign conflict token: %w", err)
	}
	return token, nil
}

// Verify checks signature, expiry and purpose, and returns the conflict id
// the token was issued for.
func (s *TokenSigner) Verify(token string) (int64, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, fmt.Errorf("invalid conflict token: %w", err)
	}
	if claims.Purpose != tokenPurpose {
		return 0, ErrTokenPurpose
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrTokenSubject
	}
	return id, nil
}
