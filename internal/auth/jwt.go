package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin  = "admin"
	issuer     = "ip2asn"
	DefaultTTL = 24 * time.Hour
	leeway     = 5 * time.Second
)

var (
	ErrNoSecret    = errors.New("auth: jwt secret is not configured")
	ErrInvalidRole = errors.New("auth: token role is not permitted")
)

var secret atomic.Pointer[[]byte]

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// SetSecret installs the HMAC key used to sign and verify tokens. An empty
// secret disables token validation.
func SetSecret(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		secret.Store(nil)
		return
	}
	key := []byte(s)
	secret.Store(&key)
}

func Enabled() bool {
	return secret.Load() != nil
}

func signingKey() ([]byte, error) {
	key := secret.Load()
	if key == nil {
		return nil, ErrNoSecret
	}
	return *key, nil
}

// IssueToken signs a token for subject with role, valid for ttl.
func IssueToken(subject, role string, ttl time.Duration) (string, error) {
	key, err := signingKey()
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// ValidateJWT verifies signature, issuer and expiry.
func ValidateJWT(tokenString string) (*Claims, error) {
	key, err := signingKey()
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
