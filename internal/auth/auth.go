// Package auth provides caller authentication for the escrow API.
//
// Authentication model:
//   - Read endpoints (status, views, listings): no auth required
//   - Mutations: require a bearer JWT whose subject is the caller's address
//   - The authenticated address is the principal the engine authorizes
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken        = errors.New("bearer token required")
	ErrInvalidToken   = errors.New("invalid or expired token")
	ErrInvalidSubject = errors.New("token subject is not a valid address")
)

// DefaultTTL is the lifetime of issued tokens.
const DefaultTTL = 24 * time.Hour

// Claims are the JWT claims carried by a caller token. Subject is the
// caller's address.
type Claims struct {
	jwt.RegisteredClaims
}

// Issuer signs and verifies caller tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. An empty secret is rejected.
func NewIssuer(secret, issuer string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue returns a signed token for address.
func (i *Issuer) Issue(address string) (string, error) {
	subject, err := normalizeSubject(address)
	if err != nil {
		return "", err
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates raw and returns the lowercased caller address.
func (i *Issuer) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return "", ErrNoToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return normalizeSubject(claims.Subject)
}

func normalizeSubject(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return "", ErrInvalidSubject
	}
	return strings.ToLower(address), nil
}
