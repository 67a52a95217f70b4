package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "trainlink"

	// DefaultTokenTTL is how long a handshake token stays valid.
	DefaultTokenTTL = 30 * time.Second
)

// Authenticator issues and checks the tokens carried in handshake frames.
type Authenticator interface {
	Issue(from, to string) (string, error)
	Validate(token, from, to string) (*Claims, error)
}

// HMACAuthenticator signs handshake tokens with a secret shared by every
// node of the testbed.
type HMACAuthenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewHMAC returns an Authenticator for secret. A ttl <= 0 selects
// DefaultTokenTTL.
func NewHMAC(secret string, ttl time.Duration) (*HMACAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("handshake secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &HMACAuthenticator{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a token asserting that from is talking to to.
func (a *HMACAuthenticator) Issue(from, to string) (string, error) {
	now := a.now()
	claims := &Claims{
		UIID: from,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   from,
			Audience:  jwt.ClaimStrings{to},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign handshake token: %w", err)
	}
	return signed, nil
}

// Validate checks that token was issued by from for to and has not expired.
func (a *HMACAuthenticator) Validate(token, from, to string) (*Claims, error) {
	if token == "" {
		return nil, errors.New("missing handshake token")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(from),
		jwt.WithAudience(to),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("jwt validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid jwt token")
	}
	if claims.UIID != from {
		return nil, fmt.Errorf("token identity %q does not match %q", claims.UIID, from)
	}
	return claims, nil
}
