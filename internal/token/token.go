// Package token issues and verifies approval capability tokens: signed,
// expiring credentials that let a reviewer approve one specific event from a
// link, without a session.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ActionApprove is the only capability currently minted.
const ActionApprove = "approve"

type Issuer struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

type capabilityClaims struct {
	jwt.RegisteredClaims
	Action string `json:"act"`
}

func (i Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue mints a capability token for one event and one action.
func (i Issuer) Issue(eventID, action string) (string, error) {
	if len(i.Secret) == 0 {
		return "", errors.New("token secret not configured")
	}
	if strings.TrimSpace(eventID) == "" {
		return "", errors.New("event id required")
	}
	now := i.now()
	claims := capabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   eventID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.TTL)),
		},
		Action: action,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
}

// Hint returns a short fingerprint of a token, safe to record in the
// journal. It cannot reconstruct the token and never verifies as one.
func Hint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:6])
}

// Verify checks signature, expiry and action, returning the event id the
// token is scoped to.
func (i Issuer) Verify(raw, action string) (string, error) {
	if len(i.Secret) == 0 {
		return "", errors.New("token secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	claims := &capabilityClaims{}
	parsed, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return i.Secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Action != action {
		return "", fmt.Errorf("token grants %q, not %q", claims.Action, action)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no event id")
	}
	return claims.Subject, nil
}
