// Package token mints and verifies execution tokens. A token is a short-lived
// HS256 JWT binding a workspace, an action name, and the canonical hash of the
// previewed input. Verification is stateless: no store lookup, which also
// means no revocation before expiry.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuerName = "relay"

var (
	// ErrExpired means the token was well-formed but past its expiry.
	ErrExpired = errors.New("execution token expired")
	// ErrInvalid covers every other verification failure: bad signature,
	// wrong issuer, missing claims, garbage input.
	ErrInvalid = errors.New("execution token invalid")
)

// Claims is the payload carried by an execution token.
type Claims struct {
	WorkspaceID string `json:"ws"`
	Action      string `json:"act"`
	InputHash   string `json:"ih"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies execution tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}
}

// Mint issues a token for the given binding and returns it with its expiry.
func (i *Issuer) Mint(workspaceID, action, inputHash string) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := &Claims{
		WorkspaceID: workspaceID,
		Action:      action,
		InputHash:   inputHash,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("Mint: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token, returning its claims. The signing
// method is allowlisted to HS256 and all three binding claims must be present.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}
	if claims.WorkspaceID == "" || claims.Action == "" || claims.InputHash == "" {
		return nil, fmt.Errorf("%w: missing binding claims", ErrInvalid)
	}
	return claims, nil
}
