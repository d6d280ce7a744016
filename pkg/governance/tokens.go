package governance

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/reflex/pkg/clock"
)

var ErrInvalidToken = errors.New("governance: invalid approval token")

const defaultTokenIssuer = "reflex/approvals"

// ApprovalClaims is the body of a signed approval token. The subject is the
// packet ID.
type ApprovalClaims struct {
	jwt.RegisteredClaims
	Decision string `json:"decision"`
	Approver string `json:"approver,omitempty"`
}

// Tokens issues and verifies HS256 approval tokens, letting a companion app
// approve a pending packet out of band.
type Tokens struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

func NewTokens(secret []byte, issuer string, c clock.Clock) *Tokens {
	if issuer == "" {
		issuer = defaultTokenIssuer
	}
	return &Tokens{secret: secret, issuer: issuer, clock: clock.Or(c)}
}

// Issue signs a decision for packetID valid for ttl.
func (t *Tokens) Issue(packetID string, approve bool, approver string, ttl time.Duration) (string, error) {
	now := t.clock.Now()
	decision := "deny"
	if approve {
		decision = "approve"
	}
	claims := ApprovalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   packetID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Decision: decision,
		Approver: approver,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses a token and returns its claims.
func (t *Tokens) Verify(token string) (*ApprovalClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &ApprovalClaims{}, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*ApprovalClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if claims.Decision != "approve" && claims.Decision != "deny" {
		return nil, fmt.Errorf("%w: decision %q", ErrInvalidToken, claims.Decision)
	}
	return claims, nil
}
