// Package auth issues and validates the bearer tokens teams call the broker with.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// Audience is the aud claim of every team token
const Audience = "llm-broker"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TeamClaims are the claims of a team token. The subject is the team id.
type TeamClaims struct {
	TeamID string `json:"team_id"`
	jwt.RegisteredClaims
}

// Issuer signs team tokens with HS256
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. Tokens live for ttl.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}
}

// GenerateTeamToken creates a token for teamID and returns it with its expiry
func (i *Issuer) GenerateTeamToken(teamID uuid.UUID) (string, time.Time, error) {
	if len(i.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret is not configured")
	}
	now := i.now()
	exp := now.Add(i.ttl)
	claims := TeamClaims{
		TeamID: teamID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   teamID.String(),
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateTeamToken verifies a token and returns the team it was issued to
func (i *Issuer) ValidateTeamToken(tokenString string) (uuid.UUID, error) {
	claims := &TeamClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrTokenExpired
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || !claims.VerifyAudience(Audience, true) {
		return uuid.Nil, ErrInvalidToken
	}

	teamID, err := uuid.Parse(claims.TeamID)
	if err != nil || claims.Subject != claims.TeamID {
		return uuid.Nil, ErrInvalidToken
	}
	return teamID, nil
}
