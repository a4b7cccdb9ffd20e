// Package auth verifies the access tokens issued by the hosted identity
// provider. Sign-up and sign-in happen there; this service only checks tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Audience is the aud claim carried by signed-in user tokens.
const Audience = "authenticated"

var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified subject of a token.
type Identity struct {
	UserID  uuid.UUID
	Email   string
	IsAdmin bool
}

type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

type appMetadata struct {
	Role string `json:"role,omitempty"`
}

type claims struct {
	jwt.RegisteredClaims
	Email       string      `json:"email"`
	Role        string      `json:"role"`
	AppMetadata appMetadata `json:"app_metadata"`
}

// JWTVerifier checks HS256 tokens signed with the project's JWT secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(Audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

var _ Verifier = (*JWTVerifier)(nil)

func (v *JWTVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if token == "" || len(v.secret) == 0 {
		return nil, ErrInvalidToken
	}
	tok, err := v.parser.ParseWithClaims(token, &claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a uuid", ErrInvalidToken)
	}
	return &Identity{UserID: id, Email: c.Email, IsAdmin: c.AppMetadata.Role == "admin"}, nil
}

// Issue signs a token the verifier accepts. It is for local development and
// tests; production tokens come from the identity provider.
func Issue(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.String(),
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email: id.Email,
		Role:  Audience,
	}
	if id.IsAdmin {
		c.AppMetadata.Role = "admin"
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}
