package syncer

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lifeline/internal/queue"
)

// TokenSource produces the securityToken sent with each confirmation.
type TokenSource interface {
	Token(a queue.Action) (string, error)
}

// StaticToken sends the same token with every request.
type StaticToken string

func (t StaticToken) Token(queue.Action) (string, error) { return string(t), nil }

// DefaultTokenTTL is the lifetime of a signed confirmation token.
const DefaultTokenTTL = 5 * time.Minute

// TokenIssuer is the iss claim of signed tokens.
const TokenIssuer = "lifeline"

// JWTTokens signs a short-lived HS256 token per action. The subject is the
// action id, so a token cannot be replayed for another action.
type JWTTokens struct {
	Secret []byte
	TTL    time.Duration

	now func() time.Time
}

// NewJWTTokens returns a signer using secret. ttl <= 0 uses DefaultTokenTTL.
func NewJWTTokens(secret []byte, ttl time.Duration) *JWTTokens {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTTokens{Secret: secret, TTL: ttl, now: time.Now}
}

func (j *JWTTokens) Token(a queue.Action) (string, error) {
	now := time.Now()
	if j.now != nil {
		now = j.now()
	}
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   a.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(j.TTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.Secret)
}
