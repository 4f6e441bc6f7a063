package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/authcore/server/internal/clock"
)

// MinSigningKeyLength is the shortest HS256 secret accepted at startup.
const MinSigningKeyLength = 32

// SigningConfig is the immutable token configuration built once at startup.
type SigningConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// Claims are the verified assertions carried by a token
type Claims struct {
	AccountID uuid.UUID
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Token is a signed bearer token and its expiry
type Token struct {
	Value     string
	ExpiresAt time.Time
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
	parser *jwt.Parser
}

// NewTokenIssuer validates cfg and returns a TokenIssuer. A missing or short
// secret is a startup error.
func NewTokenIssuer(cfg SigningConfig, clk clock.Clock) (*TokenIssuer, error) {
	if len(cfg.Secret) < MinSigningKeyLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSigningKeyLength)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	secret := append([]byte(nil), cfg.Secret...)

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(clk.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &TokenIssuer{
		secret: secret,
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		clock:  clk,
		parser: jwt.NewParser(opts...),
	}, nil
}

// TTL returns the configured token lifetime.
func (s *TokenIssuer) TTL() time.Duration { return s.ttl }

// Issue signs a token for accountID that expires ttl from now. Times are
// truncated to whole seconds, matching the JWT NumericDate encoding.
func (s *TokenIssuer) Issue(accountID uuid.UUID, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.clock.Now().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	claims := &jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return Token{Value: tokenString, ExpiresAt: expiresAt}, nil
}

// Verify checks the signature, then expiry. Expired tokens with a valid
// signature return ErrTokenExpired; everything else returns ErrTokenInvalid.
func (s *TokenIssuer) Verify(tokenString string) (Claims, error) {
	claims := &jwtClaims{}
	token, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return Claims{}, ErrTokenInvalid
	}

	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}
	return Claims{
		AccountID: accountID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
