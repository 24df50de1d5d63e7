package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	dErrors "bastion/pkg/domain-errors"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject        string
	Roles          []string
	Permissions    []string
	OrganizationID string
}

// Provider validates a bearer token.
type Provider interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// Claims are the access token claims the gateway understands.
type Claims struct {
	Roles          []string `json:"roles,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	OrganizationID string   `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider validates HMAC-signed JWTs. Tokens are issued elsewhere.
type JWTProvider struct {
	signingKey []byte
	issuer     string
	audience   string
	now        func() time.Time
}

type ProviderOption func(*JWTProvider)

func WithClock(now func() time.Time) ProviderOption {
	return func(p *JWTProvider) { p.now = now }
}

func NewJWTProvider(signingKey, issuer, audience string, opts ...ProviderOption) *JWTProvider {
	p := &JWTProvider{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *JWTProvider) Validate(_ context.Context, token string) (*Principal, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(p.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return p.signingKey, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	if claims.Subject == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has no subject")
	}
	return &Principal{
		Subject:        claims.Subject,
		Roles:          claims.Roles,
		Permissions:    claims.Permissions,
		OrganizationID: claims.OrganizationID,
	}, nil
}
