package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/microcosm-cc/bluemonday"
)

// AuthenticatorConfig configures token verification.
type AuthenticatorConfig struct {
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Audience, when set, must appear in the aud claim.
	Audience string
	// Leeway tolerated on exp/nbf/iat.
	Leeway time.Duration
}

// Authenticator verifies bearer tokens against the provider's signing key. It keeps no per-user state.
type Authenticator struct {
	keys      KeySource
	parser    *jwt.Parser
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
	metrics   *Metrics
	issuer    string
}

// NewAuthenticator builds an RS256-only verifier.
func NewAuthenticator(keys KeySource, cfg AuthenticatorConfig, logger *slog.Logger, metrics *Metrics) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		keys:      keys,
		parser:    jwt.NewParser(opts...),
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
		metrics:   metrics,
		issuer:    cfg.Issuer,
	}
}

// Verify checks the signature and claims of raw and returns the caller's identity.
// The returned SubjectID is stripped of markup and safe to use as a row-ownership key.
func (a *Authenticator) Verify(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		a.metrics.verification("unauthenticated")
		return nil, ErrUnauthenticated
	}

	key, err := a.keys.Key(ctx)
	if err != nil {
		a.metrics.verification("key_unavailable")
		if !errors.Is(err, ErrKeyUnavailable) {
			err = fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
		}
		return nil, err
	}

	claims := &Claims{}
	_, err = a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			a.metrics.verification("expired")
			return nil, ErrTokenExpired
		}
		a.metrics.verification("invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := IdentityFromClaims(claims)
	if err != nil {
		a.metrics.verification("invalid")
		return nil, err
	}
	id.SubjectID = strings.TrimSpace(a.sanitizer.Sanitize(id.SubjectID))
	if id.SubjectID == "" {
		a.metrics.verification("invalid")
		return nil, fmt.Errorf("%w: sub empty after sanitizing", ErrInvalidToken)
	}

	a.metrics.verification("success")
	return id, nil
}

// Authenticate extracts the bearer token from r and verifies it.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	raw, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		a.metrics.verification("unauthenticated")
		return nil, ErrUnauthenticated
	}
	return a.Verify(r.Context(), raw)
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header value.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
