package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type identityKey struct{}

// ErrorBody is the JSON body of a 401 response.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// RequireAuth rejects requests without a valid bearer token and stores the Identity on the context.
func RequireAuth(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r)
			if err != nil {
				a.logger.Info("request rejected", "path", r.URL.Path, "error", err)
				a.WriteUnauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WriteUnauthorized renders err as a 401 with a WWW-Authenticate challenge.
func (a *Authenticator) WriteUnauthorized(w http.ResponseWriter, err error) {
	body := ErrorBody{Reason: ReasonFor(err)}
	switch {
	case errors.Is(err, ErrTokenExpired):
		body.Error = "Token expired"
	case errors.Is(err, ErrInvalidToken):
		body.Error = "Invalid token"
	case errors.Is(err, ErrKeyUnavailable):
		body.Error = "Signing key unavailable"
	default:
		body.Error = "Missing or invalid Authorization header"
	}

	w.Header().Set("WWW-Authenticate", a.challenge(body))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(body)
}

// challenge builds an RFC 6750 WWW-Authenticate value.
func (a *Authenticator) challenge(body ErrorBody) string {
	var parts []string
	if a.issuer != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, escapeQuotes(a.issuer)))
	}
	if body.Reason != "" {
		parts = append(parts, `error="invalid_token"`)
		parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(body.Error)))
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the identity attached by RequireAuth.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
