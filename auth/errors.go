package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when the Authorization header is absent or not a bearer token.
	ErrUnauthenticated = errors.New("missing or invalid authorization header")

	// ErrKeyUnavailable is returned when no signing key could be obtained from the provider.
	ErrKeyUnavailable = errors.New("signing key unavailable")

	// ErrInvalidToken covers signature, format and claim failures.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is the expiry case of ErrInvalidToken.
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrInvalidToken)
)

// Reason values reported in 401 bodies.
const (
	ReasonTokenInvalid = "token_invalid"
	ReasonTokenExpired = "token_expired"
)

// ReasonFor maps a verification error to the machine-readable reason of a 401 body.
// Errors that carry no reason return "".
func ReasonFor(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, ErrInvalidToken):
		return ReasonTokenInvalid
	default:
		return ""
	}
}
