package session

import (
	"context"
	"errors"
	"net/url"
	"time"

	"dairylab/auth"
)

// ErrProviderUnreachable wraps network failures talking to the identity provider.
var ErrProviderUnreachable = errors.New("identity provider unreachable")

// InitMode selects how Provider.Init treats a missing session.
type InitMode int

const (
	// ModeDefault only restores the session described by the options.
	ModeDefault InitMode = iota
	// ModeLoginRequired prepares an interactive login when no session can be restored.
	ModeLoginRequired
	// ModeCheckSSO completes a redirect callback, or silently reports not authenticated.
	ModeCheckSSO
)

func (m InitMode) String() string {
	switch m {
	case ModeLoginRequired:
		return "login-required"
	case ModeCheckSSO:
		return "check-sso"
	default:
		return "default"
	}
}

// InitOptions are the hints passed to Provider.Init.
type InitOptions struct {
	Token        string
	RefreshToken string
	Mode         InitMode
	RedirectURI  string
	// Callback holds the redirect parameters (state, session_state, code) when completing a login.
	Callback url.Values
}

// LoginOptions configure an interactive login.
type LoginOptions struct {
	RedirectURI string
}

// LogoutOptions configure a provider logout.
type LogoutOptions struct {
	RedirectURI string
}

// Tokens is the provider client's current token state.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Parsed       *auth.Claims
}

// Provider is the identity-provider client driven by the Manager. Implementations are not
// required to be safe for concurrent Init calls; the Manager never issues them.
type Provider interface {
	// Init establishes the client's session and reports whether it is authenticated.
	Init(ctx context.Context, opts InitOptions) (bool, error)
	// Login starts an interactive login; completion arrives later through Init with a Callback.
	Login(ctx context.Context, opts LoginOptions) error
	// Logout ends the provider session and forgets local tokens.
	Logout(ctx context.Context, opts LogoutOptions) error
	// UpdateToken refreshes the access token unless it stays valid for at least minValidity.
	// It reports whether a refresh happened.
	UpdateToken(ctx context.Context, minValidity time.Duration) (bool, error)
	// Tokens returns the current tokens.
	Tokens() Tokens
	// Expired delivers an event when the current access token is about to expire.
	Expired() <-chan struct{}
}
