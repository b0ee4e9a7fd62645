package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"dairylab/auth"
)

// OIDCConfig configures an OIDCProvider.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// RedirectURL is the default login redirect, normally the loopback callback of labctl.
	RedirectURL string
	HTTPClient  *http.Client
	// Opener shows a URL to the user. Defaults to the system browser.
	Opener func(string) error
	// ExpiryLead is how long before exp the expiry event fires.
	ExpiryLead time.Duration
}

// OIDCProvider is a Provider speaking OpenID Connect authorization-code + PKCE to the realm.
type OIDCProvider struct {
	cfg    OIDCConfig
	client *http.Client
	logger *slog.Logger

	mu         sync.Mutex
	op         *oidc.Provider
	oauth      *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	endSession string
	tokens     Tokens
	idToken    string
	login      *pendingLogin
	timer      *time.Timer

	expired chan struct{}
}

type pendingLogin struct {
	state       string
	verifier    string
	redirectURI string
}

// NewOIDCProvider returns a provider for cfg. Discovery happens on first use.
func NewOIDCProvider(cfg OIDCConfig, logger *slog.Logger) *OIDCProvider {
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Opener == nil {
		cfg.Opener = browser.OpenURL
	}
	if cfg.ExpiryLead <= 0 {
		cfg.ExpiryLead = 10 * time.Second
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return &OIDCProvider{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		expired: make(chan struct{}, 1),
	}
}

// Init implements Provider.
func (p *OIDCProvider) Init(ctx context.Context, opts InitOptions) (bool, error) {
	if err := p.discover(ctx); err != nil {
		return false, err
	}

	switch {
	case opts.Callback.Get("code") != "":
		return p.completeLogin(ctx, opts)
	case opts.Token != "" || opts.RefreshToken != "":
		return p.restore(ctx, opts.Token, opts.RefreshToken)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens.AccessToken != "", nil
}

// Login implements Provider.
func (p *OIDCProvider) Login(ctx context.Context, opts LoginOptions) error {
	if err := p.discover(ctx); err != nil {
		return err
	}
	redirect := opts.RedirectURI
	if redirect == "" {
		redirect = p.cfg.RedirectURL
	}

	pending := &pendingLogin{
		state:       randomState(),
		verifier:    oauth2.GenerateVerifier(),
		redirectURI: redirect,
	}

	p.mu.Lock()
	cfg := *p.oauth
	p.login = pending
	p.mu.Unlock()

	cfg.RedirectURL = redirect
	authURL := cfg.AuthCodeURL(pending.state, oauth2.S256ChallengeOption(pending.verifier))
	p.logger.Info("opening browser for login", "redirect_uri", redirect)
	if err := p.cfg.Opener(authURL); err != nil {
		return fmt.Errorf("open login url: %w", err)
	}
	return nil
}

// Logout implements Provider. The refresh token is revoked through the end-session endpoint.
// A non-empty RedirectURI additionally opens the front-channel logout page.
func (p *OIDCProvider) Logout(ctx context.Context, opts LogoutOptions) error {
	p.mu.Lock()
	refresh, idToken, endSession := p.tokens.RefreshToken, p.idToken, p.endSession
	p.setTokensLocked(Tokens{}, "")
	p.login = nil
	p.mu.Unlock()

	if endSession == "" {
		return nil
	}

	if refresh != "" {
		form := url.Values{}
		form.Set("client_id", p.cfg.ClientID)
		form.Set("refresh_token", refresh)
		if p.cfg.ClientSecret != "" {
			form.Set("client_secret", p.cfg.ClientSecret)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endSession, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("build logout request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: logout: %v", ErrProviderUnreachable, err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("logout rejected: %s", resp.Status)
		}
	}

	if opts.RedirectURI != "" {
		q := url.Values{}
		q.Set("client_id", p.cfg.ClientID)
		q.Set("post_logout_redirect_uri", opts.RedirectURI)
		if idToken != "" {
			q.Set("id_token_hint", idToken)
		}
		if err := p.cfg.Opener(endSession + "?" + q.Encode()); err != nil {
			return fmt.Errorf("open logout url: %w", err)
		}
	}
	return nil
}

// UpdateToken implements Provider.
func (p *OIDCProvider) UpdateToken(ctx context.Context, minValidity time.Duration) (bool, error) {
	if err := p.discover(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	current := p.tokens
	p.mu.Unlock()

	if current.Parsed != nil && current.Parsed.ExpiresAt != nil &&
		time.Until(current.Parsed.ExpiresAt.Time) >= minValidity {
		return false, nil
	}
	if current.RefreshToken == "" {
		return false, errors.New("no refresh token")
	}
	if err := p.refresh(ctx, current.RefreshToken); err != nil {
		return false, err
	}
	return true, nil
}

// Tokens implements Provider.
func (p *OIDCProvider) Tokens() Tokens {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens
}

// Expired implements Provider.
func (p *OIDCProvider) Expired() <-chan struct{} {
	return p.expired
}

// Close stops the expiry timer.
func (p *OIDCProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *OIDCProvider) discover(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.op != nil {
		return nil
	}

	// The key set fetched later by the verifier keeps this context, so it must outlive ctx.
	op, err := oidc.NewProvider(p.clientContext(context.WithoutCancel(ctx)), p.cfg.Issuer)
	if err != nil {
		return fmt.Errorf("%w: discover %s: %v", ErrProviderUnreachable, p.cfg.Issuer, err)
	}

	var meta struct {
		EndSession string `json:"end_session_endpoint"`
	}
	if err := op.Claims(&meta); err != nil {
		p.logger.Warn("provider metadata unreadable", "error", err)
	}

	endpoint := op.Endpoint()
	if p.cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	p.op = op
	p.endSession = meta.EndSession
	p.oauth = &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  p.cfg.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       p.cfg.Scopes,
	}
	// Access tokens are audienced to the resource server, not to this client.
	p.verifier = op.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return nil
}

func (p *OIDCProvider) completeLogin(ctx context.Context, opts InitOptions) (bool, error) {
	p.mu.Lock()
	pending := p.login
	p.login = nil
	cfg := *p.oauth
	p.mu.Unlock()

	if pending == nil {
		return false, errors.New("no login in progress")
	}
	if opts.Callback.Get("state") != pending.state {
		return false, errors.New("state mismatch")
	}
	if e := opts.Callback.Get("error"); e != "" {
		return false, fmt.Errorf("login failed: %s", e)
	}

	cfg.RedirectURL = pending.redirectURI
	tok, err := cfg.Exchange(p.clientContext(ctx), opts.Callback.Get("code"), oauth2.VerifierOption(pending.verifier))
	if err != nil {
		return false, classifyTokenError("exchange code", err)
	}
	if err := p.adopt(ctx, tok, ""); err != nil {
		return false, err
	}
	return true, nil
}

func (p *OIDCProvider) restore(ctx context.Context, access, refresh string) (bool, error) {
	if access != "" {
		claims, err := p.verify(ctx, access)
		if err == nil {
			p.mu.Lock()
			p.setTokensLocked(Tokens{AccessToken: access, RefreshToken: refresh, Parsed: claims}, "")
			p.mu.Unlock()
			return true, nil
		}
		p.logger.Debug("stored access token rejected", "error", err)
	}
	if refresh == "" {
		return false, nil
	}

	if err := p.refresh(ctx, refresh); err != nil {
		var rejected *oauth2.RetrieveError
		if errors.As(err, &rejected) && !errors.Is(err, ErrProviderUnreachable) {
			p.logger.Info("stored refresh token rejected", "error", err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *OIDCProvider) refresh(ctx context.Context, refreshToken string) error {
	p.mu.Lock()
	cfg := *p.oauth
	p.mu.Unlock()

	tok, err := cfg.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return classifyTokenError("refresh token", err)
	}
	return p.adopt(ctx, tok, refreshToken)
}

// adopt verifies tok's access token and makes it current. previousRefresh is kept when the
// provider does not rotate refresh tokens.
func (p *OIDCProvider) adopt(ctx context.Context, tok *oauth2.Token, previousRefresh string) error {
	claims, err := p.verify(ctx, tok.AccessToken)
	if err != nil {
		return err
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	idToken, _ := tok.Extra("id_token").(string)

	p.mu.Lock()
	p.setTokensLocked(Tokens{AccessToken: tok.AccessToken, RefreshToken: refresh, Parsed: claims}, idToken)
	p.mu.Unlock()
	return nil
}

func (p *OIDCProvider) verify(ctx context.Context, raw string) (*auth.Claims, error) {
	p.mu.Lock()
	verifier := p.verifier
	p.mu.Unlock()

	idt, err := verifier.Verify(p.clientContext(ctx), raw)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, fmt.Errorf("%w: %v", auth.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}
	claims := &auth.Claims{}
	if err := idt.Claims(claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", auth.ErrInvalidToken, err)
	}
	return claims, nil
}

// setTokensLocked replaces the current tokens and re-arms the expiry timer. p.mu must be held.
func (p *OIDCProvider) setTokensLocked(t Tokens, idToken string) {
	p.tokens = t
	if idToken != "" || t.AccessToken == "" {
		p.idToken = idToken
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if t.Parsed == nil || t.Parsed.ExpiresAt == nil {
		return
	}
	wait := time.Until(t.Parsed.ExpiresAt.Time) - p.cfg.ExpiryLead
	if wait < 0 {
		wait = 0
	}
	p.timer = time.AfterFunc(wait, p.fireExpired)
}

func (p *OIDCProvider) fireExpired() {
	select {
	case p.expired <- struct{}{}:
	default:
	}
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.client)
}

func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnreachable, op, err)
}

func randomState() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
