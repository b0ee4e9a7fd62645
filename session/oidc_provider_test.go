package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"dairylab/auth"
	"dairylab/auth/authtest"
)

const callbackURL = "http://127.0.0.1:8765/callback"

type capturedURLs struct {
	mu   sync.Mutex
	urls []string
}

func (c *capturedURLs) open(u string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls = append(c.urls, u)
	return nil
}

func (c *capturedURLs) last(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.urls) == 0 {
		t.Fatalf("no URL was opened")
	}
	return c.urls[len(c.urls)-1]
}

func newOIDCProvider(t *testing.T, realm *authtest.Realm) (*OIDCProvider, *capturedURLs) {
	t.Helper()
	opened := &capturedURLs{}
	p := NewOIDCProvider(OIDCConfig{
		Issuer:      realm.Issuer,
		ClientID:    realm.ClientID,
		RedirectURL: callbackURL,
		HTTPClient:  realm.Server.Client(),
		Opener:      opened.open,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(p.Close)
	return p, opened
}

func loginThroughRealm(t *testing.T, realm *authtest.Realm, p *OIDCProvider, opened *capturedURLs) url.Values {
	t.Helper()
	ctx := context.Background()
	if err := p.Login(ctx, LoginOptions{}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	authURL := opened.last(t)
	if !strings.Contains(authURL, "code_challenge_method=S256") {
		t.Fatalf("auth URL lacks PKCE challenge: %s", authURL)
	}
	return realm.Authorize(t, authURL).Query()
}

func TestOIDCProviderLoginFlow(t *testing.T) {
	realm := authtest.NewRealm(t)
	p, opened := newOIDCProvider(t, realm)
	ctx := context.Background()

	callback := loginThroughRealm(t, realm, p, opened)
	ok, err := p.Init(ctx, InitOptions{Mode: ModeCheckSSO, RedirectURI: callbackURL, Callback: callback})
	if err != nil || !ok {
		t.Fatalf("Init with callback = %v, %v", ok, err)
	}

	tok := p.Tokens()
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		t.Fatalf("tokens missing after login: %+v", tok)
	}
	if tok.Parsed == nil || tok.Parsed.Subject != "u1" || tok.Parsed.PreferredUsername != "alice" {
		t.Fatalf("parsed claims = %+v", tok.Parsed)
	}
	if tok.Parsed.ExpiresAt == nil {
		t.Fatalf("parsed claims lack exp")
	}
}

func TestOIDCProviderRejectsStateMismatch(t *testing.T) {
	realm := authtest.NewRealm(t)
	p, opened := newOIDCProvider(t, realm)

	callback := loginThroughRealm(t, realm, p, opened)
	callback.Set("state", "forged")
	if ok, err := p.Init(context.Background(), InitOptions{Mode: ModeCheckSSO, Callback: callback}); err == nil || ok {
		t.Fatalf("Init with forged state = %v, %v", ok, err)
	}
	if realm.TokenHits() != 0 {
		t.Fatalf("code was exchanged despite state mismatch")
	}
}

func TestOIDCProviderCallbackWithoutLogin(t *testing.T) {
	realm := authtest.NewRealm(t)
	p, _ := newOIDCProvider(t, realm)

	callback := url.Values{"state": {"s"}, "session_state": {"ss"}, "code": {"c"}}
	if _, err := p.Init(context.Background(), InitOptions{Mode: ModeCheckSSO, Callback: callback}); err == nil {
		t.Fatalf("expected error for unsolicited callback")
	}
}

func TestOIDCProviderRestoresValidToken(t *testing.T) {
	realm := authtest.NewRealm(t)
	p, _ := newOIDCProvider(t, realm)

	access := realm.AccessToken(t, time.Hour)
	ok, err := p.Init(context.Background(), InitOptions{Token: access, RefreshToken: "R"})
	if err != nil || !ok {
		t.Fatalf("Init = %v, %v", ok, err)
	}
	if got := p.Tokens(); got.AccessToken != access || got.RefreshToken != "R" {
		t.Fatalf("tokens = %+v", got)
	}
	if realm.TokenHits() != 0 {
		t.Fatalf("valid token triggered a refresh")
	}
}

func TestOIDCProviderRestoreRefreshesExpiredToken(t *testing.T) {
	realm := authtest.NewRealm(t)
	p, _ := newOIDCProvider(t, realm)

	expired := realm.ExpiredToken(t)
	refresh := realm.IssueRefreshToken()
	ok, err := p.Init(context.Background(), InitOptions{Token: expired, RefreshToken: refresh})
	if err != nil || !ok {
		t.Fatalf("Init = %v, %v", ok, err)
	}
	got := p.Tokens()
	if got.AccessToken == expired {
		t.Fatalf("expired access token was kept")
	}
	if got.RefreshToken == refresh {
		t.Fatalf("refresh token was not rotated")
	}
	if realm.TokenHits() != 1 {
		t.Fatalf("token endpoint hits = %d, want 1", realm.TokenHits())
	}
}

func TestOIDCProviderRestoreWithRevokedRefreshToken(t *testing.T) {
	realm := authtest.NewRealm(t)
	p, _ := newOIDCProvider(t, realm)

	ok, err := p.Init(context.Background(), InitOptions{Token: realm.ExpiredToken(t), RefreshToken: "revoked"})
	if err != nil {
		t.Fatalf("Init returned error for rejected refresh token: %v", err)
	}
	if ok {
		t.Fatalf("Init reported authenticated with a revoked refresh token")
	}
}

func TestOIDCProviderRestoreWithTokenEndpointDown(t *testing.T) {
	realm := authtest.NewRealm(t)
	realm.SetTokenFailing(true)
	p, _ := newOIDCProvider(t, realm)

	_, err := p.Init(context.Background(), InitOptions{Token: realm.ExpiredToken(t), RefreshToken: realm.IssueRefreshToken()})
	if !errors.Is(err, ErrProviderUnreachable) {
		t.Fatalf("Init error = %v, want ErrProviderUnreachable", err)
	}
}

func TestOIDCProviderUnreachableIssuer(t *testing.T) {
	realm := authtest.NewRealm(t)
	issuer := realm.Issuer
	realm.Server.Close()

	p := NewOIDCProvider(OIDCConfig{Issuer: issuer, ClientID: "dairylab-web"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := p.Init(context.Background(), InitOptions{Token: "A", RefreshToken: "R"}); !errors.Is(err, ErrProviderUnreachable) {
		t.Fatalf("Init error = %v, want ErrProviderUnreachable", err)
	}
}

func TestOIDCProviderUpdateToken(t *testing.T) {
	realm := authtest.NewRealm(t)
	p, _ := newOIDCProvider(t, realm)
	ctx := context.Background()

	access := realm.AccessToken(t, time.Minute)
	if ok, err := p.Init(ctx, InitOptions{Token: access, RefreshToken: realm.IssueRefreshToken()}); err != nil || !ok {
		t.Fatalf("Init = %v, %v", ok, err)
	}

	refreshed, err := p.UpdateToken(ctx, 5*time.Second)
	if err != nil || refreshed {
		t.Fatalf("UpdateToken with a fresh token = %v, %v", refreshed, err)
	}

	refreshed, err = p.UpdateToken(ctx, 2*time.Minute)
	if err != nil || !refreshed {
		t.Fatalf("UpdateToken beyond token lifetime = %v, %v", refreshed, err)
	}
	if p.Tokens().AccessToken == access {
		t.Fatalf("access token unchanged after refresh")
	}

	realm.RevokeRefreshTokens()
	if _, err := p.UpdateToken(ctx, 2*time.Hour); err == nil {
		t.Fatalf("UpdateToken with revoked refresh token succeeded")
	} else if errors.Is(err, ErrProviderUnreachable) {
		t.Fatalf("rejected refresh reported as unreachable: %v", err)
	}
}

func TestOIDCProviderExpiryEvent(t *testing.T) {
	realm := authtest.NewRealm(t)
	p, _ := newOIDCProvider(t, realm)

	access := realm.AccessToken(t, 11*time.Second)
	if ok, err := p.Init(context.Background(), InitOptions{Token: access, RefreshToken: "R"}); err != nil || !ok {
		t.Fatalf("Init = %v, %v", ok, err)
	}

	select {
	case <-p.Expired():
	case <-time.After(5 * time.Second):
		t.Fatalf("expiry event not delivered")
	}
}

func TestOIDCProviderLogout(t *testing.T) {
	realm := authtest.NewRealm(t)
	p, opened := newOIDCProvider(t, realm)
	ctx := context.Background()

	refresh := realm.IssueRefreshToken()
	if ok, err := p.Init(ctx, InitOptions{Token: realm.AccessToken(t, time.Hour), RefreshToken: refresh}); err != nil || !ok {
		t.Fatalf("Init = %v, %v", ok, err)
	}

	if err := p.Logout(ctx, LogoutOptions{RedirectURI: "http://127.0.0.1:8765/"}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if realm.LogoutHits() != 1 {
		t.Fatalf("logout hits = %d, want 1", realm.LogoutHits())
	}
	if got := p.Tokens(); got.AccessToken != "" || got.RefreshToken != "" {
		t.Fatalf("tokens survived logout: %+v", got)
	}
	if u := opened.last(t); !strings.Contains(u, "post_logout_redirect_uri=") {
		t.Fatalf("front-channel logout URL = %s", u)
	}

	// The revoked refresh token can no longer restore a session.
	if ok, _ := p.Init(ctx, InitOptions{Token: realm.ExpiredToken(t), RefreshToken: refresh}); ok {
		t.Fatalf("session restored with a logged-out refresh token")
	}

	if err := p.Logout(ctx, LogoutOptions{}); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if realm.LogoutHits() != 1 {
		t.Fatalf("logout without a refresh token contacted the realm")
	}
}

func TestManagerWithOIDCProvider(t *testing.T) {
	realm := authtest.NewRealm(t)
	p, opened := newOIDCProvider(t, realm)
	store := NewMemoryStore()
	m, rec := newManager(t, p, store)
	ctx := context.Background()

	if res := m.Restore(ctx); res.Outcome != Anonymous {
		t.Fatalf("Restore outcome = %v", res.Outcome)
	}
	if err := m.Login(ctx, callbackURL); err != nil {
		t.Fatalf("Login: %v", err)
	}

	callback := realm.Authorize(t, opened.last(t))
	res := m.CheckParams(ctx, callback)
	if res.Outcome != Authenticated {
		t.Fatalf("CheckParams outcome = %v (%v)", res.Outcome, res.Err)
	}
	if v, _ := stored(t, store, KeyAccessToken); v != p.Tokens().AccessToken {
		t.Fatalf("stored access token does not match provider")
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != nil || got[1] == nil || got[1].SubjectID != "u1" {
		t.Fatalf("notifications = %v", got)
	}
	if !got[1].HasRole("user") {
		t.Fatalf("identity roles = %v", got[1].Roles)
	}

	// A second manager picks the session up from storage.
	p2, _ := newOIDCProvider(t, realm)
	m2, _ := newManager(t, p2, store)
	if res := m2.Restore(ctx); res.Outcome != Authenticated {
		t.Fatalf("second manager Restore outcome = %v (%v)", res.Outcome, res.Err)
	}

	m2.Logout(ctx)
	if _, err := auth.IdentityFromClaims(p2.Tokens().Parsed); err == nil {
		t.Fatalf("provider kept claims after logout")
	}
}
