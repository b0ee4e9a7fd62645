package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"

	"dairylab/auth"
)

type fakeProvider struct {
	mu        sync.Mutex
	initCalls []InitOptions
	logins    []LoginOptions
	logouts   int
	updates   int

	// release, when set, blocks Init until closed.
	release chan struct{}
	entered chan struct{}

	authenticated bool
	initErr       error
	updateErr     error
	tokens        Tokens
	rotated       Tokens

	expired chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{expired: make(chan struct{}, 1)}
}

func (f *fakeProvider) Init(ctx context.Context, opts InitOptions) (bool, error) {
	f.mu.Lock()
	f.initCalls = append(f.initCalls, opts)
	release, entered := f.release, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated, f.initErr
}

func (f *fakeProvider) Login(_ context.Context, opts LoginOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, opts)
	return nil
}

func (f *fakeProvider) Logout(context.Context, LogoutOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	f.tokens = Tokens{}
	return nil
}

func (f *fakeProvider) UpdateToken(context.Context, time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.updateErr != nil {
		return false, f.updateErr
	}
	if f.rotated.AccessToken != "" {
		f.tokens = f.rotated
		return true, nil
	}
	return false, nil
}

func (f *fakeProvider) Tokens() Tokens {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

func (f *fakeProvider) Expired() <-chan struct{} { return f.expired }

func (f *fakeProvider) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.initCalls)
}

func (f *fakeProvider) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logins)
}

func aliceClaims() *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		PreferredUsername: "alice",
		RealmAccess:       auth.RealmAccess{Roles: []string{"user"}},
	}
}

func authenticatedProvider(access, refresh string) *fakeProvider {
	p := newFakeProvider()
	p.authenticated = true
	p.tokens = Tokens{AccessToken: access, RefreshToken: refresh, Parsed: aliceClaims()}
	return p
}

type recorder struct {
	mu     sync.Mutex
	values []*auth.Identity
}

func (r *recorder) record(id *auth.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, id)
}

func (r *recorder) snapshot() []*auth.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*auth.Identity(nil), r.values...)
}

func newManager(t *testing.T, p Provider, store CredentialStore) (*Manager, *recorder) {
	t.Helper()
	m := NewManager(p, store, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := &recorder{}
	t.Cleanup(m.Subscribe(rec.record))
	return m, rec
}

func seed(t *testing.T, store CredentialStore, access, refresh string) {
	t.Helper()
	ctx := context.Background()
	if access != "" {
		if err := store.Set(ctx, KeyAccessToken, access); err != nil {
			t.Fatalf("seed access: %v", err)
		}
	}
	if refresh != "" {
		if err := store.Set(ctx, KeyRefreshToken, refresh); err != nil {
			t.Fatalf("seed refresh: %v", err)
		}
	}
}

func stored(t *testing.T, store CredentialStore, key string) (string, bool) {
	t.Helper()
	v, ok, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("store get %s: %v", key, err)
	}
	return v, ok
}

func TestRestoreFromStoredCredentials(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	if err := store.Set(context.Background(), keyLegacyExpiry, "1700000000"); err != nil {
		t.Fatalf("seed exp: %v", err)
	}
	p := authenticatedProvider("A", "R")
	m, rec := newManager(t, p, store)

	res := m.Restore(context.Background())
	if res.Outcome != Authenticated {
		t.Fatalf("Restore outcome = %v (%v), want authenticated", res.Outcome, res.Err)
	}

	if diff := cmp.Diff([]InitOptions{{Token: "A", RefreshToken: "R"}}, p.initCalls); diff != "" {
		t.Fatalf("Init options mismatch (-want +got):\n%s", diff)
	}

	want := &auth.Identity{SubjectID: "u1", Username: "alice", Roles: []string{"user"}}
	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Fatalf("identity mismatch (-want +got):\n%s", diff)
	}
	if m.State() != StateAuthenticated {
		t.Fatalf("state = %v, want authenticated", m.State())
	}
	if v, _ := stored(t, store, KeyAccessToken); v != "A" {
		t.Fatalf("stored access = %q", v)
	}
	if v, _ := stored(t, store, KeyRefreshToken); v != "R" {
		t.Fatalf("stored refresh = %q", v)
	}
	if _, ok := stored(t, store, keyLegacyExpiry); ok {
		t.Fatalf("legacy expiry key survived restore")
	}
	if m.AccessToken() != "A" {
		t.Fatalf("AccessToken = %q, want A", m.AccessToken())
	}
}

func TestRestorePersistsRotatedTokens(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	p := authenticatedProvider("A2", "R2")
	m, _ := newManager(t, p, store)

	if res := m.Restore(context.Background()); res.Outcome != Authenticated {
		t.Fatalf("Restore outcome = %v", res.Outcome)
	}
	if v, _ := stored(t, store, KeyAccessToken); v != "A2" {
		t.Fatalf("stored access = %q, want A2", v)
	}
	if v, _ := stored(t, store, KeyRefreshToken); v != "R2" {
		t.Fatalf("stored refresh = %q, want R2", v)
	}
}

func TestRestoreWithoutCredentials(t *testing.T) {
	p := newFakeProvider()
	m, rec := newManager(t, p, NewMemoryStore())

	res := m.Restore(context.Background())
	if res.Outcome != Anonymous {
		t.Fatalf("Restore outcome = %v, want anonymous", res.Outcome)
	}
	if p.initCount() != 0 {
		t.Fatalf("provider Init called %d times, want 0", p.initCount())
	}
	got := rec.snapshot()
	if len(got) != 1 || got[0] != nil {
		t.Fatalf("notifications = %v, want [nil]", got)
	}
	if m.State() != StateAnonymous {
		t.Fatalf("state = %v, want anonymous", m.State())
	}
}

func TestRestoreWithoutRefreshTokenIsNoSession(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "")
	p := authenticatedProvider("A", "R")
	m, rec := newManager(t, p, store)

	if res := m.Restore(context.Background()); res.Outcome != Anonymous {
		t.Fatalf("Restore outcome = %v, want anonymous", res.Outcome)
	}
	if p.initCount() != 0 {
		t.Fatalf("provider Init called for an incomplete pair")
	}
	if _, ok := stored(t, store, KeyAccessToken); ok {
		t.Fatalf("orphaned access token was not cleared")
	}
	if got := rec.snapshot(); len(got) != 1 || got[0] != nil {
		t.Fatalf("notifications = %v, want [nil]", got)
	}
}

func TestRestoreFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(p *fakeProvider)
		outcome Outcome
	}{
		{
			name:    "not authenticated",
			setup:   func(p *fakeProvider) { p.authenticated = false },
			outcome: Anonymous,
		},
		{
			name:    "provider unreachable",
			setup:   func(p *fakeProvider) { p.initErr = ErrProviderUnreachable },
			outcome: Failed,
		},
		{
			name: "missing subject",
			setup: func(p *fakeProvider) {
				p.tokens.Parsed.Subject = ""
			},
			outcome: Failed,
		},
		{
			name: "missing expiry",
			setup: func(p *fakeProvider) {
				p.tokens.Parsed.ExpiresAt = nil
			},
			outcome: Anonymous,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			seed(t, store, "A", "R")
			p := authenticatedProvider("A", "R")
			tc.setup(p)
			m, rec := newManager(t, p, store)

			res := m.Restore(context.Background())
			if res.Outcome != tc.outcome {
				t.Fatalf("outcome = %v (%v), want %v", res.Outcome, res.Err, tc.outcome)
			}
			if res.Identity != nil {
				t.Fatalf("identity = %+v, want nil", res.Identity)
			}
			if got := rec.snapshot(); len(got) != 1 || got[0] != nil {
				t.Fatalf("notifications = %v, want [nil]", got)
			}
			if _, ok := stored(t, store, KeyAccessToken); ok {
				t.Fatalf("access token not cleared")
			}
			if _, ok := stored(t, store, KeyRefreshToken); ok {
				t.Fatalf("refresh token not cleared")
			}
			if m.State() != StateAnonymous {
				t.Fatalf("state = %v, want anonymous", m.State())
			}
		})
	}
}

func TestConcurrentInitIsSingleFlight(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	p := authenticatedProvider("A", "R")
	p.release = make(chan struct{})
	p.entered = make(chan struct{}, 4)
	m, rec := newManager(t, p, store)

	const callers = 4
	results := make([]Result, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := range callers {
		go func() {
			defer wg.Done()
			results[i] = m.Restore(context.Background())
		}()
	}

	<-p.entered
	if m.State() != StateRestoring {
		t.Fatalf("state during init = %v, want restoring", m.State())
	}
	close(p.release)
	wg.Wait()

	if p.initCount() != 1 {
		t.Fatalf("provider Init called %d times, want 1", p.initCount())
	}
	for i, res := range results {
		if res.Outcome != Authenticated || res.Identity == nil || res.Identity.SubjectID != "u1" {
			t.Fatalf("caller %d result = %+v", i, res)
		}
	}
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
}

func TestInitializedSessionIsNotReinitialized(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	p := authenticatedProvider("A", "R")
	m, _ := newManager(t, p, store)

	m.Restore(context.Background())
	res := m.Restore(context.Background())
	if res.Outcome != Authenticated {
		t.Fatalf("second Restore outcome = %v", res.Outcome)
	}
	if p.initCount() != 1 {
		t.Fatalf("provider Init called %d times, want 1", p.initCount())
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	p := authenticatedProvider("A", "R")
	m, rec := newManager(t, p, store)
	ctx := context.Background()

	m.Restore(ctx)
	m.Logout(ctx)
	m.Logout(ctx)

	got := rec.snapshot()
	if len(got) != 3 || got[0] == nil || got[1] != nil || got[2] != nil {
		t.Fatalf("notifications = %v, want [identity nil nil]", got)
	}
	for _, key := range []string{KeyAccessToken, KeyRefreshToken} {
		if _, ok := stored(t, store, key); ok {
			t.Fatalf("%s present after logout", key)
		}
	}
	if m.State() != StateAnonymous || m.Identity() != nil {
		t.Fatalf("state after logout = %v identity %+v", m.State(), m.Identity())
	}
	if p.logouts != 2 {
		t.Fatalf("provider logouts = %d, want 2", p.logouts)
	}

	// Logout re-arms initialization.
	seed(t, store, "A", "R")
	p.tokens = Tokens{AccessToken: "A", RefreshToken: "R", Parsed: aliceClaims()}
	if res := m.Restore(ctx); res.Outcome != Authenticated {
		t.Fatalf("Restore after logout outcome = %v", res.Outcome)
	}
	if p.initCount() != 2 {
		t.Fatalf("provider Init called %d times, want 2", p.initCount())
	}
}

func TestLogoutDuringInitDiscardsResult(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	p := authenticatedProvider("A", "R")
	p.release = make(chan struct{})
	p.entered = make(chan struct{}, 1)
	m, rec := newManager(t, p, store)

	done := make(chan Result)
	go func() { done <- m.Restore(context.Background()) }()
	<-p.entered

	m.Logout(context.Background())
	p.mu.Lock()
	p.tokens = Tokens{AccessToken: "A", RefreshToken: "R", Parsed: aliceClaims()}
	p.mu.Unlock()
	close(p.release)

	if res := <-done; res.Outcome == Authenticated {
		t.Fatalf("init completing after logout resurrected the session")
	}
	if m.Identity() != nil {
		t.Fatalf("identity = %+v after logout", m.Identity())
	}
	if _, ok := stored(t, store, KeyAccessToken); ok {
		t.Fatalf("tokens persisted after logout")
	}
	if got := rec.snapshot(); len(got) != 1 || got[0] != nil {
		t.Fatalf("notifications = %v, want [nil]", got)
	}
}

func TestLoginSkippedWhileInitializing(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	p := authenticatedProvider("A", "R")
	p.release = make(chan struct{})
	p.entered = make(chan struct{}, 1)
	m, _ := newManager(t, p, store)

	done := make(chan Result)
	go func() { done <- m.Restore(context.Background()) }()
	<-p.entered

	if err := m.Login(context.Background(), "http://127.0.0.1/callback"); !errors.Is(err, ErrInitInProgress) {
		t.Fatalf("Login error = %v, want ErrInitInProgress", err)
	}
	close(p.release)
	<-done

	if p.loginCount() != 0 {
		t.Fatalf("provider Login called while initializing")
	}
	if p.initCount() != 1 {
		t.Fatalf("provider Init called %d times, want 1", p.initCount())
	}
}

func TestLoginStartsInteractiveFlow(t *testing.T) {
	p := newFakeProvider()
	m, rec := newManager(t, p, NewMemoryStore())

	if err := m.Login(context.Background(), "http://127.0.0.1/callback"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if diff := cmp.Diff([]LoginOptions{{RedirectURI: "http://127.0.0.1/callback"}}, p.logins); diff != "" {
		t.Fatalf("login options mismatch (-want +got):\n%s", diff)
	}
	if p.initCalls[0].Mode != ModeLoginRequired {
		t.Fatalf("Init mode = %v, want login-required", p.initCalls[0].Mode)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("Login published %v before completion", got)
	}
}

func TestLoginFailureResolvesAnonymous(t *testing.T) {
	p := newFakeProvider()
	p.initErr = ErrProviderUnreachable
	m, rec := newManager(t, p, NewMemoryStore())

	if err := m.Login(context.Background(), ""); !errors.Is(err, ErrProviderUnreachable) {
		t.Fatalf("Login error = %v", err)
	}
	if got := rec.snapshot(); len(got) != 1 || got[0] != nil {
		t.Fatalf("notifications = %v, want [nil]", got)
	}
	if p.loginCount() != 0 {
		t.Fatalf("provider Login called after Init failure")
	}
}

func TestCheckParamsCompletesLogin(t *testing.T) {
	p := authenticatedProvider("A", "R")
	store := NewMemoryStore()
	m, rec := newManager(t, p, store)

	current, _ := url.Parse("http://127.0.0.1:8765/callback?state=s1&session_state=ss&code=c1")
	res := m.CheckParams(context.Background(), current)
	if res.Outcome != Authenticated {
		t.Fatalf("CheckParams outcome = %v (%v)", res.Outcome, res.Err)
	}

	call := p.initCalls[0]
	if call.Mode != ModeCheckSSO {
		t.Fatalf("Init mode = %v, want check-sso", call.Mode)
	}
	if call.RedirectURI != "http://127.0.0.1:8765/callback" {
		t.Fatalf("Init redirect = %q", call.RedirectURI)
	}
	if call.Callback.Get("code") != "c1" || call.Callback.Get("state") != "s1" {
		t.Fatalf("Init callback = %v", call.Callback)
	}
	if p.loginCount() != 0 {
		t.Fatalf("successful completion fell back to login")
	}
	if v, _ := stored(t, store, KeyRefreshToken); v != "R" {
		t.Fatalf("stored refresh = %q", v)
	}
	if got := rec.snapshot(); len(got) != 1 || got[0] == nil {
		t.Fatalf("notifications = %v", got)
	}
}

func TestCheckParamsReadsFragment(t *testing.T) {
	p := authenticatedProvider("A", "R")
	m, _ := newManager(t, p, NewMemoryStore())

	current, _ := url.Parse("http://localhost/app#state=s1&session_state=ss&code=c1")
	if res := m.CheckParams(context.Background(), current); res.Outcome != Authenticated {
		t.Fatalf("CheckParams outcome = %v", res.Outcome)
	}
	if got := p.initCalls[0].RedirectURI; got != "http://localhost/app" {
		t.Fatalf("Init redirect = %q", got)
	}
}

func TestCheckParamsFallsBackToLogin(t *testing.T) {
	tests := []struct {
		name    string
		current string
		setup   func(p *fakeProvider)
		inits   int
	}{
		{
			name:    "no markers and no identity",
			current: "http://localhost/app?foo=bar",
			setup:   func(*fakeProvider) {},
			inits:   1,
		},
		{
			name:    "partial markers",
			current: "http://localhost/app?state=s1&code=c1",
			setup:   func(*fakeProvider) {},
			inits:   1,
		},
		{
			name:    "verification failed",
			current: "http://localhost/app?state=s1&session_state=ss&code=c1",
			setup:   func(p *fakeProvider) { p.initErr = errors.New("state mismatch") },
			inits:   2,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newFakeProvider()
			tc.setup(p)
			m, _ := newManager(t, p, NewMemoryStore())

			current, _ := url.Parse(tc.current)
			if res := m.CheckParams(context.Background(), current); res.Outcome == Authenticated {
				t.Fatalf("CheckParams authenticated without a session")
			}
			if p.initCount() != tc.inits {
				t.Fatalf("provider Init called %d times, want %d", p.initCount(), tc.inits)
			}
			if tc.name != "verification failed" && p.loginCount() != 1 {
				t.Fatalf("provider Login called %d times, want 1", p.loginCount())
			}
		})
	}
}

func TestCheckParamsKeepsExistingSession(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	p := authenticatedProvider("A", "R")
	m, _ := newManager(t, p, store)
	m.Restore(context.Background())

	current, _ := url.Parse("http://localhost/app")
	if res := m.CheckParams(context.Background(), current); res.Outcome != Authenticated {
		t.Fatalf("CheckParams outcome = %v", res.Outcome)
	}
	if p.loginCount() != 0 {
		t.Fatalf("CheckParams started a login with a live session")
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	p := authenticatedProvider("A", "R")
	m, rec := newManager(t, p, store)
	ctx := context.Background()
	m.Restore(ctx)

	p.rotated = Tokens{AccessToken: "A2", RefreshToken: "R2", Parsed: aliceClaims()}
	res := m.Refresh(ctx)
	if res.Outcome != Authenticated {
		t.Fatalf("Refresh outcome = %v (%v)", res.Outcome, res.Err)
	}
	if v, _ := stored(t, store, KeyAccessToken); v != "A2" {
		t.Fatalf("stored access = %q, want A2", v)
	}
	if v, _ := stored(t, store, KeyRefreshToken); v != "R2" {
		t.Fatalf("stored refresh = %q, want R2", v)
	}
	if got := rec.snapshot(); len(got) != 2 || got[1] == nil {
		t.Fatalf("notifications = %v, want two identities", got)
	}
	if m.State() != StateAuthenticated {
		t.Fatalf("state = %v", m.State())
	}
}

func TestRefreshFailureLogsOut(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	p := authenticatedProvider("A", "R")
	m, rec := newManager(t, p, store)
	ctx := context.Background()
	m.Restore(ctx)

	p.updateErr = ErrProviderUnreachable
	res := m.Refresh(ctx)
	if res.Outcome != Failed || !errors.Is(res.Err, ErrProviderUnreachable) {
		t.Fatalf("Refresh result = %+v", res)
	}
	if got := rec.snapshot(); len(got) != 2 || got[1] != nil {
		t.Fatalf("notifications = %v, want [identity nil]", got)
	}
	if _, ok := stored(t, store, KeyRefreshToken); ok {
		t.Fatalf("refresh token survived failed refresh")
	}
	if p.logouts != 1 {
		t.Fatalf("provider logouts = %d, want 1", p.logouts)
	}
}

func TestRefreshWithoutSessionDoesNothing(t *testing.T) {
	p := newFakeProvider()
	m, _ := newManager(t, p, NewMemoryStore())
	if res := m.Refresh(context.Background()); res.Outcome != Anonymous {
		t.Fatalf("Refresh outcome = %v", res.Outcome)
	}
	if p.updates != 0 {
		t.Fatalf("UpdateToken called without a session")
	}
}

func TestRunRefreshesOnExpiry(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	p := authenticatedProvider("A", "R")
	m, _ := newManager(t, p, store)
	m.Restore(context.Background())

	var refreshed atomic.Bool
	m.Subscribe(func(id *auth.Identity) {
		if id != nil && m.provider.Tokens().AccessToken == "A2" {
			refreshed.Store(true)
		}
	})

	p.mu.Lock()
	p.rotated = Tokens{AccessToken: "A2", RefreshToken: "R2", Parsed: aliceClaims()}
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	p.expired <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for !refreshed.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("expiry event did not trigger a refresh")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if v, _ := stored(t, store, KeyAccessToken); v != "A2" {
		t.Fatalf("stored access = %q, want A2", v)
	}
}

func TestSubscriberMayLogOut(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "A", "R")
	p := authenticatedProvider("A", "R")
	m, rec := newManager(t, p, store)
	ctx := context.Background()

	m.Subscribe(func(id *auth.Identity) {
		if id != nil {
			m.Logout(ctx)
		}
	})

	done := make(chan Result, 1)
	go func() { done <- m.Restore(ctx) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Restore deadlocked when a subscriber logged out")
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] == nil || got[1] != nil {
		t.Fatalf("notifications = %v, want [identity nil]", got)
	}
	if m.State() != StateAnonymous || m.Identity() != nil {
		t.Fatalf("state = %v identity %+v, want anonymous", m.State(), m.Identity())
	}
}
