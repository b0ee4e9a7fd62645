package session

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"dairylab/auth"
)

// ErrInitInProgress is returned by Login when an initialization is already in flight.
var ErrInitInProgress = errors.New("session initialization in progress")

// State is the Manager's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateRestoring
	StateAuthenticated
	StateRefreshing
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateRestoring:
		return "restoring"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateAnonymous:
		return "anonymous"
	default:
		return "uninitialized"
	}
}

// Outcome tags a Result.
type Outcome int

const (
	Anonymous Outcome = iota
	Authenticated
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return "anonymous"
	}
}

// Result is the outcome of a session operation. Identity is set only when Outcome is
// Authenticated; Err only when it is Failed.
type Result struct {
	Outcome  Outcome
	Identity *auth.Identity
	Err      error
}

// Options tune a Manager.
type Options struct {
	// LogoutRedirectURI is handed to the provider on logout.
	LogoutRedirectURI string
	// MinValidity is the validity window requested from the provider on refresh.
	MinValidity time.Duration
}

// Manager owns the session with the identity provider. It persists the token pair, tracks the
// current identity and republishes every identity change through its Notifier (nil meaning
// anonymous). At most one provider initialization or refresh is in flight at any time;
// overlapping callers share its Result.
type Manager struct {
	provider Provider
	store    CredentialStore
	notifier *Notifier[*auth.Identity]
	logger   *slog.Logger
	opts     Options

	mu          sync.Mutex
	state       State
	identity    *auth.Identity
	initialized bool
	pending     *call
	// epoch advances on logout so that an init completing afterwards is discarded.
	epoch uint64
}

type call struct {
	done chan struct{}
	res  Result
}

func (c *call) wait(ctx context.Context) Result {
	select {
	case <-c.done:
		return c.res
	case <-ctx.Done():
		return Result{Outcome: Failed, Err: ctx.Err()}
	}
}

// NewManager creates a Manager in StateUninitialized.
func NewManager(provider Provider, store CredentialStore, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinValidity <= 0 {
		opts.MinValidity = 5 * time.Second
	}
	return &Manager{
		provider: provider,
		store:    store,
		notifier: NewNotifier[*auth.Identity](),
		logger:   logger,
		opts:     opts,
	}
}

// Subscribe registers fn for identity changes. See Notifier.Subscribe. fn may call other Manager
// methods such as Logout; the notifications they cause are delivered after fn returns.
func (m *Manager) Subscribe(fn func(*auth.Identity)) (unsubscribe func()) {
	return m.notifier.Subscribe(fn)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the current identity, or nil when anonymous.
func (m *Manager) Identity() *auth.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// AccessToken returns the bearer token of the current session, or "" when anonymous.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	authenticated := m.state == StateAuthenticated
	m.mu.Unlock()
	if !authenticated {
		return ""
	}
	return m.provider.Tokens().AccessToken
}

// Restore attempts a silent restore from the persisted credential pair. Without a complete pair
// it resolves to Anonymous without contacting the provider.
func (m *Manager) Restore(ctx context.Context) Result {
	m.mu.Lock()
	if c := m.pending; c != nil {
		m.mu.Unlock()
		return c.wait(ctx)
	}
	if m.initialized {
		res := m.resultLocked()
		m.mu.Unlock()
		return res
	}
	m.identity = nil
	epoch := m.epoch
	m.mu.Unlock()

	access, refresh, err := m.loadCredentials(ctx)
	if err != nil {
		m.logger.Error("reading stored credentials failed", "error", err)
		res, publish := m.becomeAnonymous(epoch, Result{Outcome: Failed, Err: err})
		if publish {
			m.notifier.Publish(nil)
		}
		return res
	}
	if access == "" || refresh == "" {
		if access != "" || refresh != "" {
			m.logger.Info("incomplete stored credentials, discarding")
			m.clearCredentials(ctx)
		} else {
			m.logger.Debug("no stored credentials")
		}
		res, publish := m.becomeAnonymous(epoch, Result{Outcome: Anonymous})
		if publish {
			m.notifier.Publish(nil)
		}
		return res
	}

	m.logger.Debug("found stored credentials, restoring session")
	return m.initialize(ctx, InitOptions{Token: access, RefreshToken: refresh})
}

// Login starts the provider's interactive login. It is a no-op returning ErrInitInProgress while
// an initialization is in flight. Completion arrives through CheckParams.
func (m *Manager) Login(ctx context.Context, redirectURI string) error {
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		m.logger.Info("login skipped: initialization in progress")
		return ErrInitInProgress
	}
	c := &call{done: make(chan struct{})}
	m.pending = c
	epoch := m.epoch
	m.mu.Unlock()

	authenticated, err := m.provider.Init(ctx, InitOptions{Mode: ModeLoginRequired, RedirectURI: redirectURI})
	if err == nil && authenticated {
		res, publish := m.settle(ctx, epoch, true, nil)
		m.complete(c, res, publish)
		return nil
	}
	if err == nil {
		err = m.provider.Login(ctx, LoginOptions{RedirectURI: redirectURI})
	}
	if err != nil {
		m.logger.Error("login failed", "error", err)
		res, publish := m.becomeAnonymous(epoch, Result{Outcome: Failed, Err: err})
		m.complete(c, res, publish)
		return err
	}

	m.mu.Lock()
	res := m.resultLocked()
	m.mu.Unlock()
	m.complete(c, res, false)
	return nil
}

// Logout clears persisted credentials and the current identity, ends the provider session and
// notifies subscribers with nil. It is safe to call in any state.
func (m *Manager) Logout(ctx context.Context) {
	m.endSession(ctx)
	m.notifier.Publish(nil)
}

// CheckParams completes a provider redirect. current is the URL the provider redirected to; its
// query and fragment are searched for the state, session_state and code markers. Any outcome
// other than an authenticated session falls back to Login.
func (m *Manager) CheckParams(ctx context.Context, current *url.URL) Result {
	params := callbackParams(current)
	redirect := stripURL(current)

	if params.Get("state") != "" && params.Get("session_state") != "" && params.Get("code") != "" {
		res := m.initialize(ctx, InitOptions{
			Mode:        ModeCheckSSO,
			RedirectURI: redirect,
			Callback:    params,
		})
		if res.Outcome != Authenticated {
			m.logger.Info("redirect did not yield a session, restarting login", "outcome", res.Outcome)
			m.loginFallback(ctx, redirect)
		}
		return res
	}

	m.mu.Lock()
	res := m.resultLocked()
	hasIdentity := m.identity != nil
	m.mu.Unlock()
	if !hasIdentity {
		m.logger.Info("no session after redirect check, starting login")
		m.loginFallback(ctx, redirect)
	}
	return res
}

// Refresh asks the provider for a token valid at least Options.MinValidity. On failure the session
// is logged out. While an initialization is in flight, Refresh waits for it and returns its result.
func (m *Manager) Refresh(ctx context.Context) Result {
	m.mu.Lock()
	if c := m.pending; c != nil {
		m.mu.Unlock()
		return c.wait(ctx)
	}
	if m.state != StateAuthenticated {
		res := m.resultLocked()
		m.mu.Unlock()
		return res
	}
	c := &call{done: make(chan struct{})}
	m.pending = c
	m.state = StateRefreshing
	epoch := m.epoch
	m.mu.Unlock()

	refreshed, err := m.provider.UpdateToken(ctx, m.opts.MinValidity)
	if err != nil {
		m.logger.Error("token refresh failed, logging out", "error", err)
		m.endSession(ctx)
		return m.complete(c, Result{Outcome: Failed, Err: err}, true)
	}
	m.logger.Debug("token refresh completed", "refreshed", refreshed)

	res, publish := m.settle(ctx, epoch, true, nil)
	return m.complete(c, res, publish)
}

// Run delivers provider expiry events to Refresh until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.provider.Expired():
			res := m.Refresh(ctx)
			m.logger.Debug("token expiry handled", "outcome", res.Outcome)
		}
	}
}

// initialize runs a single-flight provider Init. Once a session is initialized, further calls
// return the current result until Logout.
func (m *Manager) initialize(ctx context.Context, opts InitOptions) Result {
	m.mu.Lock()
	if c := m.pending; c != nil {
		m.mu.Unlock()
		return c.wait(ctx)
	}
	if m.initialized {
		res := m.resultLocked()
		m.mu.Unlock()
		return res
	}
	c := &call{done: make(chan struct{})}
	m.pending = c
	m.state = StateRestoring
	epoch := m.epoch
	m.mu.Unlock()

	m.logger.Debug("initializing provider session", "mode", opts.Mode)
	authenticated, err := m.provider.Init(ctx, opts)
	res, publish := m.settle(ctx, epoch, authenticated, err)
	return m.complete(c, res, publish)
}

// settle turns a provider answer into the next state, persisting or clearing credentials.
func (m *Manager) settle(ctx context.Context, epoch uint64, authenticated bool, err error) (Result, bool) {
	if err != nil {
		m.logger.Error("identity provider call failed", "error", err)
		m.clearCredentials(ctx)
		return m.becomeAnonymous(epoch, Result{Outcome: Failed, Err: err})
	}

	id, err := m.storeCredentials(ctx, authenticated)
	if err != nil {
		m.logger.Error("storing credentials failed", "error", err)
		m.clearCredentials(ctx)
		return m.becomeAnonymous(epoch, Result{Outcome: Failed, Err: err})
	}
	if id == nil {
		m.logger.Info("provider reports no authenticated session")
		return m.becomeAnonymous(epoch, Result{Outcome: Anonymous})
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.logger.Info("session ended during initialization, discarding tokens")
		m.clearCredentials(ctx)
		return Result{Outcome: Anonymous}, false
	}
	m.state = StateAuthenticated
	m.identity = id
	m.initialized = true
	m.mu.Unlock()

	m.logger.Info("session authenticated", "sub", id.SubjectID, "username", id.Username)
	return Result{Outcome: Authenticated, Identity: id}, true
}

// storeCredentials persists the provider's tokens when the session is complete and returns the
// identity built from them. An incomplete session clears the store and yields a nil identity.
func (m *Manager) storeCredentials(ctx context.Context, authenticated bool) (*auth.Identity, error) {
	tok := m.provider.Tokens()
	if !authenticated || tok.AccessToken == "" || tok.RefreshToken == "" ||
		tok.Parsed == nil || tok.Parsed.ExpiresAt == nil {
		m.clearCredentials(ctx)
		return nil, nil
	}

	id, err := auth.IdentityFromClaims(tok.Parsed)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, KeyAccessToken, tok.AccessToken); err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, KeyRefreshToken, tok.RefreshToken); err != nil {
		return nil, err
	}
	if err := m.store.Remove(ctx, keyLegacyExpiry); err != nil {
		m.logger.Warn("removing legacy expiry failed", "error", err)
	}
	return id, nil
}

func (m *Manager) loadCredentials(ctx context.Context) (string, string, error) {
	access, _, err := m.store.Get(ctx, KeyAccessToken)
	if err != nil {
		return "", "", err
	}
	refresh, _, err := m.store.Get(ctx, KeyRefreshToken)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (m *Manager) clearCredentials(ctx context.Context) {
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, keyLegacyExpiry} {
		if err := m.store.Remove(ctx, key); err != nil {
			m.logger.Warn("removing stored credential failed", "key", key, "error", err)
		}
	}
}

// becomeAnonymous moves to StateAnonymous unless a logout happened since epoch, in which case the
// logout already published and nothing is published again.
func (m *Manager) becomeAnonymous(epoch uint64, res Result) (Result, bool) {
	res.Identity = nil
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return res, false
	}
	m.state = StateAnonymous
	m.identity = nil
	m.initialized = false
	return res, true
}

// endSession performs every logout step except the notification.
func (m *Manager) endSession(ctx context.Context) {
	m.mu.Lock()
	m.epoch++
	m.state = StateAnonymous
	m.identity = nil
	m.initialized = false
	m.mu.Unlock()

	m.clearCredentials(ctx)
	if err := m.provider.Logout(ctx, LogoutOptions{RedirectURI: m.opts.LogoutRedirectURI}); err != nil {
		m.logger.Warn("provider logout failed", "error", err)
	}
	m.logger.Info("session ended")
}

// complete releases the in-flight slot, publishes the identity when asked and wakes waiters.
func (m *Manager) complete(c *call, res Result, publish bool) Result {
	m.mu.Lock()
	if m.pending == c {
		m.pending = nil
	}
	m.mu.Unlock()

	if publish {
		m.notifier.Publish(res.Identity)
	}
	c.res = res
	close(c.done)
	return res
}

func (m *Manager) loginFallback(ctx context.Context, redirect string) {
	if err := m.Login(ctx, redirect); err != nil && !errors.Is(err, ErrInitInProgress) {
		m.logger.Warn("fallback login failed", "error", err)
	}
}

func (m *Manager) resultLocked() Result {
	if m.state == StateAuthenticated && m.identity != nil {
		return Result{Outcome: Authenticated, Identity: m.identity}
	}
	return Result{Outcome: Anonymous}
}

// callbackParams merges the query and fragment of u; providers may answer in either.
func callbackParams(u *url.URL) url.Values {
	params := url.Values{}
	if u == nil {
		return params
	}
	for k, vs := range u.Query() {
		params[k] = append(params[k], vs...)
	}
	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		for k, vs := range frag {
			params[k] = append(params[k], vs...)
		}
	}
	return params
}

func stripURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.RawQuery = ""
	clean.ForceQuery = false
	clean.Fragment = ""
	clean.RawFragment = ""
	return clean.String()
}
