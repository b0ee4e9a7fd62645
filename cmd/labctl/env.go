package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"dairylab/session"
)

// env is what every command works with: the session manager and the API client on top of it.
type env struct {
	cfg      Config
	logger   *slog.Logger
	provider *session.OIDCProvider
	manager  *session.Manager
	api      *apiClient
	closers  []func() error
}

// envOptions injects collaborators in tests.
type envOptions struct {
	HTTPClient *http.Client
	Opener     func(string) error
	Store      session.CredentialStore
}

func newEnv(cfg Config, logger *slog.Logger, opts envOptions) (*env, error) {
	e := &env{cfg: cfg, logger: logger}

	store := opts.Store
	if store == nil {
		var err error
		store, err = e.credentialStore()
		if err != nil {
			return nil, err
		}
	}

	e.provider = session.NewOIDCProvider(session.OIDCConfig{
		Issuer:      cfg.Issuer,
		ClientID:    cfg.ClientID,
		Scopes:      cfg.Scopes,
		RedirectURL: "http://" + cfg.CallbackAddr + "/callback",
		HTTPClient:  opts.HTTPClient,
		Opener:      opts.Opener,
	}, logger)
	e.closers = append(e.closers, func() error { e.provider.Close(); return nil })

	e.manager = session.NewManager(e.provider, store, session.Options{
		LogoutRedirectURI: cfg.LogoutRedirectURI,
	}, logger)
	e.api = newAPIClient(cfg.APIURL, e.manager, opts.HTTPClient, logger)
	return e, nil
}

func (e *env) credentialStore() (session.CredentialStore, error) {
	c := e.cfg.Credentials
	switch c.Backend {
	case BackendKeyring:
		return session.NewKeyringStore(session.DefaultKeyringService), nil
	case BackendFile:
		return session.NewFileStore(c.Path), nil
	case BackendMemory:
		e.logger.Warn("memory credential backend: the session ends with this process")
		return session.NewMemoryStore(), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		e.closers = append(e.closers, client.Close)
		return session.NewRedisStore(client, c.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown credential backend %q", c.Backend)
	}
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Debug("close failed", "error", err)
		}
	}
}
