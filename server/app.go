package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"dairylab/auth"
	"dairylab/records"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Records  records.Store
	Keys     *auth.KeyCache
	Auth     *auth.Authenticator
	Registry *prometheus.Registry
	Metrics  *Metrics
	Health   *HealthChecker

	db *sql.DB
}

// Deps are the collaborators New does not construct itself.
type Deps struct {
	// DB is pinged by the readiness probe. Optional.
	DB Pinger
	// Records serves the record endpoints.
	Records records.Store
	// HTTPClient fetches the signing key. Optional.
	HTTPClient *http.Client
}

// NewApp connects to the database, applies migrations when configured and wires the application.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	db, err := records.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := records.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database schema ensured", "kinds", len(records.Kinds()))
	}

	app := New(cfg, logger, Deps{DB: db, Records: records.NewPostgresStore(db, logger)})
	app.db = db
	return app, nil
}

// New wires the application around deps.
func New(cfg Config, logger *slog.Logger, deps Deps) *App {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	authMetrics := auth.NewMetrics(reg)

	keys := auth.NewKeyCache(auth.KeyCacheConfig{
		URL:           cfg.Auth.KeysURL(),
		HTTPClient:    deps.HTTPClient,
		RetryInterval: cfg.Auth.RetryInterval,
	}, logger, authMetrics)

	authenticator := auth.NewAuthenticator(keys, auth.AuthenticatorConfig{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	}, logger, authMetrics)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Records:  deps.Records,
		Keys:     keys,
		Auth:     authenticator,
		Registry: reg,
		Metrics:  NewMetrics(reg),
		Health:   NewHealthChecker(deps.DB, keys),
	}
}

// WarmKeys fetches the signing key in the background so the first requests do not pay for it.
func (a *App) WarmKeys(ctx context.Context) {
	attempts := a.Config.Auth.WarmAttempts
	if attempts <= 0 {
		return
	}
	go func() {
		if err := a.Keys.Warm(ctx, attempts); err != nil {
			a.Logger.Warn("signing key warm-up failed, requests will retry lazily", "error", err)
		}
	}()
}

// Close releases the database pool opened by NewApp.
func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
