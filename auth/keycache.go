package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-jose/go-jose/v3"
	"golang.org/x/sync/singleflight"
)

const fetchTimeout = 10 * time.Second

// KeySource yields the provider's RSA signing key.
type KeySource interface {
	Key(ctx context.Context) (*rsa.PublicKey, error)
}

// KeyCacheConfig configures a KeyCache.
type KeyCacheConfig struct {
	// URL of the provider's certificate endpoint, e.g. <issuer>/protocol/openid-connect/certs.
	URL        string
	HTTPClient *http.Client
	// RetryInterval throttles fetch attempts while the cache is empty. Zero retries on every call.
	RetryInterval time.Duration
	// WarmInterval is the initial backoff interval used by Warm.
	WarmInterval time.Duration
}

// KeyCache fetches the provider's signing key once and keeps it for the life of the process.
// While empty, every verification fails closed with ErrKeyUnavailable.
type KeyCache struct {
	cfg     KeyCacheConfig
	client  *http.Client
	logger  *slog.Logger
	metrics *Metrics

	mu          sync.RWMutex
	key         *rsa.PublicKey
	lastAttempt time.Time
	lastErr     error

	group singleflight.Group
}

// NewKeyCache creates an empty cache. Nothing is fetched until Key or Warm is called.
func NewKeyCache(cfg KeyCacheConfig, logger *slog.Logger, metrics *Metrics) *KeyCache {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	if cfg.WarmInterval <= 0 {
		cfg.WarmInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyCache{cfg: cfg, client: client, logger: logger, metrics: metrics}
}

// Key returns the cached key, fetching it if the cache is empty.
func (c *KeyCache) Key(ctx context.Context) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, last, lastErr := c.key, c.lastAttempt, c.lastErr
	c.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	if c.cfg.RetryInterval > 0 && !last.IsZero() && time.Since(last) < c.cfg.RetryInterval {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, lastErr)
	}

	return c.shared(ctx)
}

// shared joins the in-flight fetch or starts one. The fetch is detached from ctx so that one
// caller going away does not fail the others; the caller itself stops waiting when ctx is done.
func (c *KeyCache) shared(ctx context.Context) (*rsa.PublicKey, error) {
	ch := c.group.DoChan("jwks", func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*rsa.PublicKey), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, ctx.Err())
	}
}

// Ready reports whether a signing key is cached.
func (c *KeyCache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key != nil
}

// Warm fetches the key with exponential backoff, giving up after attempts tries.
func (c *KeyCache) Warm(ctx context.Context, attempts int) error {
	if attempts <= 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.WarmInterval

	_, err := backoff.Retry(ctx, func() (*rsa.PublicKey, error) {
		return c.shared(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)), // #nosec G115 -- attempts is positive
		backoff.WithNotify(func(err error, d time.Duration) {
			c.logger.Warn("signing key fetch failed, retrying", "url", c.cfg.URL, "error", err, "retry_in", d)
		}),
	)
	return err
}

func (c *KeyCache) fetch(ctx context.Context) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key := c.key
	c.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	key, err := c.download(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAttempt = time.Now()
	if err != nil {
		c.lastErr = err
		c.metrics.keyFetch("error")
		c.logger.Error("signing key fetch failed", "url", c.cfg.URL, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	c.key = key
	c.lastErr = nil
	c.metrics.keyFetch("success")
	c.logger.Info("signing key cached", "url", c.cfg.URL)
	return key, nil
}

func (c *KeyCache) download(ctx context.Context) (*rsa.PublicKey, error) {
	if c.cfg.URL == "" {
		return nil, errors.New("jwks url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	return selectSigningKey(doc.Keys)
}

// selectSigningKey picks the first RSA key meant for signatures. Entries are decoded one at a time
// so that a key of an unsupported type elsewhere in the set does not reject the whole document.
func selectSigningKey(keys []json.RawMessage) (*rsa.PublicKey, error) {
	for _, raw := range keys {
		var head struct {
			Kty string `json:"kty"`
			Use string `json:"use"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}
		if head.Use != "sig" || head.Kty != "RSA" {
			continue
		}
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("decode signing key: %w", err)
		}
		pub, ok := jwk.Key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("signing key has unexpected type %T", jwk.Key)
		}
		return pub, nil
	}
	return nil, errors.New("no RSA signing key in jwks")
}
