package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Credential backends.
const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
	BackendMemory  = "memory"
	BackendRedis   = "redis"
)

// Config is the labctl configuration file.
type Config struct {
	Issuer            string            `yaml:"issuer"`
	ClientID          string            `yaml:"client_id"`
	APIURL            string            `yaml:"api_url"`
	CallbackAddr      string            `yaml:"callback_addr"`
	LogoutRedirectURI string            `yaml:"logout_redirect_uri"`
	Scopes            []string          `yaml:"scopes"`
	Credentials       CredentialsConfig `yaml:"credentials"`
}

// CredentialsConfig selects where the token pair is persisted between runs.
type CredentialsConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

func defaultConfig() Config {
	return Config{
		Issuer:       "http://localhost:8080/realms/dairylab",
		ClientID:     "dairylab-cli",
		APIURL:       "http://127.0.0.1:8080",
		CallbackAddr: "127.0.0.1:8765",
		Scopes:       []string{"openid", "profile", "email"},
		Credentials: CredentialsConfig{
			Backend:     BackendKeyring,
			Path:        filepath.Join(configDir(), "credentials.json"),
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "dairylab:cli:",
		},
	}
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".dairylab"
	}
	return filepath.Join(dir, "dairylab")
}

func defaultConfigPath() string {
	return filepath.Join(configDir(), "labctl.yaml")
}

// loadConfig reads path when it exists and applies DAIRYLAB_* overrides. A missing file at the
// default location is not an error.
func loadConfig(path string, explicit bool) (Config, error) {
	cfg := defaultConfig()

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"DAIRYLAB_ISSUER":              func(v string) { cfg.Issuer = v },
		"DAIRYLAB_CLIENT_ID":           func(v string) { cfg.ClientID = v },
		"DAIRYLAB_API_URL":             func(v string) { cfg.APIURL = v },
		"DAIRYLAB_CALLBACK_ADDR":       func(v string) { cfg.CallbackAddr = v },
		"DAIRYLAB_LOGOUT_REDIRECT_URI": func(v string) { cfg.LogoutRedirectURI = v },
		"DAIRYLAB_SCOPES":              func(v string) { cfg.Scopes = splitAndTrim(v) },
		"DAIRYLAB_CREDENTIALS_BACKEND": func(v string) { cfg.Credentials.Backend = v },
		"DAIRYLAB_CREDENTIALS_PATH":    func(v string) { cfg.Credentials.Path = v },
		"DAIRYLAB_REDIS_ADDR":          func(v string) { cfg.Credentials.RedisAddr = v },
		"DAIRYLAB_REDIS_PREFIX":        func(v string) { cfg.Credentials.RedisPrefix = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(strings.TrimSpace(val))
		}
	}
}

func (c Config) validate() error {
	if !isHTTPURL(c.Issuer) {
		return fmt.Errorf("issuer must start with http:// or https://, got: %q", c.Issuer)
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if !isHTTPURL(c.APIURL) {
		return fmt.Errorf("api_url must start with http:// or https://, got: %q", c.APIURL)
	}
	host, _, err := net.SplitHostPort(c.CallbackAddr)
	if err != nil {
		return fmt.Errorf("callback_addr: %w", err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("callback_addr must be a loopback address, got: %s", c.CallbackAddr)
	}
	switch c.Credentials.Backend {
	case BackendKeyring, BackendMemory:
	case BackendFile:
		if c.Credentials.Path == "" {
			return errors.New("credentials.path is required for the file backend")
		}
	case BackendRedis:
		if c.Credentials.RedisAddr == "" {
			return errors.New("credentials.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("credentials.backend must be one of keyring, file, memory, redis, got: %q", c.Credentials.Backend)
	}
	return nil
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
