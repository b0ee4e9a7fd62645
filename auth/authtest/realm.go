// Package authtest provides an in-process identity-provider realm for tests. It publishes
// discovery, JWKS, authorization, token and logout endpoints laid out like a Keycloak realm.
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"dairylab/auth"
)

// RealmPath is the path prefix of the realm on the test server.
const RealmPath = "/realms/dairylab"

// User is the account the realm logs in.
type User struct {
	Subject    string
	Username   string
	GivenName  string
	FamilyName string
	Roles      []string
}

// Realm is a fake identity provider backed by an httptest.Server.
type Realm struct {
	Server   *httptest.Server
	Issuer   string
	ClientID string

	key *rsa.PrivateKey
	jwk jose.JSONWebKey

	mu        sync.Mutex
	user      User
	accessTTL time.Duration
	codes     map[string]authCode
	refresh   map[string]bool
	extraKeys []json.RawMessage

	failCerts atomic.Bool
	failToken atomic.Bool

	certHits   atomic.Int64
	tokenHits  atomic.Int64
	logoutHits atomic.Int64
}

type authCode struct {
	redirectURI string
	challenge   string
}

// Option customizes a Realm.
type Option func(*Realm)

// WithUser sets the account issued by the realm.
func WithUser(u User) Option {
	return func(r *Realm) { r.user = u }
}

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(r *Realm) { r.accessTTL = d }
}

// WithExtraKeys publishes additional raw JWKs ahead of the signing key.
func WithExtraKeys(keys ...json.RawMessage) Option {
	return func(r *Realm) { r.extraKeys = append(r.extraKeys, keys...) }
}

// NewRealm starts a realm and registers its shutdown with t.
func NewRealm(t testing.TB, opts ...Option) *Realm {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate realm key: %v", err)
	}
	r := &Realm{
		ClientID: "dairylab-web",
		key:      key,
		jwk:      jose.JSONWebKey{Key: key, KeyID: randomHex(6), Algorithm: string(jose.RS256), Use: "sig"},
		user: User{
			Subject:    "u1",
			Username:   "alice",
			GivenName:  "Alice",
			FamilyName: "Analyst",
			Roles:      []string{"user"},
		},
		accessTTL: 5 * time.Minute,
		codes:     make(map[string]authCode),
		refresh:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.Server = httptest.NewServer(r.routes())
	r.Issuer = r.Server.URL + RealmPath
	t.Cleanup(r.Server.Close)
	return r
}

func (r *Realm) routes() http.Handler {
	mux := chi.NewRouter()
	mux.Route(RealmPath, func(rt chi.Router) {
		rt.Get("/.well-known/openid-configuration", r.handleDiscovery)
		rt.Get("/protocol/openid-connect/certs", r.handleCerts)
		rt.Get("/protocol/openid-connect/auth", r.handleAuth)
		rt.Post("/protocol/openid-connect/token", r.handleToken)
		rt.Post("/protocol/openid-connect/logout", r.handleLogout)
	})
	return mux
}

// CertsURL is the realm's JWKS endpoint.
func (r *Realm) CertsURL() string { return r.Issuer + "/protocol/openid-connect/certs" }

// SetCertsFailing makes the JWKS endpoint return 503 while on.
func (r *Realm) SetCertsFailing(on bool) { r.failCerts.Store(on) }

// SetTokenFailing makes the token endpoint return 503 while on.
func (r *Realm) SetTokenFailing(on bool) { r.failToken.Store(on) }

// CertsHits counts JWKS requests.
func (r *Realm) CertsHits() int64 { return r.certHits.Load() }

// TokenHits counts token endpoint requests.
func (r *Realm) TokenHits() int64 { return r.tokenHits.Load() }

// LogoutHits counts logout requests.
func (r *Realm) LogoutHits() int64 { return r.logoutHits.Load() }

// SetUser replaces the account issued by subsequent tokens.
func (r *Realm) SetUser(u User) {
	r.mu.Lock()
	r.user = u
	r.mu.Unlock()
}

// RevokeRefreshTokens invalidates every outstanding refresh token.
func (r *Realm) RevokeRefreshTokens() {
	r.mu.Lock()
	r.refresh = make(map[string]bool)
	r.mu.Unlock()
}

// PublicKey is the realm's signing key.
func (r *Realm) PublicKey() *rsa.PublicKey { return &r.key.PublicKey }

// Sign signs claims with the realm key using RS256 and the realm kid.
func (r *Realm) Sign(t testing.TB, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = r.jwk.KeyID
	signed, err := token.SignedString(r.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// Claims returns access-token claims for the realm user expiring after ttl.
func (r *Realm) Claims(ttl time.Duration) *auth.Claims {
	r.mu.Lock()
	u := r.user
	r.mu.Unlock()

	now := time.Now()
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.Issuer,
			Subject:   u.Subject,
			Audience:  jwt.ClaimStrings{"account"},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        randomHex(8),
		},
		PreferredUsername: u.Username,
		GivenName:         u.GivenName,
		FamilyName:        u.FamilyName,
		RealmAccess:       auth.RealmAccess{Roles: append([]string(nil), u.Roles...)},
	}
}

// AccessToken issues a signed access token for the realm user.
func (r *Realm) AccessToken(t testing.TB, ttl time.Duration) string {
	t.Helper()
	return r.Sign(t, r.Claims(ttl))
}

// ExpiredToken issues an access token that expired a minute ago.
func (r *Realm) ExpiredToken(t testing.TB) string {
	t.Helper()
	return r.Sign(t, r.Claims(-time.Minute))
}

// IssueRefreshToken registers and returns a refresh token accepted by the token endpoint.
func (r *Realm) IssueRefreshToken() string {
	tok := randomHex(16)
	r.mu.Lock()
	r.refresh[tok] = true
	r.mu.Unlock()
	return tok
}

// Authorize follows an authorization URL the way a browser would and returns the callback URL
// the realm redirects to.
func (r *Realm) Authorize(t testing.TB, authURL string) *url.URL {
	t.Helper()
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Get(authURL)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize: unexpected status %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("authorize: bad location: %v", err)
	}
	return loc
}

func (r *Realm) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	base := r.Issuer + "/protocol/openid-connect"
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                r.Issuer,
		"authorization_endpoint":                base + "/auth",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              base + "/certs",
		"end_session_endpoint":                  base + "/logout",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (r *Realm) handleCerts(w http.ResponseWriter, _ *http.Request) {
	r.certHits.Add(1)
	if r.failCerts.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	pub, err := json.Marshal(r.jwk.Public())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	keys := append(append([]json.RawMessage(nil), r.extraKeys...), pub)
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (r *Realm) handleAuth(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	redirect := q.Get("redirect_uri")
	if redirect == "" || q.Get("client_id") != r.ClientID {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	target, err := url.Parse(redirect)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	code := randomHex(12)
	r.mu.Lock()
	r.codes[code] = authCode{redirectURI: redirect, challenge: q.Get("code_challenge")}
	r.mu.Unlock()

	cb := target.Query()
	cb.Set("state", q.Get("state"))
	cb.Set("session_state", randomHex(8))
	cb.Set("code", code)
	target.RawQuery = cb.Encode()
	http.Redirect(w, req, target.String(), http.StatusFound)
}

func (r *Realm) handleToken(w http.ResponseWriter, req *http.Request) {
	r.tokenHits.Add(1)
	if r.failToken.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := req.ParseForm(); err != nil {
		oauthError(w, "invalid_request")
		return
	}

	switch req.PostForm.Get("grant_type") {
	case "authorization_code":
		r.mu.Lock()
		code, ok := r.codes[req.PostForm.Get("code")]
		delete(r.codes, req.PostForm.Get("code"))
		r.mu.Unlock()
		if !ok || code.redirectURI != req.PostForm.Get("redirect_uri") {
			oauthError(w, "invalid_grant")
			return
		}
		if code.challenge != "" && s256(req.PostForm.Get("code_verifier")) != code.challenge {
			oauthError(w, "invalid_grant")
			return
		}
	case "refresh_token":
		old := req.PostForm.Get("refresh_token")
		r.mu.Lock()
		ok := r.refresh[old]
		delete(r.refresh, old)
		r.mu.Unlock()
		if !ok {
			oauthError(w, "invalid_grant")
			return
		}
	default:
		oauthError(w, "unsupported_grant_type")
		return
	}

	r.mu.Lock()
	ttl := r.accessTTL
	r.mu.Unlock()

	access, err := r.sign(r.Claims(ttl))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	idClaims := r.Claims(ttl)
	idClaims.Audience = jwt.ClaimStrings{r.ClientID}
	idToken, err := r.sign(idClaims)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": r.IssueRefreshToken(),
		"id_token":      idToken,
		"token_type":    "Bearer",
		"expires_in":    int(ttl.Seconds()),
	})
}

func (r *Realm) handleLogout(w http.ResponseWriter, req *http.Request) {
	r.logoutHits.Add(1)
	if err := req.ParseForm(); err != nil {
		oauthError(w, "invalid_request")
		return
	}
	r.mu.Lock()
	delete(r.refresh, req.PostForm.Get("refresh_token"))
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *Realm) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = r.jwk.KeyID
	return token.SignedString(r.key)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func oauthError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
