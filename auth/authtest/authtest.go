// Package authtest provides test doubles for the auth packages: a fake
// identity authority (discovery, signing keys, token endpoint and group
// directory on one httptest server) and a scripted Provider.
package authtest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/dispatch-go/auth"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// KeyID is the kid of the authority's published signing key.
	KeyID = "test-key"
	// Tenant is the tenant path segment of the token endpoint.
	Tenant = "test-tenant"
	// ClientID and ClientSecret are the credentials the token endpoint accepts.
	ClientID     = "app-id"
	ClientSecret = "app-secret"
)

// Authority is a fake OIDC authority and group directory.
type Authority struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey

	// DiscoveryCalls, KeyCalls, TokenCalls, GroupLookups and MembershipChecks
	// count requests per endpoint.
	DiscoveryCalls   atomic.Int32
	KeyCalls         atomic.Int32
	TokenCalls       atomic.Int32
	GroupLookups     atomic.Int32
	MembershipChecks atomic.Int32

	mu       sync.Mutex
	groups   map[string]string   // display name → id
	members  map[string][]string // username → group ids
	failDir  bool
	jwksDown bool

	keysGate   chan struct{}
	memberGate chan struct{}
}

// NewAuthority starts an Authority and registers its shutdown with t.
func NewAuthority(t *testing.T) *Authority {
	t.Helper()

	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	a := &Authority{
		Key:     pk,
		groups:  map[string]string{},
		members: map[string][]string{},
	}

	cert := selfSignedCert(t, pk)
	jwks := jwksJSON(t, pk, cert)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2.0/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		a.DiscoveryCalls.Add(1)
		writeJSON(w, map[string]any{
			"issuer":                   a.Server.URL + "/{tenantid}/v2.0",
			"jwks_uri":                 a.Server.URL + "/discovery/v2.0/keys",
			"authorization_endpoint":   a.Server.URL + "/oauth2/v2.0/authorize",
			"token_endpoint":           a.TokenURL(),
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("GET /discovery/v2.0/keys", func(w http.ResponseWriter, r *http.Request) {
		a.KeyCalls.Add(1)
		a.wait(func() chan struct{} { return a.keysGate })
		a.mu.Lock()
		down := a.jwksDown
		a.mu.Unlock()
		if down {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	})
	mux.HandleFunc("POST /"+Tenant+"/oauth2/v2.0/token", a.handleToken)
	mux.HandleFunc("GET /graph/groups", a.handleGroups)
	mux.HandleFunc("POST /graph/users/{username}/checkMemberGroups", a.handleCheckMemberGroups)

	a.Server = httptest.NewServer(mux)
	t.Cleanup(a.Server.Close)
	return a
}

// URL is the authority base URL to configure providers with.
func (a *Authority) URL() string { return a.Server.URL }

// TokenURL is the client-credentials endpoint.
func (a *Authority) TokenURL() string { return a.Server.URL + "/" + Tenant + "/oauth2/v2.0/token" }

// DirectoryURL is the base URL of the fake group directory.
func (a *Authority) DirectoryURL() string { return a.Server.URL + "/graph" }

// AddGroup publishes a group display name with its object id.
func (a *Authority) AddGroup(name, id string) {
	a.mu.Lock()
	a.groups[name] = id
	a.mu.Unlock()
}

// SetMembership replaces the group ids username belongs to.
func (a *Authority) SetMembership(username string, ids ...string) {
	a.mu.Lock()
	a.members[username] = append([]string(nil), ids...)
	a.mu.Unlock()
}

// FailDirectory makes every directory call return 500.
func (a *Authority) FailDirectory(fail bool) {
	a.mu.Lock()
	a.failDir = fail
	a.mu.Unlock()
}

// FailKeys makes the signing-key endpoint return 503.
func (a *Authority) FailKeys(fail bool) {
	a.mu.Lock()
	a.jwksDown = fail
	a.mu.Unlock()
}

// HoldKeys blocks signing-key requests until the returned release func is
// called. Requests are counted in KeyCalls before they block.
func (a *Authority) HoldKeys() (release func()) {
	return a.hold(&a.keysGate)
}

// HoldMembership blocks checkMemberGroups requests until release is called.
func (a *Authority) HoldMembership() (release func()) {
	return a.hold(&a.memberGate)
}

func (a *Authority) hold(gate *chan struct{}) func() {
	ch := make(chan struct{})
	a.mu.Lock()
	*gate = ch
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			*gate = nil
			a.mu.Unlock()
			close(ch)
		})
	}
}

func (a *Authority) wait(gate func() chan struct{}) {
	a.mu.Lock()
	ch := gate()
	a.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// Sign signs claims with the published key.
func (a *Authority) Sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	return SignWith(t, a.Key, KeyID, claims)
}

// UserClaims returns claims for a human caller valid for the next hour.
func UserClaims(audience, username, name string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"aud":                audience,
		"name":               name,
		"preferred_username": username,
		"iat":                now.Unix(),
		"nbf":                now.Add(-time.Minute).Unix(),
		"exp":                now.Add(time.Hour).Unix(),
	}
}

// ServiceClaims returns claims for a service caller valid for the next hour.
func ServiceClaims(audience, serviceID string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"aud": audience,
		"azp": serviceID,
		"iat": now.Unix(),
		"nbf": now.Add(-time.Minute).Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

// SignWith signs claims with an arbitrary key and kid.
func SignWith(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func (a *Authority) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_id") != ClientID ||
		r.PostForm.Get("client_secret") != ClientSecret ||
		r.PostForm.Get("scope") == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		return
	}
	n := a.TokenCalls.Add(1)
	writeJSON(w, map[string]any{
		"access_token": "svc-token-" + strconv.Itoa(int(n)),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (a *Authority) authorized(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer svc-token-")
}

func (a *Authority) handleGroups(w http.ResponseWriter, r *http.Request) {
	a.GroupLookups.Add(1)
	a.mu.Lock()
	fail := a.failDir
	a.mu.Unlock()
	if fail {
		http.Error(w, "directory down", http.StatusInternalServerError)
		return
	}
	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	filter := r.URL.Query().Get("$filter")
	name := strings.TrimSuffix(strings.TrimPrefix(filter, "displayName eq '"), "'")

	a.mu.Lock()
	id, ok := a.groups[name]
	a.mu.Unlock()

	value := []map[string]string{}
	if ok {
		value = append(value, map[string]string{"id": id})
	}
	writeJSON(w, map[string]any{"value": value})
}

func (a *Authority) handleCheckMemberGroups(w http.ResponseWriter, r *http.Request) {
	a.MembershipChecks.Add(1)
	a.wait(func() chan struct{} { return a.memberGate })
	a.mu.Lock()
	fail := a.failDir
	a.mu.Unlock()
	if fail {
		http.Error(w, "directory down", http.StatusInternalServerError)
		return
	}
	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		GroupIDs []string `json:"groupIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	have := map[string]bool{}
	for _, id := range a.members[r.PathValue("username")] {
		have[id] = true
	}
	a.mu.Unlock()

	value := []string{}
	for _, id := range body.GroupIDs {
		if have[id] {
			value = append(value, id)
		}
	}
	writeJSON(w, map[string]any{"value": value})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func selfSignedCert(t *testing.T, pk *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "authtest signing key"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &pk.PublicKey, pk)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return cert
}

func jwksJSON(t *testing.T, pk *rsa.PrivateKey, cert *x509.Certificate) []byte {
	t.Helper()
	jwk := jose.JSONWebKey{
		Key:          &pk.PublicKey,
		KeyID:        KeyID,
		Algorithm:    "RS256",
		Use:          "sig",
		Certificates: []*x509.Certificate{cert},
	}
	b, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

// Provider is a scripted auth.Provider that counts Initialize calls.
type Provider struct {
	Principal auth.Principal
	Err       error
	InitErr   error

	Inits atomic.Int32
	Calls atomic.Int32
}

var _ auth.Provider = (*Provider)(nil)

func (p *Provider) Initialize(context.Context) error {
	p.Inits.Add(1)
	return p.InitErr
}

func (p *Provider) Authenticate(context.Context, *http.Request) (auth.Principal, error) {
	p.Calls.Add(1)
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Principal == nil {
		return auth.Anonymous{}, nil
	}
	return p.Principal, nil
}
