package bearer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/dispatch-go/auth"
	"github.com/ggoodman/dispatch-go/auth/authtest"
	"github.com/golang-jwt/jwt/v5"
)

func testConfig(a *authtest.Authority) Config {
	return Config{
		Authority:         a.URL(),
		TenantID:          authtest.Tenant,
		ApplicationID:     authtest.ClientID,
		Secret:            authtest.ClientSecret,
		AllowedServiceIDs: []string{"Billing-Svc"},
		DiscoveryRetries:  1,
	}
}

func newProvider(t *testing.T, cfg Config) *Provider {
	t.Helper()
	p := New(cfg)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return p
}

func withToken(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func wantRejected(t *testing.T, err error, msg string) {
	t.Helper()
	var ae *auth.AuthenticationError
	if !errors.As(err, &ae) {
		t.Fatalf("want *auth.AuthenticationError, got %T (%v)", err, err)
	}
	if msg != "" && ae.Message != msg {
		t.Fatalf("message = %q, want %q", ae.Message, msg)
	}
	if ae.StatusCode() != http.StatusForbidden {
		t.Fatalf("status = %d", ae.StatusCode())
	}
}

func TestAuthenticate_UserPrincipal(t *testing.T) {
	a := authtest.NewAuthority(t)
	p := newProvider(t, testConfig(a))

	tok := a.Sign(t, authtest.UserClaims(authtest.ClientID, "alice@example.com", "Alice"))
	got, err := p.Authenticate(context.Background(), withToken(tok))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	pr, ok := got.(*auth.ServiceOrUserPrincipal)
	if !ok {
		t.Fatalf("principal type %T", got)
	}
	if pr.Kind != auth.KindUser || pr.Username != "alice@example.com" || pr.Name != "Alice" || pr.ServiceID != "" {
		t.Fatalf("unexpected principal %+v", pr)
	}
	if pr.ExpiresAt.IsZero() || pr.IssuedAt.IsZero() {
		t.Fatalf("token times not carried: %+v", pr)
	}
}

func TestAuthenticate_ServicePrincipal(t *testing.T) {
	a := authtest.NewAuthority(t)
	p := newProvider(t, testConfig(a))

	tests := []struct {
		name    string
		claims  jwt.MapClaims
		wantID  string
		wantMsg string
	}{
		{name: "azp allowed case-insensitively", claims: authtest.ServiceClaims(authtest.ClientID, "billing-svc"), wantID: "billing-svc"},
		{name: "appid fallback", claims: func() jwt.MapClaims {
			c := authtest.ServiceClaims(authtest.ClientID, "")
			delete(c, "azp")
			c["appid"] = "BILLING-SVC"
			return c
		}(), wantID: "BILLING-SVC"},
		{name: "not listed", claims: authtest.ServiceClaims(authtest.ClientID, "reporting-svc"), wantMsg: "service not authorized"},
		{name: "no identity", claims: func() jwt.MapClaims {
			c := authtest.ServiceClaims(authtest.ClientID, "")
			delete(c, "azp")
			return c
		}(), wantMsg: "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Authenticate(context.Background(), withToken(a.Sign(t, tt.claims)))
			if tt.wantMsg != "" {
				wantRejected(t, err, tt.wantMsg)
				return
			}
			if err != nil {
				t.Fatalf("authenticate: %v", err)
			}
			pr := got.(*auth.ServiceOrUserPrincipal)
			if !pr.IsService() || pr.ServiceID != tt.wantID || pr.Username != "" || pr.Name != "" {
				t.Fatalf("unexpected principal %+v", pr)
			}
		})
	}
}

func TestAuthenticate_TimeWindow(t *testing.T) {
	a := authtest.NewAuthority(t)
	now := time.Unix(1_800_000_000, 0)
	cfg := testConfig(a)
	cfg.Now = func() time.Time { return now }
	p := newProvider(t, cfg)

	claims := func(nbf, exp *time.Time) jwt.MapClaims {
		c := jwt.MapClaims{"aud": authtest.ClientID, "preferred_username": "alice", "iat": now.Add(-time.Hour).Unix()}
		if nbf != nil {
			c["nbf"] = nbf.Unix()
		}
		if exp != nil {
			c["exp"] = exp.Unix()
		}
		return c
	}
	at := func(d time.Duration) *time.Time { v := now.Add(d); return &v }

	tests := []struct {
		name   string
		claims jwt.MapClaims
		ok     bool
	}{
		{name: "inside", claims: claims(at(-time.Minute), at(time.Minute)), ok: true},
		{name: "exp equals now", claims: claims(at(-time.Minute), at(0)), ok: true},
		{name: "nbf equals now", claims: claims(at(0), at(time.Minute)), ok: true},
		{name: "no nbf", claims: claims(nil, at(time.Minute)), ok: true},
		{name: "expired", claims: claims(at(-time.Hour), at(-time.Second))},
		{name: "not yet valid", claims: claims(at(time.Second), at(time.Hour))},
		{name: "missing exp", claims: claims(at(-time.Minute), nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Authenticate(context.Background(), withToken(a.Sign(t, tt.claims)))
			if tt.ok {
				if err != nil {
					t.Fatalf("authenticate: %v", err)
				}
				return
			}
			wantRejected(t, err, "token expired")
		})
	}
}

func TestAuthenticate_Audience(t *testing.T) {
	a := authtest.NewAuthority(t)

	t.Run("defaults to application id", func(t *testing.T) {
		p := newProvider(t, testConfig(a))
		_, err := p.Authenticate(context.Background(), withToken(a.Sign(t, authtest.UserClaims("someone-else", "alice", "Alice"))))
		wantRejected(t, err, "invalid audience")
	})

	t.Run("configured audience", func(t *testing.T) {
		cfg := testConfig(a)
		cfg.Audience = "api://orders"
		p := newProvider(t, cfg)

		if _, err := p.Authenticate(context.Background(), withToken(a.Sign(t, authtest.UserClaims("api://orders", "alice", "Alice")))); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
		_, err := p.Authenticate(context.Background(), withToken(a.Sign(t, authtest.UserClaims(authtest.ClientID, "alice", "Alice"))))
		wantRejected(t, err, "invalid audience")
	})

	t.Run("multi-valued never matches", func(t *testing.T) {
		p := newProvider(t, testConfig(a))
		c := authtest.UserClaims(authtest.ClientID, "alice", "Alice")
		c["aud"] = []string{authtest.ClientID, "other"}
		_, err := p.Authenticate(context.Background(), withToken(a.Sign(t, c)))
		wantRejected(t, err, "invalid audience")
	})
}

func TestAuthenticate_Rejections(t *testing.T) {
	a := authtest.NewAuthority(t)
	p := newProvider(t, testConfig(a))
	claims := authtest.UserClaims(authtest.ClientID, "alice", "Alice")

	other := authtest.NewAuthority(t)

	tests := []struct {
		name   string
		header string
		msg    string
	}{
		{name: "missing header", header: "", msg: "missing bearer token"},
		{name: "basic scheme", header: "Basic YWxpY2U6c2VjcmV0", msg: "missing bearer token"},
		{name: "empty token", header: "Bearer ", msg: "missing bearer token"},
		{name: "garbage", header: "Bearer not-a-jwt", msg: "invalid token"},
		{name: "unknown kid", header: "Bearer " + authtest.SignWith(t, a.Key, "rotated", claims), msg: "invalid token"},
		{name: "foreign signature", header: "Bearer " + other.Sign(t, claims), msg: "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			_, err := p.Authenticate(context.Background(), r)
			wantRejected(t, err, tt.msg)
			if !errors.Is(err, auth.ErrUnauthorized) {
				t.Fatalf("errors.Is(ErrUnauthorized) = false for %v", err)
			}
		})
	}

	t.Run("scheme is case-insensitive", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "bearer "+a.Sign(t, claims))
		if _, err := p.Authenticate(context.Background(), r); err != nil {
			t.Fatalf("authenticate: %v", err)
		}
	})
}

func TestInitialize_KeysUnavailableFailsClosed(t *testing.T) {
	a := authtest.NewAuthority(t)
	a.FailKeys(true)

	p := newProvider(t, testConfig(a))
	tok := a.Sign(t, authtest.UserClaims(authtest.ClientID, "alice", "Alice"))

	_, err := p.Authenticate(context.Background(), withToken(tok))
	wantRejected(t, err, "invalid token")

	if err := p.Refresh(context.Background()); err == nil {
		t.Fatalf("refresh should report the key fetch failure")
	}

	a.FailKeys(false)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := p.Authenticate(context.Background(), withToken(tok)); err != nil {
		t.Fatalf("authenticate after refresh: %v", err)
	}
	if a.KeyCalls.Load() != 3 {
		t.Fatalf("key fetches = %d, want 3", a.KeyCalls.Load())
	}
}

func TestRefresh_FailureKeepsServingKeys(t *testing.T) {
	a := authtest.NewAuthority(t)
	p := newProvider(t, testConfig(a))
	tok := a.Sign(t, authtest.UserClaims(authtest.ClientID, "alice", "Alice"))

	release := a.HoldKeys()
	defer release()
	a.FailKeys(true)

	const refreshes = 2
	errs := make(chan error, refreshes)
	for i := 0; i < refreshes; i++ {
		go func() { errs <- p.Refresh(context.Background()) }()
	}
	deadline := time.Now().Add(5 * time.Second)
	for a.KeyCalls.Load() < 1+refreshes {
		if time.Now().After(deadline) {
			t.Fatalf("refreshes never reached the key endpoint")
		}
		time.Sleep(time.Millisecond)
	}

	// Both refreshes are blocked mid-fetch; requests keep using the old keys.
	for i := 0; i < 5; i++ {
		if _, err := p.Authenticate(context.Background(), withToken(tok)); err != nil {
			t.Fatalf("authenticate during refresh: %v", err)
		}
	}

	release()
	for i := 0; i < refreshes; i++ {
		if err := <-errs; err == nil {
			t.Fatalf("refresh %d reported success for a failed fetch", i)
		}
	}
	if _, err := p.Authenticate(context.Background(), withToken(tok)); err != nil {
		t.Fatalf("failed refresh discarded the previous keys: %v", err)
	}
	if got := a.KeyCalls.Load(); got != 1+refreshes {
		t.Fatalf("key fetches = %d, want %d", got, 1+refreshes)
	}
}

func TestInitialize_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no authority", cfg: Config{ApplicationID: "app"}},
		{name: "no application id", cfg: Config{Authority: "https://login.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.cfg).Initialize(context.Background())
			if !errors.Is(err, auth.ErrInitialization) {
				t.Fatalf("want initialization error, got %v", err)
			}
			var ie *auth.InitializationError
			if !errors.As(err, &ie) || ie.Provider != string(auth.TypeBearer) {
				t.Fatalf("unexpected error %#v", err)
			}
		})
	}
}

func TestServiceToken_SingleFlight(t *testing.T) {
	a := authtest.NewAuthority(t)
	p := newProvider(t, testConfig(a))

	const k = 8
	var wg sync.WaitGroup
	toks := make([]string, k)
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			toks[i], errs[i] = p.ServiceToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < k; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if toks[i] != toks[0] {
			t.Fatalf("callers saw different tokens: %q vs %q", toks[i], toks[0])
		}
	}
	if got := a.TokenCalls.Load(); got != 1 {
		t.Fatalf("token endpoint calls = %d, want 1", got)
	}
}

func TestServiceToken_Expiry(t *testing.T) {
	a := authtest.NewAuthority(t)
	now := time.Now()
	var mu sync.Mutex
	cfg := testConfig(a)
	cfg.Now = func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	p := newProvider(t, cfg)

	first, err := p.ServiceToken(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	mu.Lock()
	now = now.Add(ServiceTokenTTL + time.Second)
	mu.Unlock()

	second, err := p.ServiceToken(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if first == second || a.TokenCalls.Load() != 2 {
		t.Fatalf("expected refetch after ttl: %q %q calls=%d", first, second, a.TokenCalls.Load())
	}
}

func TestServiceToken_BadCredentials(t *testing.T) {
	a := authtest.NewAuthority(t)
	cfg := testConfig(a)
	cfg.Secret = "wrong"
	p := newProvider(t, cfg)

	if _, err := p.ServiceToken(context.Background()); err == nil {
		t.Fatalf("expected token endpoint rejection")
	}
}
