// Package jwtauth performs the remote half of bearer-token validation:
// OpenID Connect discovery, signing-key set retrieval and RS256 signature
// verification. Claim policy (audience, lifetime, principal resolution) is
// left to the caller.
package jwtauth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// SigningAlg is the only accepted token signature algorithm.
const SigningAlg = "RS256"

var (
	// ErrUnknownKey indicates the token header names a key id absent from the key set.
	ErrUnknownKey = errors.New("jwtauth: unknown signing key")
	// ErrMissingKeyID indicates the token header has no kid.
	ErrMissingKeyID = errors.New("jwtauth: missing kid header")
	// ErrDiscovery indicates the discovery document was unusable.
	ErrDiscovery = errors.New("jwtauth: discovery failed")
)

// Metadata is the subset of the discovery document this package relies on.
type Metadata struct {
	Issuer        string `json:"issuer"`
	JWKSURI       string `json:"jwks_uri"`
	TokenEndpoint string `json:"token_endpoint"`
}

// DiscoveryURL returns the discovery base used for an authority. go-oidc
// appends /.well-known/openid-configuration.
func DiscoveryURL(authority string) string {
	return strings.TrimSuffix(authority, "/") + "/v2.0"
}

// Discover fetches {authority}/v2.0/.well-known/openid-configuration. The
// advertised issuer is not compared to the discovery URL because
// multi-tenant authorities publish templated issuers. Transient failures are
// retried up to maxTries times with exponential backoff.
func Discover(ctx context.Context, client *http.Client, authority string, maxTries uint) (*Metadata, error) {
	if maxTries == 0 {
		maxTries = 1
	}
	base := DiscoveryURL(authority)

	ctx = oidc.ClientContext(ctx, client)
	ctx = oidc.InsecureIssuerURLContext(ctx, base)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond

	return backoff.Retry(ctx, func() (*Metadata, error) {
		provider, err := oidc.NewProvider(ctx, base)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
		}
		var meta Metadata
		if err := provider.Claims(&meta); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: invalid discovery metadata: %v", ErrDiscovery, err))
		}
		if meta.JWKSURI == "" {
			return nil, backoff.Permanent(fmt.Errorf("%w: discovery incomplete: missing jwks_uri", ErrDiscovery))
		}
		return &meta, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTries))
}

// KeySet maps key ids to RSA public keys. It is immutable once built.
type KeySet struct {
	keys map[string]*rsa.PublicKey
	// fallback resolves kids published as bare JWKs (n/e) without an x5c chain.
	fallback keyfunc.Keyfunc
}

// NewKeySet builds a KeySet from an explicit map.
func NewKeySet(keys map[string]*rsa.PublicKey) *KeySet {
	cp := make(map[string]*rsa.PublicKey, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &KeySet{keys: cp}
}

// EmptyKeySet returns a KeySet that rejects every token.
func EmptyKeySet() *KeySet { return &KeySet{keys: map[string]*rsa.PublicKey{}} }

// Len reports the number of certificate-backed keys.
func (ks *KeySet) Len() int {
	if ks == nil {
		return 0
	}
	return len(ks.keys)
}

// Lookup returns the certificate-backed key for kid.
func (ks *KeySet) Lookup(kid string) (*rsa.PublicKey, bool) {
	if ks == nil {
		return nil, false
	}
	k, ok := ks.keys[kid]
	return k, ok
}

// Keyfunc is a jwt.Keyfunc resolving the token's kid against the set.
func (ks *KeySet) Keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, ErrMissingKeyID
	}
	if k, ok := ks.Lookup(kid); ok {
		return k, nil
	}
	if ks != nil && ks.fallback != nil {
		if k, err := ks.fallback.Keyfunc(t); err == nil {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

type keyEntry struct {
	Kid string   `json:"kid"`
	X5c []string `json:"x5c"`
	N   string   `json:"n"`
}

// FetchKeySet downloads and parses the signing-key set at uri.
func FetchKeySet(ctx context.Context, client *http.Client, uri string) (*KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: unexpected status %d", res.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}
	return ParseKeySet(raw)
}

// ParseKeySet accepts either {"keys":[...]} or a bare array of entries. Each
// entry contributes kid → public key of its first x5c certificate. Entries
// whose certificate cannot be parsed are skipped. If any entry carries a bare
// modulus instead of a certificate, the whole document is also loaded through
// keyfunc so those kids can be resolved.
func ParseKeySet(raw []byte) (*KeySet, error) {
	var entries []keyEntry
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode jwks: %w", err)
		}
	} else {
		var doc struct {
			Keys []keyEntry `json:"keys"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode jwks: %w", err)
		}
		entries = doc.Keys
	}

	ks := EmptyKeySet()
	needFallback := false
	for _, e := range entries {
		if e.Kid == "" {
			continue
		}
		if len(e.X5c) == 0 {
			if e.N != "" {
				needFallback = true
			}
			continue
		}
		pub, err := publicKeyFromCert(e.X5c[0])
		if err != nil {
			continue
		}
		ks.keys[e.Kid] = pub
	}

	if needFallback && !strings.HasPrefix(trimmed, "[") {
		if kf, err := keyfunc.NewJWKSetJSON(json.RawMessage(raw)); err == nil {
			ks.fallback = kf
		}
	}
	return ks, nil
}

func publicKeyFromCert(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode x5c: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse x5c: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("x5c certificate key is %T, want RSA", cert.PublicKey)
	}
	return pub, nil
}

// Verify splits and decodes raw, resolves its signing key from ks, checks
// the algorithm is RS256 and verifies the signature. Claims are decoded into
// claims without any time or audience validation.
func Verify(raw string, ks *KeySet, claims jwt.Claims) (*jwt.Token, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{SigningAlg}),
		jwt.WithoutClaimsValidation(),
	)
	return parser.ParseWithClaims(raw, claims, ks.Keyfunc)
}
