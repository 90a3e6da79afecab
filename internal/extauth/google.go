// Package extauth verifies external identity-provider tokens. Verification
// fails closed: an unreachable provider is reported the same way as a bad
// signature.
package extauth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const (
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	jwksCacheTTL  = time.Hour
	jwksRedisKey  = "extauth:google:jwks"
)

var googleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var ErrVerification = errors.New("external token verification failed")

// Identity is the verified subset of the provider's token claims.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	jwt.RegisteredClaims
}

// GoogleVerifier checks Google ID tokens against the provider's published
// signing keys, restricted to the application's registered client id. The
// key set is cached in-process and, when a Redis client is supplied, shared
// across instances.
type GoogleVerifier struct {
	clientID string
	jwksURL  string
	issuers  []string
	client   *http.Client
	cache    *redis.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

func NewGoogleVerifier(clientID string, cache *redis.Client) *GoogleVerifier {
	return &GoogleVerifier{
		clientID: clientID,
		jwksURL:  googleJWKSURL,
		issuers:  googleIssuers,
		client:   &http.Client{Timeout: 10 * time.Second},
		cache:    cache,
	}
}

func (v *GoogleVerifier) Verify(ctx context.Context, rawToken string) (Identity, error) {
	claims := &googleClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
	)

	token, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrVerification)
		}
		return v.signingKey(ctx, kid)
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if !token.Valid {
		return Identity{}, ErrVerification
	}

	if !v.issuerAllowed(claims.Issuer) {
		return Identity{}, fmt.Errorf("%w: unexpected issuer", ErrVerification)
	}
	if claims.Subject == "" || claims.Email == "" {
		return Identity{}, fmt.Errorf("%w: incomplete identity claims", ErrVerification)
	}

	return Identity{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
	}, nil
}

func (v *GoogleVerifier) issuerAllowed(issuer string) bool {
	for _, allowed := range v.issuers {
		if issuer == allowed {
			return true
		}
	}
	return false
}

func (v *GoogleVerifier) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := time.Since(v.fetched) < jwksCacheTTL
	v.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	key, ok = v.keys[kid]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown signing key %s", ErrVerification, kid)
	}
	return key, nil
}

func (v *GoogleVerifier) refreshKeys(ctx context.Context) error {
	raw, err := v.fetchJWKS(ctx)
	if err != nil {
		return err
	}

	var set jwkSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, entry := range set.Keys {
		if entry.Kty != "RSA" || entry.Kid == "" {
			continue
		}
		key, err := parseRSAKey(entry)
		if err != nil {
			continue
		}
		keys[entry.Kid] = key
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrVerification)
	}

	v.mu.Lock()
	v.keys = keys
	v.fetched = time.Now()
	v.mu.Unlock()
	return nil
}

func (v *GoogleVerifier) fetchJWKS(ctx context.Context) ([]byte, error) {
	if v.cache != nil {
		if cached, err := v.cache.Get(ctx, jwksRedisKey).Bytes(); err == nil && len(cached) > 0 {
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: key fetch status %d", ErrVerification, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	if v.cache != nil {
		_ = v.cache.Set(ctx, jwksRedisKey, raw, jwksCacheTTL).Err()
	}
	return raw, nil
}

func parseRSAKey(entry jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(entry.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(entry.E)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
