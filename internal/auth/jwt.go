package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/Sabbir3x/outreach/internal/logging"
)

// GoogleJWKSURL serves the keys Google signs Pub/Sub push tokens with
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// GoogleIssuers are the issuers seen on Pub/Sub push tokens
var GoogleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller behind a bearer token
type Principal struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	// Token is the raw bearer token, forwarded to the token broker.
	Token string `json:"-"`
}

// Authenticator verifies the bearer token on a request
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// VerifyOptions constrain accepted tokens beyond signature and expiry
type VerifyOptions struct {
	Audience string
	// Issuers, when set, must contain the token issuer.
	Issuers []string
	// Email, when set, must equal the email claim.
	Email string
}

// JWTVerifier handles JWT token verification with cached JWKS
type JWTVerifier struct {
	jwksURL     string
	opts        VerifyOptions
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
	log         *zerolog.Logger
}

var _ Authenticator = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier backed by a refreshed JWKS. The
// background refresh stops when ctx is done.
func NewJWTVerifier(ctx context.Context, jwksURL string, opts VerifyOptions, log *zerolog.Logger) (*JWTVerifier, error) {
	if log == nil {
		log = logging.Nop()
	}
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		opts:       opts,
		refreshTTL: 5 * time.Minute,
		log:        log,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet
	v.lastFetch = time.Now()

	go v.backgroundRefresh(ctx)
	return v, nil
}

// NewStaticVerifier verifies against a fixed key set
func NewStaticVerifier(keySet jwk.Set, opts VerifyOptions) *JWTVerifier {
	return &JWTVerifier{keySet: keySet, opts: opts, lastFetch: time.Now(), log: logging.Nop()}
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()
		if err != nil {
			v.log.Warn().Err(err).Str("jwks_url", v.jwksURL).Msg("JWKS refresh failed")
			continue
		}
		v.keySetMutex.Lock()
		v.keySet = keySet
		v.lastFetch = time.Now()
		v.keySetMutex.Unlock()
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// Authenticate extracts and validates the bearer JWT on r
func (v *JWTVerifier) Authenticate(r *http.Request) (*Principal, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	}
	if v.opts.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.opts.Audience))
	}
	token, err := jwt.ParseString(raw, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse JWT: %v", ErrUnauthorized, err)
	}

	if len(v.opts.Issuers) > 0 && !contains(v.opts.Issuers, token.Issuer()) {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrUnauthorized, token.Issuer())
	}

	p := &Principal{Subject: token.Subject(), Token: raw}
	if p.Subject == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrUnauthorized)
	}
	if emailClaim, ok := token.Get("email"); ok {
		p.Email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		p.Name, _ = nameClaim.(string)
	}
	if v.opts.Email != "" && p.Email != v.opts.Email {
		return nil, fmt.Errorf("%w: unexpected email claim", ErrUnauthorized)
	}
	return p, nil
}

// CacheStats returns statistics about the JWKS cache
func (v *JWTVerifier) CacheStats() map[string]interface{} {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	keyCount := 0
	if v.keySet != nil {
		keyCount = v.keySet.Len()
	}
	return map[string]interface{}{
		"keys_cached": keyCount,
		"last_fetch":  v.lastFetch,
		"age_seconds": time.Since(v.lastFetch).Seconds(),
		"jwks_url":    v.jwksURL,
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthorized)
	}
	if len(h) > 7 && (h[:7] == "Bearer " || h[:7] == "bearer ") {
		return h[7:], nil
	}
	return "", fmt.Errorf("%w: expected bearer token", ErrUnauthorized)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
