package oauth2cache

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/tokenrelay/relay/internal/config"
	"github.com/tokenrelay/relay/internal/relayerrors"
)

// Hooks receives cache lifecycle events. A subset of telemetry.Hooks so this
// package does not import the telemetry package directly.
type Hooks interface {
	TokenCacheHit(target string)
	TokenCacheMiss(target string)
	TokenRefreshed(target string, duration time.Duration)
}

type noopHooks struct{}

func (noopHooks) TokenCacheHit(string)                 {}
func (noopHooks) TokenCacheMiss(string)                {}
func (noopHooks) TokenRefreshed(string, time.Duration) {}

// Stats is a snapshot of the cache's lifetime counters.
type Stats struct {
	CachedTokenCount         int
	CacheHits                int64
	CacheMisses              int64
	TokenAcquisitions        int64
	TokenRefreshes           int64
	TokenAcquisitionFailures int64
	CacheHitRate             float64
}

// Cache is the per-target OAuth 2.0 token cache described by the relay's
// credential-injection pipeline. Concurrent Acquire calls for the same
// target collapse into a single upstream grant via singleflight.
type Cache struct {
	store  Store
	group  singleflight.Group
	hooks  Hooks
	buffer time.Duration

	hits                int64
	misses              int64
	acquisitions        int64
	refreshes           int64
	acquisitionFailures int64
}

// New builds a Cache backed by store. Pass oauth2cache.NewMemoryStore() for
// a single-instance relay or a RedisStore to share tokens across replicas.
func New(store Store, hooks Hooks) *Cache {
	if hooks == nil {
		hooks = noopHooks{}
	}
	return &Cache{store: store, hooks: hooks, buffer: DefaultExpiryBuffer}
}

// Acquire returns a valid token for target, fetching or refreshing one if
// the cached entry is absent or expired. httpClient is the pool-selected
// client the upstream grant request is issued through.
func (c *Cache) Acquire(ctx context.Context, targetName string, target config.TargetSpec, httpClient *http.Client) (Token, error) {
	now := time.Now().UTC()

	cached, ok, err := c.store.Get(ctx, targetName)
	if err != nil {
		return Token{}, relayerrors.Credential("token cache read failed", err)
	}
	if ok && !cached.IsExpired(now, c.buffer) {
		atomic.AddInt64(&c.hits, 1)
		c.hooks.TokenCacheHit(targetName)
		return cached, nil
	}
	atomic.AddInt64(&c.misses, 1)
	c.hooks.TokenCacheMiss(targetName)

	result, err, _ := c.group.Do(targetName, func() (any, error) {
		// Re-check inside the critical section: another goroutine may have
		// already refreshed this target while we waited for the group.
		cached, ok, err := c.store.Get(ctx, targetName)
		if err != nil {
			return Token{}, relayerrors.Credential("token cache read failed", err)
		}
		if ok && !cached.IsExpired(time.Now().UTC(), c.buffer) {
			return cached, nil
		}

		start := time.Now()
		fresh, wasRefresh, err := c.acquireOne(ctx, ok, cached, target, httpClient)
		if err != nil {
			atomic.AddInt64(&c.acquisitionFailures, 1)
			return Token{}, err
		}
		atomic.AddInt64(&c.acquisitions, 1)
		if wasRefresh {
			atomic.AddInt64(&c.refreshes, 1)
		}
		c.hooks.TokenRefreshed(targetName, time.Since(start))

		if err := c.store.Set(ctx, targetName, fresh); err != nil {
			return Token{}, relayerrors.Credential("token cache write failed", err)
		}
		return fresh, nil
	})
	if err != nil {
		return Token{}, err
	}
	return result.(Token), nil
}

// acquireOne performs exactly one upstream acquisition: a refresh-grant when
// a refresh token is available from a prior cached entry, otherwise the
// grant type configured on the target.
func (c *Cache) acquireOne(ctx context.Context, hadCached bool, cached Token, target config.TargetSpec, httpClient *http.Client) (Token, bool, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	if hadCached && cached.RefreshToken != "" {
		tok, err := c.refreshGrant(ctx, target, cached.RefreshToken)
		if err == nil {
			return tok, true, nil
		}
		// Fall through to a full grant; the refresh token may itself have expired.
	}

	grantType := target.AuthData["grant_type"]
	switch grantType {
	case "client_credentials", "":
		tok, err := c.clientCredentialsGrant(ctx, target)
		return tok, false, err
	case "password":
		tok, err := c.passwordGrant(ctx, target)
		return tok, false, err
	case "refresh_token":
		rt := target.AuthData["refresh_token"]
		if rt == "" {
			return Token{}, false, relayerrors.Credential("refresh_token grant configured but no refresh_token provided", nil)
		}
		tok, err := c.refreshGrant(ctx, target, rt)
		return tok, true, err
	default:
		return Token{}, false, relayerrors.Credential(fmt.Sprintf("unsupported oauth2 grant_type %q", grantType), nil)
	}
}

func (c *Cache) tokenEndpoint(target config.TargetSpec) string {
	if ep := target.AuthData["token_endpoint"]; ep != "" {
		return ep
	}
	return target.Endpoint + "/oauth/tokens"
}

func (c *Cache) authStyle(target config.TargetSpec) oauth2.AuthStyle {
	if target.AuthData["auth_scheme"] == "basic" {
		return oauth2.AuthStyleInHeader
	}
	return oauth2.AuthStyleInParams
}

func (c *Cache) clientCredentialsGrant(ctx context.Context, target config.TargetSpec) (Token, error) {
	cc := &clientcredentials.Config{
		ClientID:     target.AuthData["client_id"],
		ClientSecret: target.AuthData["client_secret"],
		TokenURL:     c.tokenEndpoint(target),
		AuthStyle:    c.authStyle(target),
	}
	if scope := target.AuthData["scope"]; scope != "" {
		cc.Scopes = []string{scope}
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return Token{}, relayerrors.Credential("client_credentials token acquisition failed", err)
	}
	return fromOAuth2Token(tok), nil
}

func (c *Cache) passwordGrant(ctx context.Context, target config.TargetSpec) (Token, error) {
	cfg := &oauth2.Config{
		ClientID:     target.AuthData["client_id"],
		ClientSecret: target.AuthData["client_secret"],
		Endpoint:     oauth2.Endpoint{TokenURL: c.tokenEndpoint(target), AuthStyle: c.authStyle(target)},
	}
	if scope := target.AuthData["scope"]; scope != "" {
		cfg.Scopes = []string{scope}
	}
	tok, err := cfg.PasswordCredentialsToken(ctx, target.AuthData["username"], target.AuthData["password"])
	if err != nil {
		return Token{}, relayerrors.Credential("password grant token acquisition failed", err)
	}
	return fromOAuth2Token(tok), nil
}

func (c *Cache) refreshGrant(ctx context.Context, target config.TargetSpec, refreshToken string) (Token, error) {
	cfg := &oauth2.Config{
		ClientID:     target.AuthData["client_id"],
		ClientSecret: target.AuthData["client_secret"],
		Endpoint:     oauth2.Endpoint{TokenURL: c.tokenEndpoint(target), AuthStyle: c.authStyle(target)},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Token{}, relayerrors.Credential("refresh_token grant failed", err)
	}
	return fromOAuth2Token(tok), nil
}

func fromOAuth2Token(tok *oauth2.Token) Token {
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresIn := 3600
	if !tok.Expiry.IsZero() {
		if remaining := int(time.Until(tok.Expiry).Seconds()); remaining > 0 {
			expiresIn = remaining
		}
	}
	return Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		AcquiredAt:   time.Now().UTC(),
		RefreshToken: tok.RefreshToken,
	}
}

// ClearTarget evicts a single target's cached token.
func (c *Cache) ClearTarget(ctx context.Context, target string) error {
	return c.store.Delete(ctx, target)
}

// ClearAll evicts every cached token.
func (c *Cache) ClearAll(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// StatsSnapshot reports the cache's lifetime counters.
func (c *Cache) StatsSnapshot(ctx context.Context) (Stats, error) {
	count, err := c.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Stats{
		CachedTokenCount:         count,
		CacheHits:                hits,
		CacheMisses:              misses,
		TokenAcquisitions:        atomic.LoadInt64(&c.acquisitions),
		TokenRefreshes:           atomic.LoadInt64(&c.refreshes),
		TokenAcquisitionFailures: atomic.LoadInt64(&c.acquisitionFailures),
		CacheHitRate:             rate,
	}, nil
}
