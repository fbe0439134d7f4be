// Package authn validates the API key an HTTP request (the dashboard
// websocket upgrade or the internal commands endpoint) presents, adapted
// from the teacher's
// internal/auth.Authenticator — the same three-tier lookup (static config
// keys, in-memory TTL cache, Redis lookup) generalized from a single
// vehicle-id owner to any owner id.
package authn

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	ownerID   string
	expiresAt time.Time
}

// Store is the Redis-backed second-level lookup, satisfied by
// internal/store.Redis.
type Store interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

// Authenticator validates API keys for the HTTP surface: Middleware calls
// it before the dashboard websocket upgrade and the internal commands
// endpoint. Device logins on the gateway do not go through it.
type Authenticator struct {
	localCache sync.Map
	store      Store
	ttl        time.Duration
	staticKeys map[string]bool
}

func New(store Store, ttl time.Duration, staticKeys []string) *Authenticator {
	keys := make(map[string]bool, len(staticKeys))
	for _, k := range staticKeys {
		if k != "" {
			keys[k] = true
		}
	}
	return &Authenticator{store: store, ttl: ttl, staticKeys: keys}
}

// Validate reports whether apiKey is currently valid. It does not return the
// owner id — callers needing that should call Resolve instead.
func (a *Authenticator) Validate(ctx context.Context, apiKey string) bool {
	_, ok := a.Resolve(ctx, apiKey)
	return ok
}

// Resolve validates apiKey and, if valid, returns the owner id it resolves
// to.
func (a *Authenticator) Resolve(ctx context.Context, apiKey string) (string, bool) {
	if a.staticKeys[apiKey] {
		return "", true
	}

	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.ownerID, true
		}
		a.localCache.Delete(apiKey)
	}

	ownerID, err := a.store.GetAPIKey(ctx, apiKey)
	if err != nil || ownerID == "" {
		return "", false
	}

	a.localCache.Store(apiKey, cacheEntry{ownerID: ownerID, expiresAt: time.Now().Add(a.ttl)})
	return ownerID, true
}
