package credential

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultCacheTTL is how long a token is reused before the provider is
// asked again.
const DefaultCacheTTL = 30 * time.Second

const tokenKey = "token"

// Cache reuses the token of an underlying provider for a short while, so
// every REST call and reconnect does not reread the file or the environment.
// Failures are never cached and a JWT is never served past its exp claim.
type Cache struct {
	provider Provider
	ttl      time.Duration
	tokens   *cache.Cache
}

// NewCache wraps p. A non-positive ttl means DefaultCacheTTL.
func NewCache(p Provider, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{provider: p, ttl: ttl, tokens: cache.New(ttl, 2*ttl)}
}

func (c *Cache) Credential() (string, error) {
	if v, ok := c.tokens.Get(tokenKey); ok {
		return v.(string), nil
	}
	token, err := c.provider.Credential()
	if err != nil {
		return "", err
	}
	ttl := c.ttl
	if exp, ok := Expiry(token); ok {
		ttl = min(ttl, time.Until(exp))
	}
	if ttl > 0 {
		c.tokens.Set(tokenKey, token, ttl)
	}
	return token, nil
}

// Invalidate forgets the cached token. Called when the server rejects it.
func (c *Cache) Invalidate() {
	c.tokens.Delete(tokenKey)
}
