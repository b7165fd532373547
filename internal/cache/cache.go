// Package cache is the process-local derivative cache: a best-effort TTL
// layer in front of the metadata store. It never originates truth; absence
// here says nothing about the durable store.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"pixvault/internal/models"
)

const (
	VariantTTL = 24 * time.Hour
	TokenTTL   = 60 * time.Second
)

type Cache struct {
	c *gocache.Cache
}

// New returns an empty cache. No janitor runs; expired entries are
// discarded lazily on the next lookup.
func New() *Cache {
	return &Cache{c: gocache.New(gocache.NoExpiration, 0)}
}

func (c *Cache) GetVariant(fp models.Fingerprint) (*models.Variant, bool) {
	raw, ok := c.c.Get(fp.CacheKey())
	if !ok {
		return nil, false
	}
	v, ok := raw.(models.Variant)
	if !ok {
		return nil, false
	}
	return &v, true
}

func (c *Cache) SetVariant(v models.Variant) {
	c.c.Set(v.Fingerprint().CacheKey(), v, VariantTTL)
}

func (c *Cache) DeleteVariant(fp models.Fingerprint) {
	c.c.Delete(fp.CacheKey())
}

func tokenKey(token string) string {
	return "token-" + token
}

func (c *Cache) GetToken(token string) (*models.AccessToken, bool) {
	raw, ok := c.c.Get(tokenKey(token))
	if !ok {
		return nil, false
	}
	t, ok := raw.(models.AccessToken)
	if !ok {
		return nil, false
	}
	return &t, true
}

func (c *Cache) SetToken(t models.AccessToken) {
	c.c.Set(tokenKey(t.Token), t, TokenTTL)
}

func (c *Cache) DeleteToken(token string) {
	c.c.Delete(tokenKey(token))
}
