package gateway

import (
	"context"
	"sync"
	"time"
)

// tokenFetcher 获取新token及有效期
type tokenFetcher func(ctx context.Context) (token string, ttl time.Duration, err error)

// tokenCache 缓存券商会话token，过期前refreshSkew刷新
type tokenCache struct {
	mu          sync.Mutex
	token       string
	expiry      time.Time
	fetch       tokenFetcher
	refreshSkew time.Duration
	now         func() time.Time
}

func newTokenCache(fetch tokenFetcher) *tokenCache {
	return &tokenCache{
		fetch:       fetch,
		refreshSkew: 30 * time.Second,
		now:         time.Now,
	}
}

// Token 返回有效token，必要时重新认证
func (c *tokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(c.refreshSkew).Before(c.expiry) {
		return c.token, nil
	}
	token, ttl, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.token = token
	c.expiry = c.now().Add(ttl)
	return token, nil
}

// Invalidate 作废当前token
func (c *tokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}
