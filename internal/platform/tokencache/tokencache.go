// Package tokencache keeps one expiring bearer token per upstream and
// refreshes it with at most one in-flight request, regardless of how many
// callers observe the expiry at the same time.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultExpirySkew   = time.Minute
	defaultFetchTimeout = 10 * time.Second
	refreshKey          = "token"
)

// ErrEmptyToken is returned when a fetcher yields no token value.
var ErrEmptyToken = errors.New("token fetcher returned an empty token")

// Token is one bearer credential and the instant it stops being valid.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Fetcher requests a fresh token from the upstream authority.
type Fetcher interface {
	FetchToken(ctx context.Context) (Token, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (Token, error)

// FetchToken implements Fetcher.
func (fn FetcherFunc) FetchToken(ctx context.Context) (Token, error) {
	return fn(ctx)
}

// Option configures a Cache.
type Option func(*Cache)

// WithExpirySkew refreshes tokens this long before their reported expiry.
func WithExpirySkew(skew time.Duration) Option {
	return func(c *Cache) {
		if skew >= 0 {
			c.skew = skew
		}
	}
}

// WithFetchTimeout bounds each upstream refresh.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		if timeout > 0 {
			c.fetchTimeout = timeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Cache serves a cached token until it is within the expiry skew.
type Cache struct {
	fetcher      Fetcher
	skew         time.Duration
	fetchTimeout time.Duration
	clock        func() time.Time

	mu      sync.Mutex
	current Token
	group   singleflight.Group
}

// New creates a cache around fetcher.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:      fetcher,
		skew:         defaultExpirySkew,
		fetchTimeout: defaultFetchTimeout,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a valid token, refreshing it when missing or near expiry.
// Concurrent callers share one refresh; a caller whose context ends stops
// waiting without cancelling the shared refresh for the others.
func (c *Cache) Token(ctx context.Context) (string, error) {
	if c == nil || c.fetcher == nil {
		return "", fmt.Errorf("token cache is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if value, ok := c.cached(); ok {
		return value, nil
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		if value, ok := c.cached(); ok {
			return value, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		token, err := c.fetcher.FetchToken(fetchCtx)
		if err != nil {
			return "", fmt.Errorf("fetch token: %w", err)
		}
		token.Value = strings.TrimSpace(token.Value)
		if token.Value == "" {
			return "", ErrEmptyToken
		}
		c.mu.Lock()
		c.current = token
		c.mu.Unlock()
		return token.Value, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-ch:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	}
}

// Invalidate drops the cached token, typically after the upstream rejected it.
func (c *Cache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.current = Token{}
	c.mu.Unlock()
}

func (c *Cache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current.Value == "" {
		return "", false
	}
	if !c.current.ExpiresAt.IsZero() && !c.clock().Before(c.current.ExpiresAt.Add(-c.skew)) {
		return "", false
	}
	return c.current.Value, true
}
