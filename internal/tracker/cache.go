package tracker

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/overseer/internal/log"
)

const (
	// DefaultExpiration bounds how stale a cached issue may get. Issue
	// metadata changes rarely relative to workflow lifetimes.
	DefaultExpiration      = 10 * time.Minute
	DefaultCleanupInterval = 30 * time.Minute
)

// Cached wraps a Tracker with a read-through in-memory cache, keeping
// admission fast when several workflows reference the same issue.
type Cached struct {
	inner Tracker
	cache *gocache.Cache
}

// NewCached creates a caching decorator with the default TTLs.
func NewCached(inner Tracker) *Cached {
	return NewCachedWithTTL(inner, DefaultExpiration, DefaultCleanupInterval)
}

// NewCachedWithTTL creates a caching decorator with explicit TTLs.
func NewCachedWithTTL(inner Tracker, expiration, cleanup time.Duration) *Cached {
	return &Cached{
		inner: inner,
		cache: gocache.New(expiration, cleanup),
	}
}

var _ Tracker = (*Cached)(nil)

// FetchIssue implements Tracker. Errors are never cached.
func (c *Cached) FetchIssue(ctx context.Context, issueID string) (*Issue, error) {
	if v, found := c.cache.Get(issueID); found {
		if issue, ok := v.(*Issue); ok {
			log.Debug(log.CatTracker, "issue cache hit", "issue", issueID)
			return issue, nil
		}
	}

	issue, err := c.inner.FetchIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(issueID, issue, gocache.DefaultExpiration)
	return issue, nil
}

// Invalidate drops one issue from the cache.
func (c *Cached) Invalidate(issueID string) {
	c.cache.Delete(issueID)
}
