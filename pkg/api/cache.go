package api

import (
	"context"
	"errors"
	"time"
)

var (
	errCacheDisabled = errors.New("cache disabled")
	errCacheStopped  = errors.New("cache stopped")
	errNoLoader      = errors.New("no loader")
)

// cacheRequest is one lookup-or-fill attempt travelling to the cache
// goroutine.
type cacheRequest struct {
	ctx    context.Context
	key    string
	loader func(context.Context) ([]byte, error)
	reply  chan cacheResponse
}

type cacheResponse struct {
	data []byte
	err  error
}

// cacheEntry holds cached bytes with their expiry. Stale entries are
// trimmed lazily on access, no timers involved.
type cacheEntry struct {
	data    []byte
	expires time.Time
}

// ResponseCache keeps expensive JSON responses in memory so repeated
// map-page loads within the TTL skip the tile scan. One goroutine owns
// the store map; lookups, fills and invalidation all travel over
// channels.
type ResponseCache struct {
	ttl        time.Duration
	requests   chan cacheRequest
	invalidate chan struct{}
	quit       chan struct{}
	now        func() time.Time
}

// NewResponseCache starts the cache goroutine. A zero or negative TTL
// returns nil, and the nil cache is safe to call.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	cache := &ResponseCache{
		ttl:        ttl,
		requests:   make(chan cacheRequest),
		invalidate: make(chan struct{}, 1),
		quit:       make(chan struct{}),
		now:        time.Now,
	}
	go cache.loop()
	return cache
}

// Close stops the cache goroutine. Safe to call more than once.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
}

// Invalidate drops every cached entry. Imports call it so stats and
// tile lists show new rows immediately instead of after the TTL.
// The signal coalesces when one is already pending.
func (c *ResponseCache) Invalidate() {
	if c == nil {
		return
	}
	select {
	case c.invalidate <- struct{}{}:
	default:
	}
}

// Get returns cached bytes for key, invoking loader on a miss. The
// stored slice is copied before returning so callers may modify the
// result without corrupting future hits.
func (c *ResponseCache) Get(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return nil, errCacheDisabled
	}
	req := cacheRequest{
		ctx:    ctx,
		key:    key,
		loader: loader,
		reply:  make(chan cacheResponse, 1),
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case resp := <-req.reply:
		if resp.err != nil {
			return nil, resp.err
		}
		if resp.data == nil {
			return nil, nil
		}
		copyBuf := make([]byte, len(resp.data))
		copy(copyBuf, resp.data)
		return copyBuf, nil
	}
}

// loop owns the store map.
func (c *ResponseCache) loop() {
	store := make(map[string]cacheEntry)
	for {
		select {
		case <-c.quit:
			return
		case <-c.invalidate:
			store = make(map[string]cacheEntry)
		case req := <-c.requests:
			// An invalidation sent before this request must win, or a
			// lookup racing an import could revive a stale entry.
			select {
			case <-c.invalidate:
				store = make(map[string]cacheEntry)
			default:
			}
			now := c.now()
			if entry, ok := store[req.key]; ok && now.Before(entry.expires) {
				req.reply <- cacheResponse{data: entry.data}
				continue
			}
			if req.loader == nil {
				req.reply <- cacheResponse{err: errNoLoader}
				continue
			}
			data, err := req.loader(req.ctx)
			if err == nil && data != nil {
				buf := make([]byte, len(data))
				copy(buf, data)
				store[req.key] = cacheEntry{data: buf, expires: now.Add(c.ttl)}
			} else if err != nil {
				delete(store, req.key)
			}
			req.reply <- cacheResponse{data: data, err: err}
		}
	}
}
