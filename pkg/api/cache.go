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

const defaultCacheEntries = 512

type cacheOp int

const (
	opGet cacheOp = iota
	opPurge
)

// cacheRequest is the single message type the cache goroutine accepts.
type cacheRequest struct {
	op     cacheOp
	ctx    context.Context
	key    string
	loader func(context.Context) ([]byte, error)
	reply  chan cacheResponse
}

type cacheResponse struct {
	data []byte
	err  error
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// ResponseCache keeps rendered JSON for the record endpoints for a short
// TTL so map clients panning back and forth do not re-query the database.
// One goroutine owns the map; requests arrive over a channel.
type ResponseCache struct {
	ttl        time.Duration
	maxEntries int
	requests   chan cacheRequest
	quit       chan struct{}
	now        func() time.Time
}

// NewResponseCache starts the cache goroutine. A non-positive ttl returns
// nil, which every method treats as "caching disabled".
func NewResponseCache(ttl time.Duration, maxEntries int) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	c := &ResponseCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		requests:   make(chan cacheRequest),
		quit:       make(chan struct{}),
		now:        time.Now,
	}
	go c.loop()
	return c
}

// Close stops the goroutine; repeated calls are no-ops.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

// Get returns cached bytes for key or runs loader to produce them. The
// returned slice is a copy.
func (c *ResponseCache) Get(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return nil, errCacheDisabled
	}
	resp, err := c.send(ctx, cacheRequest{op: opGet, ctx: ctx, key: key, loader: loader})
	if err != nil {
		return nil, err
	}
	if resp.err != nil || resp.data == nil {
		return nil, resp.err
	}
	return append([]byte(nil), resp.data...), nil
}

// Purge drops every entry, for example after new records were ingested.
func (c *ResponseCache) Purge(ctx context.Context) {
	if c == nil {
		return
	}
	_, _ = c.send(ctx, cacheRequest{op: opPurge})
}

func (c *ResponseCache) send(ctx context.Context, req cacheRequest) (cacheResponse, error) {
	req.reply = make(chan cacheResponse, 1)
	select {
	case <-ctx.Done():
		return cacheResponse{}, ctx.Err()
	case <-c.quit:
		return cacheResponse{}, errCacheStopped
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return cacheResponse{}, ctx.Err()
	case <-c.quit:
		return cacheResponse{}, errCacheStopped
	case resp := <-req.reply:
		return resp, nil
	}
}

func (c *ResponseCache) loop() {
	store := make(map[string]cacheEntry)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			if req.op == opPurge {
				store = make(map[string]cacheEntry)
				req.reply <- cacheResponse{}
				continue
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
			if err != nil {
				delete(store, req.key)
				req.reply <- cacheResponse{err: err}
				continue
			}
			if data != nil {
				if len(store) >= c.maxEntries {
					evictExpired(store, now)
				}
				if len(store) >= c.maxEntries {
					evictOldest(store)
				}
				store[req.key] = cacheEntry{data: append([]byte(nil), data...), expires: now.Add(c.ttl)}
			}
			req.reply <- cacheResponse{data: data}
		}
	}
}

func evictExpired(store map[string]cacheEntry, now time.Time) {
	for k, e := range store {
		if !now.Before(e.expires) {
			delete(store, k)
		}
	}
}

// evictOldest removes the entry closest to expiry; all entries share one TTL
// so that is also the oldest insert.
func evictOldest(store map[string]cacheEntry) {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range store {
		if !found || e.expires.Before(oldest) {
			oldestKey, oldest, found = k, e.expires, true
		}
	}
	if found {
		delete(store, oldestKey)
	}
}
