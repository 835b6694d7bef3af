// Package metacache caches expensive per-record classification lookups with a
// TTL, persists snapshots through a store.Store and keeps several running
// contexts consistent through an optional broadcast.Bus.
//
// Every Cache is owned by one goroutine; Get, Clear and bus messages are
// serialised through channels so the entry map needs no locks. Underlying
// lookups run on their own goroutines and report back to the owner, so a
// slow lookup for one key never blocks hits on another.
package metacache

import (
	"context"
	"errors"
	"time"

	"geocluster-map/pkg/broadcast"
	"geocluster-map/pkg/metrics"
	"geocluster-map/pkg/store"
)

var errCacheStopped = errors.New("metadata cache stopped")

// LookupFunc produces the value for key when the cache has no fresh entry.
type LookupFunc[T any] func(ctx context.Context, key string) (T, error)

// Options configures one Cache. Zero values fall back to defaults.
type Options struct {
	TTL           time.Duration // entry lifetime, default 10m
	LookupTimeout time.Duration // bound for one underlying lookup, default 30s
	IOTimeout     time.Duration // bound for one store/bus call, default 5s
	Store         store.Store
	Bus           broadcast.Bus
	Telemetry     *Telemetry
	Origin        string
	Logf          func(string, ...any)
	Now           func() time.Time
}

type getRequest[T any] struct {
	key   string
	reply chan getResponse[T]
}

type getResponse[T any] struct {
	value T
	err   error
}

type lookupResult[T any] struct {
	key   string
	gen   uint64
	value T
	err   error
}

// Cache is a TTL cache in front of a LookupFunc.
type Cache[T any] struct {
	name   string
	slot   Slot
	lookup LookupFunc[T]
	opts   Options

	requests  chan getRequest[T]
	results   chan lookupResult[T]
	clears    chan chan error
	snapshots chan chan map[string]CacheEntry[T]
	quit      chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
}

// New restores the persisted snapshot for name (discarding it when corrupt),
// subscribes to the bus topic and starts the owning goroutine.
func New[T any](name string, slot Slot, lookup LookupFunc[T], opts Options) *Cache[T] {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 30 * time.Second
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 5 * time.Second
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache[T]{
		name:      name,
		slot:      slot,
		lookup:    lookup,
		opts:      opts,
		requests:  make(chan getRequest[T]),
		results:   make(chan lookupResult[T]),
		clears:    make(chan chan error),
		snapshots: make(chan chan map[string]CacheEntry[T]),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	entries := c.restore()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	var incoming <-chan []byte
	if opts.Bus != nil {
		incoming = opts.Bus.Subscribe(ctx, c.key())
	}
	go c.loop(entries, incoming)
	return c
}

func (c *Cache[T]) key() string { return "metacache:" + c.name }

// Name returns the cache name used for its store key and bus topic.
func (c *Cache[T]) Name() string { return c.name }

func (c *Cache[T]) restore() map[string]CacheEntry[T] {
	empty := make(map[string]CacheEntry[T])
	if c.opts.Store == nil {
		return empty
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.IOTimeout)
	defer cancel()
	raw, ok, err := c.opts.Store.Get(ctx, c.key())
	if err != nil {
		c.opts.Logf("[metacache] %s restore failed: %v", c.name, err)
		return empty
	}
	if !ok || len(raw) == 0 {
		return empty
	}
	entries, err := decodeEntries[T](raw, c.opts.Now())
	if err != nil {
		c.opts.Logf("[metacache] %v; starting cold", &CacheCorruptionError{Key: c.key(), Err: err})
		if err := c.opts.Store.Remove(ctx, c.key()); err != nil {
			c.opts.Logf("[metacache] %s drop corrupt snapshot: %v", c.name, err)
		}
		return empty
	}
	c.opts.Logf("[metacache] %s restored %d entries", c.name, len(entries))
	return entries
}

// Get returns the cached value for key or runs the lookup. Concurrent callers
// for the same key share one lookup.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	req := getRequest[T]{key: key, reply: make(chan getResponse[T], 1)}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.quit:
		return zero, errCacheStopped
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		return zero, errCacheStopped
	case resp := <-req.reply:
		return resp.value, resp.err
	}
}

// Clear empties the cache, persists the empty state and tells other
// contexts to clear as well.
func (c *Cache[T]) Clear(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return errCacheStopped
	case c.clears <- reply:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errCacheStopped
	case err := <-reply:
		return err
	}
}

// Entries returns a copy of the current contents, expired entries included.
func (c *Cache[T]) Entries() map[string]CacheEntry[T] {
	reply := make(chan map[string]CacheEntry[T], 1)
	select {
	case <-c.quit:
		return nil
	case c.snapshots <- reply:
	}
	select {
	case <-c.done:
		return nil
	case m := <-reply:
		return m
	}
}

// Close stops the goroutine. Lookups still running are abandoned.
func (c *Cache[T]) Close() {
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
	<-c.done
	c.cancel()
}

func (c *Cache[T]) loop(entries map[string]CacheEntry[T], incoming <-chan []byte) {
	defer close(c.done)

	inflight := make(map[string][]chan getResponse[T])
	// gen advances on every clear so lookups started before it are not stored.
	var gen uint64

	for {
		select {
		case <-c.quit:
			for _, waiters := range inflight {
				for _, w := range waiters {
					w <- getResponse[T]{err: errCacheStopped}
				}
			}
			return

		case req := <-c.requests:
			if e, ok := entries[req.key]; ok && e.Fresh(c.opts.Now()) {
				c.hit()
				req.reply <- getResponse[T]{value: e.Value}
				continue
			}
			if waiters, ok := inflight[req.key]; ok {
				c.hit()
				inflight[req.key] = append(waiters, req.reply)
				continue
			}
			c.miss()
			inflight[req.key] = []chan getResponse[T]{req.reply}
			go c.runLookup(req.key, gen)

		case res := <-c.results:
			waiters := inflight[res.key]
			delete(inflight, res.key)
			if res.err != nil {
				metrics.MetadataLookupErrors.WithLabelValues(c.name).Inc()
				c.opts.Logf("[metacache] %s lookup %q failed: %v", c.name, res.key, res.err)
			} else if res.gen == gen {
				entries[res.key] = CacheEntry[T]{Value: res.value, InsertedAt: c.opts.Now(), TTL: c.opts.TTL}
				if err := c.persist(entries, kindAdopt); err != nil {
					c.opts.Logf("[metacache] %s persist: %v", c.name, err)
				}
			}
			for _, w := range waiters {
				w <- getResponse[T]{value: res.value, err: res.err}
			}

		case reply := <-c.clears:
			entries = make(map[string]CacheEntry[T])
			gen++
			reply <- c.persist(entries, kindClear)

		case reply := <-c.snapshots:
			cp := make(map[string]CacheEntry[T], len(entries))
			for k, v := range entries {
				cp[k] = v
			}
			reply <- cp

		case raw, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			env, err := decodeEnvelope(raw)
			if err != nil {
				c.opts.Logf("[metacache] %s ignore bus message: %v", c.name, err)
				continue
			}
			if env.Origin == c.opts.Origin {
				continue
			}
			switch env.Kind {
			case kindClear:
				entries = make(map[string]CacheEntry[T])
				gen++
			case kindAdopt:
				adopted, err := decodeEntries[T](env.Data, c.opts.Now())
				if err != nil {
					c.opts.Logf("[metacache] %s ignore snapshot from %s: %v", c.name, env.Origin, err)
					continue
				}
				entries = adopted
			}
		}
	}
}

func (c *Cache[T]) runLookup(key string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.LookupTimeout)
	defer cancel()
	v, err := c.lookup(ctx, key)
	select {
	case c.results <- lookupResult[T]{key: key, gen: gen, value: v, err: err}:
	case <-c.quit:
	}
}

func (c *Cache[T]) hit() {
	metrics.MetadataLookups.WithLabelValues(c.name, "hit").Inc()
	c.opts.Telemetry.Hit(c.slot)
}

func (c *Cache[T]) miss() {
	metrics.MetadataLookups.WithLabelValues(c.name, "miss").Inc()
	c.opts.Telemetry.Miss(c.slot)
}

// persist writes the snapshot and announces it. kind selects whether other
// contexts adopt the contents or simply clear.
func (c *Cache[T]) persist(entries map[string]CacheEntry[T], kind string) error {
	data, err := encodeEntries(entries)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.IOTimeout)
	defer cancel()
	if c.opts.Store != nil {
		if err := c.opts.Store.Set(ctx, c.key(), data); err != nil {
			return err
		}
		metrics.SnapshotWrites.WithLabelValues("cache").Inc()
	}
	if c.opts.Bus != nil {
		env := envelope{Origin: c.opts.Origin, Kind: kind}
		if kind == kindAdopt {
			env.Data = data
		}
		if err := publish(ctx, c.opts.Bus, c.key(), env); err != nil {
			c.opts.Logf("[metacache] %s publish %s: %v", c.name, kind, err)
		}
	}
	return nil
}
