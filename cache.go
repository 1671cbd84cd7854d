package outlook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheKey identifies a cached listing page.
type CacheKey struct {
	Mailbox  string
	View     FolderView
	Page     int
	PageSize int
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%s:%d:%d", k.Mailbox, k.View, k.Page, k.PageSize)
}

type cacheEntry struct {
	list    *EmailList
	created time.Time
	ttl     time.Duration
}

// ResultCache holds listing pages for a fixed TTL; partial listings get a
// shorter one. Lists it returns are shared between callers and must be
// treated as read-only.
type ResultCache struct {
	ttl        time.Duration
	partialTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[CacheKey]cacheEntry
	// A compute stores its result only if the mailbox's generation is still
	// the one it started with. Invalidate gives the mailbox a fresh value from
	// epoch; mailboxes without their own generation share base, which Sweep
	// moves forward whenever it prunes gens.
	gens  map[string]uint64
	epoch uint64
	base  uint64

	group singleflight.Group
}

// NewResultCache returns an empty cache whose entries live for ttl.
func NewResultCache(ttl time.Duration) *ResultCache {
	return &ResultCache{
		ttl:        ttl,
		partialTTL: min(ttl, PartialCacheTTL),
		now:        time.Now,
		entries: make(map[CacheKey]cacheEntry),
		gens:    make(map[string]uint64),
	}
}

// Get returns the cached page for key if it has not expired.
func (c *ResultCache) Get(key CacheKey) (*EmailList, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.created) >= e.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.list, true
}

// GetOrCompute returns the cached page for key, or runs compute once for all
// concurrent callers missing the same key. compute runs detached from ctx so a
// caller giving up does not abort work others are waiting on. Errors are not
// cached.
func (c *ResultCache) GetOrCompute(ctx context.Context, key CacheKey, compute func(context.Context) (*EmailList, error)) (*EmailList, error) {
	if list, ok := c.Get(key); ok {
		return list, nil
	}

	gen := c.generation(key.Mailbox)
	flight := key.String() + "#" + strconv.FormatUint(gen, 10)
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flight, func() (any, error) {
		if list, ok := c.Get(key); ok {
			return list, nil
		}
		list, err := compute(detached)
		if err != nil {
			return nil, err
		}
		c.put(key, gen, list)
		return list, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*EmailList), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Layer: LayerFetch, Err: ctx.Err()}
		}
		return nil, ctx.Err()
	}
}

func (c *ResultCache) generation(mailbox string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generationLocked(mailbox)
}

func (c *ResultCache) generationLocked(mailbox string) uint64 {
	if g, ok := c.gens[mailbox]; ok {
		return g
	}
	return c.base
}

func (c *ResultCache) put(key CacheKey, gen uint64, list *EmailList) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generationLocked(key.Mailbox) != gen {
		return
	}
	ttl := c.ttl
	if list.Partial {
		ttl = c.partialTTL
	}
	c.entries[key] = cacheEntry{list: list, created: c.now(), ttl: ttl}
}

// Invalidate drops every cached page of mailbox.
func (c *ResultCache) Invalidate(mailbox string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.gens[mailbox] = c.epoch
	for key := range c.entries {
		if key.Mailbox == mailbox {
			delete(c.entries, key)
		}
	}
}

// Sweep removes expired entries and returns how many it removed. It also
// forgets the generations of mailboxes with nothing cached.
func (c *ResultCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	cached := make(map[string]bool)
	for key, e := range c.entries {
		if now.Sub(e.created) >= e.ttl {
			delete(c.entries, key)
			n++
			continue
		}
		cached[key.Mailbox] = true
	}

	pruned := false
	for mailbox := range c.gens {
		if !cached[mailbox] {
			delete(c.gens, mailbox)
			pruned = true
		}
	}
	if pruned {
		// Computes still holding a pruned generation, or the old base, must
		// not store.
		c.epoch++
		c.base = c.epoch
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
