// Package catalog caches billets by id and produces the ordered id list the
// deck traverses.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/compass/internal/assignment"
)

const (
	defaultPageSize = 50
	defaultTTL      = 15 * time.Minute
	refreshWorkers  = 4
)

// Source returns one page of billets in catalog order.
type Source interface {
	FetchBillets(ctx context.Context, limit, offset int) ([]assignment.Billet, error)
}

// Counter is implemented by sources that know their size up front. Pages of
// such sources are fetched concurrently.
type Counter interface {
	CountBillets(ctx context.Context) (int, error)
}

// Saver persists refreshed billets so the deck survives going offline.
type Saver interface {
	SaveBillets(ctx context.Context, billets []assignment.Billet) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options configures a Cache. Zero values pick defaults.
type Options struct {
	PageSize int
	TTL      time.Duration
	Saver    Saver
	Clock    Clock
	Logger   *slog.Logger
}

// Cache holds the billets of the last successful refresh.
type Cache struct {
	src      Source
	pageSize int
	ttl      time.Duration
	saver    Saver
	clock    Clock
	logger   *slog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	billets  map[string]assignment.Billet
	order    []string
	loadedAt time.Time
}

// New creates an empty Cache over src.
func New(src Source, opts Options) *Cache {
	c := &Cache{
		src:      src,
		pageSize: opts.PageSize,
		ttl:      opts.TTL,
		saver:    opts.Saver,
		clock:    opts.Clock,
		logger:   opts.Logger,
		billets:  make(map[string]assignment.Billet),
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.ttl <= 0 {
		c.ttl = defaultTTL
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Load fetches one page and merges it into the cache.
func (c *Cache) Load(ctx context.Context, limit, offset int) ([]assignment.Billet, error) {
	page, err := c.src.FetchBillets(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetching billets at offset %d: %w", offset, err)
	}

	c.mu.Lock()
	for _, b := range page {
		if _, ok := c.billets[b.ID]; !ok {
			c.order = append(c.order, b.ID)
		}
		c.billets[b.ID] = b
	}
	c.mu.Unlock()
	return page, nil
}

// Refresh reloads every page from the source and replaces the cache content
// atomically. It returns the billet ids in catalog order. On failure the
// previous content is kept. Concurrent calls share one fetch.
func (c *Cache) Refresh(ctx context.Context) ([]string, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	ids := v.([]string)
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

// LoadIDs satisfies the deck loader contract.
func (c *Cache) LoadIDs(ctx context.Context) ([]string, error) {
	return c.Refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) ([]string, error) {
	var (
		all []assignment.Billet
		err error
	)
	if counter, ok := c.src.(Counter); ok {
		all, err = c.fetchConcurrent(ctx, counter)
	} else {
		all, err = c.fetchSequential(ctx)
	}
	if err != nil {
		return nil, err
	}

	billets := make(map[string]assignment.Billet, len(all))
	order := make([]string, 0, len(all))
	for _, b := range all {
		if b.ID == "" {
			continue
		}
		if _, dup := billets[b.ID]; dup {
			continue
		}
		billets[b.ID] = b
		order = append(order, b.ID)
	}

	if c.saver != nil {
		unique := make([]assignment.Billet, len(order))
		for i, id := range order {
			unique[i] = billets[id]
		}
		if err := c.saver.SaveBillets(ctx, unique); err != nil {
			c.logger.Warn("persisting refreshed billets failed", "count", len(unique), "error", err)
		}
	}

	c.mu.Lock()
	c.billets = billets
	c.order = order
	c.loadedAt = c.clock.Now()
	c.mu.Unlock()

	c.logger.Debug("billet catalog refreshed", "count", len(order))
	return order, nil
}

func (c *Cache) fetchSequential(ctx context.Context) ([]assignment.Billet, error) {
	var all []assignment.Billet
	for offset := 0; ; offset += c.pageSize {
		page, err := c.src.FetchBillets(ctx, c.pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("fetching billets at offset %d: %w", offset, err)
		}
		all = append(all, page...)
		if len(page) < c.pageSize {
			return all, nil
		}
	}
}

func (c *Cache) fetchConcurrent(ctx context.Context, counter Counter) ([]assignment.Billet, error) {
	total, err := counter.CountBillets(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting billets: %w", err)
	}
	pages := (total + c.pageSize - 1) / c.pageSize
	results := make([][]assignment.Billet, pages)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(refreshWorkers)
	for i := range pages {
		g.Go(func() error {
			page, err := c.src.FetchBillets(gCtx, c.pageSize, i*c.pageSize)
			if err != nil {
				return fmt.Errorf("fetching billets page %d: %w", i, err)
			}
			results[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make([]assignment.Billet, 0, total)
	for _, page := range results {
		all = append(all, page...)
	}
	return all, nil
}

// Get returns a cached billet.
func (c *Cache) Get(id string) (assignment.Billet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.billets[id]
	return b, ok
}

// Billets returns the cached billets in catalog order.
func (c *Cache) Billets() []assignment.Billet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]assignment.Billet, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.billets[id])
	}
	return out
}

// Len returns the number of cached billets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.billets)
}

// Stale reports whether the cache was never refreshed or its TTL has elapsed.
func (c *Cache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt.IsZero() || !c.clock.Now().Before(c.loadedAt.Add(c.ttl))
}
