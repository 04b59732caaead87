package regioncache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"voxelkeep.ai/internal/world/chunk"
	"voxelkeep.ai/internal/world/region"
)

// WriteEvent describes one region flush attempt that reached the disk.
type WriteEvent struct {
	Path     string
	Key      region.Key
	Format   region.Format
	Chunks   int // occupied slots in the written file
	Updated  int // chunks re-encoded by this flush
	Bytes    int64
	Duration time.Duration
	At       time.Time
	Err      error
}

type WriteObserver interface {
	RegionWritten(ev WriteEvent)
}

type Config struct {
	// Dir is the region directory, usually <world>/region.
	Dir     string
	Options region.Options
	Logger  *log.Logger

	Observer WriteObserver
	// Parallelism caps how many regions one batch touches at once.
	// Zero means one goroutine per region.
	Parallelism int
}

// SaveError lists the positions whose latest state is not on disk.
type SaveError struct {
	Failed []chunk.Pos
	Err    error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %d chunks: %v", len(e.Failed), e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

type Stats struct {
	Regions        int
	WatchedRegions int
	Loads          uint64
	LoadFailures   uint64
	Writes         uint64
	WriteFailures  uint64
	Evictions      uint64
}

// Cache keeps at most one live container per region file. The map lock only
// guards entry existence and is never held across disk I/O; each entry has
// its own RW lock for content.
type Cache struct {
	dir      string
	opts     region.Options
	logger   *log.Logger
	observer WriteObserver
	parallel int

	mu      sync.RWMutex
	entries map[string]*entry

	watchMu sync.Mutex
	watched map[string]int

	loads         atomic.Uint64
	loadFailures  atomic.Uint64
	writes        atomic.Uint64
	writeFailures atomic.Uint64
	evictions     atomic.Uint64
}

func New(cfg Config) *Cache {
	return &Cache{
		dir:      cfg.Dir,
		opts:     cfg.Options,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		parallel: cfg.Parallelism,
		entries:  map[string]*entry{},
		watched:  map[string]int{},
	}
}

func (c *Cache) printf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func (c *Cache) Options() region.Options { return c.opts }

// PathOf is the file holding region k.
func (c *Cache) PathOf(k region.Key) string {
	f := c.opts.Format
	if f == 0 {
		f = region.FormatLinear
	}
	return filepath.Join(c.dir, f.FileName(k))
}

func (c *Cache) acquire(path string, key region.Key) *entry {
	c.mu.RLock()
	e, ok := c.entries[path]
	if ok {
		e.refs.Add(1)
	}
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok = c.entries[path]
	if !ok {
		e = &entry{path: path, key: key}
		c.entries[path] = e
	}
	e.refs.Add(1)
	return e
}

// GetOrLoad returns a handle to region k, reading it from disk on first use.
// A missing file yields an empty container.
func (c *Cache) GetOrLoad(k region.Key) (*Handle, error) {
	path := c.PathOf(k)
	e := c.acquire(path, k)
	loaded, err := e.init(c.opts)
	if err != nil {
		e.refs.Add(-1)
		c.loadFailures.Add(1)
		c.prune(path)
		return nil, err
	}
	if loaded {
		c.loads.Add(1)
	}
	return &Handle{e: e}, nil
}

func (c *Cache) prune(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok || c.isWatched(path) {
		return
	}
	if e.canRemove() {
		delete(c.entries, path)
		c.evictions.Add(1)
	}
}

// Watch counts each position once against its region.
func (c *Cache) Watch(positions []chunk.Pos) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, p := range positions {
		c.watched[c.PathOf(region.KeyOf(p))]++
	}
}

func (c *Cache) Unwatch(positions []chunk.Pos) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, p := range positions {
		path := c.PathOf(region.KeyOf(p))
		n := c.watched[path]
		if n <= 1 {
			delete(c.watched, path)
			continue
		}
		c.watched[path] = n - 1
	}
}

func (c *Cache) ClearWatched() {
	c.watchMu.Lock()
	c.watched = map[string]int{}
	c.watchMu.Unlock()
}

func (c *Cache) isWatched(path string) bool {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	return c.watched[path] > 0
}

func groupByRegion[T any](items []T, pos func(T) chunk.Pos) ([]region.Key, map[region.Key][]T) {
	groups := map[region.Key][]T{}
	var keys []region.Key
	for _, it := range items {
		k := region.KeyOf(pos(it))
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], it)
	}
	return keys, groups
}

func (c *Cache) group() *errgroup.Group {
	g := new(errgroup.Group)
	if c.parallel > 0 {
		g.SetLimit(c.parallel)
	}
	return g
}

// FetchChunks decodes positions into out, one goroutine per region, in no
// particular order. It returns when every region is done or ctx is
// cancelled; it never closes out. A region that fails to load reports the
// error for each of its positions.
func (c *Cache) FetchChunks(ctx context.Context, positions []chunk.Pos, out chan<- region.Result) {
	keys, groups := groupByRegion(positions, func(p chunk.Pos) chunk.Pos { return p })
	g := c.group()
	for _, k := range keys {
		k, ps := k, groups[k]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			c.fetchRegion(ctx, k, ps, out)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Cache) fetchRegion(ctx context.Context, k region.Key, ps []chunk.Pos, out chan<- region.Result) {
	h, err := c.GetOrLoad(k)
	if err != nil {
		c.printf("region load failed path=%s chunks=%d err=%v", c.PathOf(k), len(ps), err)
		for _, p := range ps {
			if !region.Send(ctx, out, region.Result{Pos: p, Status: region.Failed, Err: err}) {
				return
			}
		}
		return
	}
	// The region lock is never held while sending.
	h.RLock()
	rs := region.ReadChunks(h.Container(), ps)
	h.RUnlock()
	h.Release()
	region.SendAll(ctx, out, rs)
}

// SaveChunks encodes every dirty chunk into its region and writes regions
// that are no longer watched. Written regions are evicted when nothing else
// holds them. Failures are reported as *SaveError; chunks that could not be
// encoded stay dirty.
func (c *Cache) SaveChunks(chunks []*chunk.Chunk) error {
	keys, groups := groupByRegion(chunks, func(ch *chunk.Chunk) chunk.Pos { return ch.Pos })
	var (
		mu     sync.Mutex
		failed []chunk.Pos
		errs   []error
	)
	g := c.group()
	for _, k := range keys {
		k, chs := k, groups[k]
		g.Go(func() error {
			bad, err := c.saveRegion(k, chs)
			if err != nil {
				mu.Lock()
				failed = append(failed, bad...)
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) == 0 {
		return nil
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Less(failed[j]) })
	return &SaveError{Failed: failed, Err: errors.Join(errs...)}
}

func positionsOf(chs []*chunk.Chunk) []chunk.Pos {
	out := make([]chunk.Pos, len(chs))
	for i, ch := range chs {
		out[i] = ch.Pos
	}
	return out
}

func (c *Cache) saveRegion(k region.Key, chs []*chunk.Chunk) ([]chunk.Pos, error) {
	start := time.Now()
	h, err := c.GetOrLoad(k)
	if err != nil {
		c.printf("region load failed path=%s err=%v", c.PathOf(k), err)
		return positionsOf(chs), fmt.Errorf("load region %s: %w", c.PathOf(k), err)
	}
	path := h.Path()

	h.Lock()
	var (
		updated   int
		bad       []chunk.Pos
		updateErr []error
	)
	for _, ch := range chs {
		ch.Lock()
		if ch.Dirty() {
			if err := region.UpdateChunk(h.Container(), ch); err != nil {
				bad = append(bad, ch.Pos)
				updateErr = append(updateErr, err)
			} else {
				ch.ClearDirty()
				updated++
			}
		}
		ch.Unlock()
	}
	e := h.e
	if updated > 0 {
		e.updates.Add(1)
	}
	pending := e.pending()
	if !pending || !h.Container().ShouldWrite(c.isWatched(path)) {
		h.Unlock()
		h.Release()
		if !pending {
			c.prune(path)
		}
		return bad, errors.Join(updateErr...)
	}
	h.Unlock()

	werr := c.write(h, updated, start)
	h.Release()
	if werr != nil {
		return positionsOf(chs), errors.Join(append(updateErr, werr)...)
	}
	c.prune(path)
	return bad, errors.Join(updateErr...)
}

// write flushes h's container to disk unless an earlier writer already
// stored the same state, and reports the attempt to the observer.
func (c *Cache) write(h *Handle, updated int, start time.Time) error {
	e := h.e
	e.writeMu.Lock()
	h.RLock()
	var (
		size     int64
		werr     error
		occupied int
		wrote    bool
	)
	if target := e.updates.Load(); e.flushed.Load() != target {
		size, werr = region.WriteFile(e.path, h.Container())
		occupied = h.Container().Occupied()
		wrote = true
		if werr == nil {
			e.flushed.Store(target)
		}
	}
	format := h.Container().Format()
	h.RUnlock()
	e.writeMu.Unlock()
	if !wrote {
		return nil
	}

	ev := WriteEvent{
		Path:     e.path,
		Key:      e.key,
		Format:   format,
		Chunks:   occupied,
		Updated:  updated,
		Bytes:    size,
		Duration: time.Since(start),
		At:       time.Now().UTC(),
		Err:      werr,
	}
	if werr != nil {
		c.writeFailures.Add(1)
		c.printf("region write failed path=%s err=%v", e.path, werr)
	} else {
		c.writes.Add(1)
	}
	if c.observer != nil {
		c.observer.RegionWritten(ev)
	}
	return werr
}

// FlushPending writes every loaded region holding updates that are not on
// disk yet, unless the region is still watched. Chunks evicted from a
// watched region exist only in its container until then. Written regions
// are evicted when idle.
func (c *Cache) FlushPending() error {
	c.mu.RLock()
	var hs []*Handle
	for _, e := range c.entries {
		if e.loaded.Load() && e.pending() {
			e.refs.Add(1)
			hs = append(hs, &Handle{e: e})
		}
	}
	c.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	g := c.group()
	for _, h := range hs {
		h := h
		g.Go(func() error {
			path := h.Path()
			if !h.Container().ShouldWrite(c.isWatched(path)) {
				h.Release()
				return nil
			}
			err := c.write(h, 0, time.Now())
			h.Release()
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			c.prune(path)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// BlockAndAwaitOngoingTasks takes the map lock, which stops new loads, and
// then takes every loaded container's write lock once to make sure no read
// or write is still in flight.
func (c *Cache) BlockAndAwaitOngoingTasks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, e := range c.entries {
		if !e.loaded.Load() {
			if e.refs.Load() > 0 {
				c.printf("region still loading during barrier path=%s", path)
			}
			continue
		}
		e.mu.Lock()
		e.mu.Unlock()
	}
}

// CanRemove reports whether region k could be dropped from the cache now.
func (c *Cache) CanRemove(k region.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[c.PathOf(k)]
	if !ok {
		return true
	}
	return e.canRemove()
}

// Contains reports whether region k has a live entry.
func (c *Cache) Contains(k region.Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[c.PathOf(k)]
	return ok
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	c.watchMu.Lock()
	w := len(c.watched)
	c.watchMu.Unlock()
	return Stats{
		Regions:        n,
		WatchedRegions: w,
		Loads:          c.loads.Load(),
		LoadFailures:   c.loadFailures.Load(),
		Writes:         c.writes.Load(),
		WriteFailures:  c.writeFailures.Load(),
		Evictions:      c.evictions.Load(),
	}
}
