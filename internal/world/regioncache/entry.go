package regioncache

import (
	"errors"
	"sync"
	"sync/atomic"

	"voxelkeep.ai/internal/world/region"
)

// entry is the lazily loaded container for one region path.
type entry struct {
	path string
	key  region.Key

	initMu sync.Mutex
	loaded atomic.Bool
	// refs counts outstanding handles, including callers still loading.
	refs atomic.Int64

	mu sync.RWMutex
	c  region.Container

	// writeMu serializes writers of the region file; they hold mu for
	// reading so fetches can continue during the write.
	writeMu sync.Mutex
	// updates counts update batches applied to c, flushed the value of
	// updates last seen on disk.
	updates atomic.Uint64
	flushed atomic.Uint64
}

func (e *entry) pending() bool {
	return e.updates.Load() != e.flushed.Load()
}

// init loads the container once. A failed load is not remembered, the next
// caller retries.
func (e *entry) init(opts region.Options) (bool, error) {
	if e.loaded.Load() {
		return false, nil
	}
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if e.loaded.Load() {
		return false, nil
	}
	c, err := region.ReadFile(e.path, opts)
	if errors.Is(err, region.ErrNotExist) {
		c, err = opts.New(), nil
	}
	if err != nil {
		return false, err
	}
	e.c = c
	e.loaded.Store(true)
	return true, nil
}

// canRemove must be called with the cache's map lock held for writing, so
// no new handle can appear while it runs.
func (e *entry) canRemove() bool {
	if e.refs.Load() != 0 {
		return false
	}
	if !e.loaded.Load() {
		return true
	}
	if !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()
	return e.refs.Load() == 0 && !e.pending()
}

// Handle is a counted reference to a loaded region container. Callers take
// the container lock around every access and call Release when done.
type Handle struct {
	e    *entry
	once sync.Once
}

func (h *Handle) Path() string    { return h.e.path }
func (h *Handle) Key() region.Key { return h.e.key }

func (h *Handle) Container() region.Container { return h.e.c }

func (h *Handle) RLock()   { h.e.mu.RLock() }
func (h *Handle) RUnlock() { h.e.mu.RUnlock() }
func (h *Handle) Lock()    { h.e.mu.Lock() }
func (h *Handle) Unlock()  { h.e.mu.Unlock() }

func (h *Handle) Release() {
	h.once.Do(func() { h.e.refs.Add(-1) })
}
