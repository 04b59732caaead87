package level

import (
	"errors"

	"voxelkeep.ai/internal/world/chunk"
	"voxelkeep.ai/internal/world/regioncache"
)

// MarkWatched adds one watcher to each position. A position must not be
// marked twice without an unwatch in between.
func (l *Level) MarkWatched(positions []chunk.Pos) {
	if len(positions) == 0 {
		return
	}
	l.watchMu.Lock()
	for _, p := range positions {
		l.watchers[p]++
	}
	if len(l.watchers) > l.watchPeak {
		l.watchPeak = len(l.watchers)
	}
	l.watchMu.Unlock()
	l.regions.Watch(positions)
}

// MarkNotWatched removes one watcher from each position and returns the
// positions that have none left. Unwatched positions are ignored.
func (l *Level) MarkNotWatched(positions []chunk.Pos) []chunk.Pos {
	var zero, dropped []chunk.Pos
	l.watchMu.Lock()
	for _, p := range positions {
		n, ok := l.watchers[p]
		if !ok {
			continue
		}
		dropped = append(dropped, p)
		if n <= 1 {
			delete(l.watchers, p)
			zero = append(zero, p)
			continue
		}
		l.watchers[p] = n - 1
	}
	l.watchMu.Unlock()
	l.regions.Unwatch(dropped)
	return zero
}

// CleanChunks flushes the resident chunks among positions that have no
// watchers and evicts them once the flush is done. A chunk that gets
// watched again meanwhile stays resident.
func (l *Level) CleanChunks(positions []chunk.Pos) {
	var snapshot []*chunk.Chunk
	l.mu.RLock()
	l.watchMu.Lock()
	for _, p := range positions {
		if l.watchers[p] > 0 {
			continue
		}
		if ch, ok := l.chunks[p]; ok {
			snapshot = append(snapshot, ch)
		}
	}
	l.watchMu.Unlock()
	l.mu.RUnlock()
	l.flushAndEvict(snapshot)
}

func (l *Level) flushAndEvict(snapshot []*chunk.Chunk) {
	if len(snapshot) == 0 {
		return
	}
	l.tasks.Add(1)
	go func() {
		defer l.tasks.Done()
		failed := map[chunk.Pos]bool{}
		if err := l.regions.SaveChunks(snapshot); err != nil {
			var se *regioncache.SaveError
			if errors.As(err, &se) {
				for _, p := range se.Failed {
					failed[p] = true
				}
			}
			l.printf("chunk flush failed chunks=%d failed=%d err=%v", len(snapshot), len(failed), err)
		}

		evicted := 0
		l.mu.Lock()
		l.watchMu.Lock()
		for _, ch := range snapshot {
			if failed[ch.Pos] || l.watchers[ch.Pos] > 0 {
				continue
			}
			if cur, ok := l.chunks[ch.Pos]; ok && cur == ch {
				delete(l.chunks, ch.Pos)
				evicted++
			}
		}
		l.watchMu.Unlock()
		l.mu.Unlock()
		if evicted > 0 {
			l.printf("chunks evicted count=%d", evicted)
		}
	}()
}

// CleanMemory drops empty watcher entries and evicts resident chunks that
// nobody watches. Clean chunks are dropped at once, dirty ones are flushed
// first. Regions with deferred writes that nobody watches anymore are
// written. Maps that shrank far below their peak are rebuilt.
func (l *Level) CleanMemory() {
	var dirty []*chunk.Chunk
	dropped := 0

	l.mu.Lock()
	l.watchMu.Lock()
	for p, n := range l.watchers {
		if n <= 0 {
			delete(l.watchers, p)
		}
	}
	for p, ch := range l.chunks {
		if _, ok := l.watchers[p]; ok {
			continue
		}
		if !ch.TryRLock() {
			continue
		}
		isDirty := ch.Dirty()
		ch.RUnlock()
		if isDirty {
			dirty = append(dirty, ch)
			continue
		}
		delete(l.chunks, p)
		dropped++
	}
	if l.peak-len(l.chunks) >= shrinkSlack {
		l.chunks = cloneMap(l.chunks)
		l.peak = len(l.chunks)
	}
	if l.watchPeak-len(l.watchers) >= shrinkSlack {
		l.watchers = cloneMap(l.watchers)
		l.watchPeak = len(l.watchers)
	}
	l.watchMu.Unlock()
	l.mu.Unlock()

	if dropped > 0 || len(dirty) > 0 {
		l.printf("clean memory dropped=%d flushing=%d", dropped, len(dirty))
	}
	l.flushAndEvict(dirty)
	if err := l.regions.FlushPending(); err != nil {
		l.printf("clean memory: pending region flush failed err=%v", err)
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
