package level

import (
	"errors"
	"fmt"
	"time"

	"voxelkeep.ai/internal/persistence/levelinfo"
	"voxelkeep.ai/internal/world/chunk"
	"voxelkeep.ai/internal/world/regioncache"
)

// Save is the global checkpoint: it waits for in-flight region work, takes
// every resident chunk out of memory, drops all watchers, flushes the
// chunks along with regions still holding deferred writes, and writes
// level.dat. Chunks that fail to flush are put back.
// Spawn chunks are flushed but stay pinned.
func (l *Level) Save() error {
	start := time.Now()
	l.regions.BlockAndAwaitOngoingTasks()

	l.mu.Lock()
	snapshot := make([]*chunk.Chunk, 0, len(l.chunks)+len(l.spawn))
	for _, ch := range l.chunks {
		snapshot = append(snapshot, ch)
	}
	for _, ch := range l.spawn {
		snapshot = append(snapshot, ch)
	}
	l.chunks = map[chunk.Pos]*chunk.Chunk{}
	l.peak = 0
	l.mu.Unlock()

	l.watchMu.Lock()
	l.watchers = map[chunk.Pos]int{}
	l.watchPeak = 0
	l.watchMu.Unlock()
	l.regions.ClearWatched()

	var errs []error
	failed := 0
	if err := l.regions.SaveChunks(snapshot); err != nil {
		errs = append(errs, err)
		var se *regioncache.SaveError
		if errors.As(err, &se) {
			failed = len(se.Failed)
			l.restore(snapshot, se.Failed)
		}
		l.printf("save: chunk flush failed failed=%d err=%v", failed, err)
	}
	if err := l.regions.FlushPending(); err != nil {
		errs = append(errs, err)
		l.printf("save: pending region flush failed err=%v", err)
	}

	l.infoMu.Lock()
	l.info.LastPlayed = time.Now().UnixMilli()
	info := l.info
	l.infoMu.Unlock()
	if err := levelinfo.Write(l.root, info); err != nil {
		errs = append(errs, fmt.Errorf("write level.dat: %w", err))
		l.printf("save: level.dat write failed err=%v", err)
	}

	err := errors.Join(errs...)
	cp := Checkpoint{
		Chunks:   len(snapshot),
		Failed:   failed,
		Duration: time.Since(start),
		At:       time.Now().UTC(),
		Err:      err,
	}
	if l.checkpoint != nil {
		l.checkpoint.CheckpointSaved(cp)
	}
	l.printf("save done chunks=%d failed=%d took_ms=%d", cp.Chunks, cp.Failed, cp.Duration.Milliseconds())
	return err
}

func (l *Level) restore(snapshot []*chunk.Chunk, failed []chunk.Pos) {
	want := make(map[chunk.Pos]bool, len(failed))
	for _, p := range failed {
		want[p] = true
	}
	for _, ch := range snapshot {
		if want[ch.Pos] {
			l.insertIfAbsent(ch)
		}
	}
}
