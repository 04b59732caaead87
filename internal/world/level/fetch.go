package level

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"voxelkeep.ai/internal/world/chunk"
	"voxelkeep.ai/internal/world/region"
)

// Fetched is one answer of FetchChunks. New is true when the chunk was
// produced by the generator rather than found in memory or on disk.
type Fetched struct {
	Chunk *chunk.Chunk
	New   bool
}

func send(ctx context.Context, out chan<- Fetched, f Fetched) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// FetchChunks delivers every position to out, in no particular order:
// resident chunks first, then chunks read from region files, then generated
// ones. It returns once all positions are delivered or ctx is done. The
// caller owns out and cancels ctx to stop consuming early.
func (l *Level) FetchChunks(ctx context.Context, positions []chunk.Pos, out chan<- Fetched) {
	var remaining []chunk.Pos
	for _, p := range positions {
		if ch := l.lookup(p); ch != nil {
			l.cacheHits.Add(1)
			if !send(ctx, out, Fetched{Chunk: ch}) {
				return
			}
			continue
		}
		remaining = append(remaining, p)
	}
	if len(remaining) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loaded := make(chan region.Result, l.buffer)
	toGenerate := make(chan chunk.Pos, l.buffer)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(toGenerate)
		l.loadStage(ctx, cancel, loaded, toGenerate, out)
	}()
	go func() {
		defer wg.Done()
		l.generateStage(ctx, cancel, toGenerate, out)
	}()

	l.regions.FetchChunks(ctx, remaining, loaded)
	close(loaded)
	wg.Wait()
}

func (l *Level) loadStage(ctx context.Context, cancel context.CancelFunc, in <-chan region.Result, toGenerate chan<- chunk.Pos, out chan<- Fetched) {
	forward := func(p chunk.Pos) {
		select {
		case toGenerate <- p:
		case <-ctx.Done():
		}
	}
	// Keep draining after cancellation so the region readers never block.
	for r := range in {
		if ctx.Err() != nil {
			continue
		}
		switch r.Status {
		case region.Loaded:
			ch := l.insertIfAbsent(r.Chunk)
			l.loadedFromDisk.Add(1)
			if !send(ctx, out, Fetched{Chunk: ch}) {
				cancel()
			}
		case region.Missing:
			forward(r.Pos)
		default:
			if !errors.Is(r.Err, chunk.ErrNotGenerated) && !errors.Is(r.Err, region.ErrNotExist) {
				l.regenerated.Add(1)
				l.printf("chunk unreadable, regenerating pos=%s err=%v", r.Pos, r.Err)
			}
			forward(r.Pos)
		}
	}
}

func (l *Level) generateStage(ctx context.Context, cancel context.CancelFunc, in <-chan chunk.Pos, out chan<- Fetched) {
	var wg sync.WaitGroup
	for p := range in {
		if ctx.Err() != nil {
			continue
		}
		p := p
		wg.Add(1)
		ok := l.pool.submit(ctx, func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			ch := l.getOrGenerate(p)
			if !send(ctx, out, Fetched{Chunk: ch, New: true}) {
				cancel()
			}
		})
		if !ok {
			wg.Done()
		}
	}
	wg.Wait()
}

// getOrGenerate returns the resident chunk at pos or generates it. Concurrent
// callers for the same position share one generator call.
func (l *Level) getOrGenerate(pos chunk.Pos) *chunk.Chunk {
	if ch := l.lookup(pos); ch != nil {
		return ch
	}
	v, _, _ := l.genFlight.Do(fmt.Sprintf("%d:%d", pos.X, pos.Z), func() (any, error) {
		if ch := l.lookup(pos); ch != nil {
			return ch, nil
		}
		ch := l.gen.Generate(pos)
		l.generated.Add(1)
		return l.insertIfAbsent(ch), nil
	})
	return v.(*chunk.Chunk)
}

// ReadSpawnChunks loads positions and pins them: they are served as cache
// hits and never evicted by CleanChunks or CleanMemory.
func (l *Level) ReadSpawnChunks(ctx context.Context, positions []chunk.Pos) error {
	out := make(chan Fetched, l.buffer)
	done := make(chan struct{})
	var got []*chunk.Chunk
	go func() {
		defer close(done)
		for f := range out {
			got = append(got, f.Chunk)
		}
	}()
	l.FetchChunks(ctx, positions, out)
	close(out)
	<-done
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	for _, ch := range got {
		l.spawn[ch.Pos] = ch
		delete(l.chunks, ch.Pos)
	}
	l.mu.Unlock()
	l.printf("spawn chunks pinned count=%d", len(got))
	return nil
}

// SpawnArea lists the square of positions within radius chunks of center.
func SpawnArea(center chunk.Pos, radius int32) []chunk.Pos {
	if radius < 0 {
		return nil
	}
	out := make([]chunk.Pos, 0, (2*radius+1)*(2*radius+1))
	for z := center.Z - radius; z <= center.Z+radius; z++ {
		for x := center.X - radius; x <= center.X+radius; x++ {
			out = append(out, chunk.Pos{X: x, Z: z})
		}
	}
	return out
}
