package regioncache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voxelkeep.ai/internal/world/chunk"
	"voxelkeep.ai/internal/world/gen"
	"voxelkeep.ai/internal/world/region"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []WriteEvent
}

func (o *recordingObserver) RegionWritten(ev WriteEvent) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func newCache(t *testing.T, dir string, obs WriteObserver) *Cache {
	t.Helper()
	return New(Config{
		Dir:      dir,
		Options:  region.Options{Format: region.FormatLinear, Level: 1},
		Observer: obs,
	})
}

func generate(positions ...chunk.Pos) []*chunk.Chunk {
	g := gen.New(gen.Config{Seed: 42, Height: 16})
	out := make([]*chunk.Chunk, 0, len(positions))
	for _, p := range positions {
		out = append(out, g.Generate(p))
	}
	return out
}

func fetchAll(t *testing.T, c *Cache, positions []chunk.Pos) map[chunk.Pos]region.Result {
	t.Helper()
	out := make(chan region.Result, len(positions))
	c.FetchChunks(context.Background(), positions, out)
	close(out)
	got := map[chunk.Pos]region.Result{}
	for r := range out {
		got[r.Pos] = r
	}
	if len(got) != len(positions) {
		t.Fatalf("got %d results want %d", len(got), len(positions))
	}
	return got
}

func TestFetch_MissingFileYieldsMissing(t *testing.T) {
	c := newCache(t, t.TempDir(), nil)
	res := fetchAll(t, c, []chunk.Pos{{X: 0, Z: 0}, {X: 40, Z: 40}, {X: -1, Z: 3}})
	for p, r := range res {
		if r.Status != region.Missing {
			t.Fatalf("%s: status=%s err=%v want missing", p, r.Status, r.Err)
		}
	}
}

func TestSaveThenFetch(t *testing.T) {
	dir := t.TempDir()
	obs := &recordingObserver{}
	c := newCache(t, dir, obs)
	chunks := generate(chunk.Pos{X: 0, Z: 0}, chunk.Pos{X: 5, Z: 1}, chunk.Pos{X: 33, Z: -2})
	if err := c.SaveChunks(chunks); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}
	for _, ch := range chunks {
		if ch.Dirty() {
			t.Fatalf("%s still dirty after save", ch.Pos)
		}
	}
	if obs.count() != 2 {
		t.Fatalf("write events=%d want 2", obs.count())
	}
	if st := c.Stats(); st.Regions != 0 || st.Writes != 2 {
		t.Fatalf("stats=%+v want no cached regions and 2 writes", st)
	}
	if _, err := os.Stat(filepath.Join(dir, "r.1.-1.linear")); err != nil {
		t.Fatalf("expected region file: %v", err)
	}

	fresh := newCache(t, dir, nil)
	res := fetchAll(t, fresh, []chunk.Pos{chunks[0].Pos, chunks[1].Pos, chunks[2].Pos})
	for _, ch := range chunks {
		r := res[ch.Pos]
		if r.Status != region.Loaded || !r.Chunk.SameContent(ch) {
			t.Fatalf("%s: status=%s err=%v", ch.Pos, r.Status, r.Err)
		}
	}
}

func TestSave_SkipsCleanChunks(t *testing.T) {
	dir := t.TempDir()
	obs := &recordingObserver{}
	c := newCache(t, dir, obs)
	chunks := generate(chunk.Pos{X: 1, Z: 1})
	if err := c.SaveChunks(chunks); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}
	if err := c.SaveChunks(chunks); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}
	if obs.count() != 1 {
		t.Fatalf("write events=%d want 1 (second save has nothing dirty)", obs.count())
	}
}

func TestSave_WatchedRegionIsDeferred(t *testing.T) {
	dir := t.TempDir()
	obs := &recordingObserver{}
	c := newCache(t, dir, obs)
	chunks := generate(chunk.Pos{X: 2, Z: 2}, chunk.Pos{X: 3, Z: 2})
	c.Watch([]chunk.Pos{{X: 2, Z: 2}})

	if err := c.SaveChunks(chunks); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}
	if obs.count() != 0 {
		t.Fatalf("watched region should not be written")
	}
	if !c.Contains(region.Key{}) {
		t.Fatalf("watched region should stay cached")
	}
	if c.CanRemove(region.Key{}) {
		t.Fatalf("region with unflushed updates must not be removable")
	}

	// The container already holds the update; a later flush writes it even
	// though no chunk is dirty anymore.
	c.Unwatch([]chunk.Pos{{X: 2, Z: 2}})
	if err := c.SaveChunks(chunks[:1]); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}
	if obs.count() != 1 {
		t.Fatalf("write events=%d want 1", obs.count())
	}
	if c.Contains(region.Key{}) {
		t.Fatalf("flushed unwatched region should be evicted")
	}
	res := fetchAll(t, newCache(t, dir, nil), []chunk.Pos{{X: 2, Z: 2}, {X: 3, Z: 2}})
	for p, r := range res {
		if r.Status != region.Loaded {
			t.Fatalf("%s: status=%s", p, r.Status)
		}
	}
}

func TestWatchCountsPerChunk(t *testing.T) {
	c := newCache(t, t.TempDir(), nil)
	c.Watch([]chunk.Pos{{X: 0, Z: 0}, {X: 1, Z: 0}})
	c.Unwatch([]chunk.Pos{{X: 0, Z: 0}})
	if !c.isWatched(c.PathOf(region.Key{})) {
		t.Fatalf("region should remain watched by the second chunk")
	}
	c.Unwatch([]chunk.Pos{{X: 1, Z: 0}, {X: 1, Z: 0}})
	if c.isWatched(c.PathOf(region.Key{})) {
		t.Fatalf("region should no longer be watched")
	}
	if st := c.Stats(); st.WatchedRegions != 0 {
		t.Fatalf("watched regions=%d want 0", st.WatchedRegions)
	}
}

func TestCanRemove_HeldHandle(t *testing.T) {
	c := newCache(t, t.TempDir(), nil)
	if !c.CanRemove(region.Key{X: 7}) {
		t.Fatalf("absent region should be removable")
	}
	h, err := c.GetOrLoad(region.Key{X: 7})
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if c.CanRemove(region.Key{X: 7}) {
		t.Fatalf("region with an outstanding handle must not be removable")
	}
	h.Release()
	h.Release()
	if !c.CanRemove(region.Key{X: 7}) {
		t.Fatalf("region should be removable after release")
	}
}

func TestGetOrLoad_SingleInstance(t *testing.T) {
	c := newCache(t, t.TempDir(), nil)
	const n = 16
	var wg sync.WaitGroup
	got := make([]region.Container, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.GetOrLoad(region.Key{X: -1, Z: -1})
			if err != nil {
				t.Errorf("GetOrLoad: %v", err)
				return
			}
			defer h.Release()
			got[i] = h.Container()
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("handle %d returned a different container", i)
		}
	}
	if st := c.Stats(); st.Loads != 1 {
		t.Fatalf("loads=%d want 1", st.Loads)
	}
}

func TestFetch_CorruptRegionIsIsolated(t *testing.T) {
	dir := t.TempDir()
	c := newCache(t, dir, nil)
	good := generate(chunk.Pos{X: 40, Z: 0})
	if err := c.SaveChunks(good); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "r.0.0.linear"), []byte("definitely not a region"), 0o644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}

	res := fetchAll(t, newCache(t, dir, nil), []chunk.Pos{{X: 1, Z: 1}, {X: 2, Z: 2}, {X: 40, Z: 0}})
	for _, p := range []chunk.Pos{{X: 1, Z: 1}, {X: 2, Z: 2}} {
		if r := res[p]; r.Status != region.Failed || !errors.Is(r.Err, region.ErrInvalidHeader) {
			t.Fatalf("%s: status=%s err=%v want invalid header", p, r.Status, r.Err)
		}
	}
	if r := res[chunk.Pos{X: 40, Z: 0}]; r.Status != region.Loaded {
		t.Fatalf("sibling region: status=%s err=%v", r.Status, r.Err)
	}
}

func TestSave_LoadFailureReportsPositions(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "r.0.0.linear"), []byte("junk junk junk"), 0o644); err != nil {
		t.Fatalf("write corrupt: %v", err)
	}
	c := newCache(t, dir, nil)
	chunks := generate(chunk.Pos{X: 3, Z: 3}, chunk.Pos{X: 100, Z: 100})
	err := c.SaveChunks(chunks)
	var se *SaveError
	if !errors.As(err, &se) {
		t.Fatalf("err=%v want *SaveError", err)
	}
	if len(se.Failed) != 1 || se.Failed[0] != (chunk.Pos{X: 3, Z: 3}) {
		t.Fatalf("failed=%v", se.Failed)
	}
	if !chunks[0].Dirty() || chunks[1].Dirty() {
		t.Fatalf("dirty flags: failed=%v ok=%v", chunks[0].Dirty(), chunks[1].Dirty())
	}
}

func TestBlockAndAwaitOngoingTasks(t *testing.T) {
	c := newCache(t, t.TempDir(), nil)
	h, err := c.GetOrLoad(region.Key{})
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	h.RLock()
	released := make(chan time.Time, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		released <- time.Now()
		h.RUnlock()
		h.Release()
	}()
	c.BlockAndAwaitOngoingTasks()
	done := time.Now()
	if rel := <-released; done.Before(rel) {
		t.Fatalf("barrier returned before the reader finished")
	}
}

func TestFetch_StopsWhenConsumerGone(t *testing.T) {
	dir := t.TempDir()
	c := newCache(t, dir, nil)
	var positions []chunk.Pos
	for i := 0; i < 8; i++ {
		positions = append(positions, chunk.Pos{X: int32(i), Z: 0})
	}
	if err := c.SaveChunks(generate(positions...)); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan region.Result)
	done := make(chan struct{})
	go func() {
		c.FetchChunks(ctx, positions, out)
		close(done)
	}()
	<-out
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("FetchChunks did not stop after the consumer left")
	}
	if !c.CanRemove(region.Key{}) {
		t.Fatalf("abandoned fetch must release its handle")
	}
}

func TestFetch_IdleConsumerDoesNotBlockWriters(t *testing.T) {
	c := newCache(t, t.TempDir(), nil)
	var positions []chunk.Pos
	for i := 0; i < 4; i++ {
		positions = append(positions, chunk.Pos{X: int32(i), Z: 0})
	}
	if err := c.SaveChunks(generate(positions...)); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan region.Result)
	done := make(chan struct{})
	go func() {
		c.FetchChunks(ctx, positions, out)
		close(done)
	}()
	<-out // the consumer stops reading without cancelling

	saved := make(chan error, 1)
	go func() { saved <- c.SaveChunks(generate(chunk.Pos{X: 8, Z: 0})) }()
	select {
	case err := <-saved:
		if err != nil {
			t.Fatalf("SaveChunks: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("save into the region blocked behind an idle fetch consumer")
	}

	other := make(chan region.Result, 1)
	fetched := make(chan struct{})
	go func() {
		c.FetchChunks(context.Background(), []chunk.Pos{{X: 8, Z: 0}}, other)
		close(fetched)
	}()
	select {
	case <-fetched:
	case <-time.After(5 * time.Second):
		t.Fatalf("second fetch blocked behind an idle fetch consumer")
	}
	if r := <-other; r.Status != region.Loaded {
		t.Fatalf("status=%s err=%v want loaded", r.Status, r.Err)
	}

	cancel()
	<-done
}

func TestFlushPending_WritesDeferredRegions(t *testing.T) {
	dir := t.TempDir()
	obs := &recordingObserver{}
	c := newCache(t, dir, obs)
	p := chunk.Pos{X: 4, Z: 4}
	c.Watch([]chunk.Pos{{X: 5, Z: 5}})
	if err := c.SaveChunks(generate(p)); err != nil {
		t.Fatalf("SaveChunks: %v", err)
	}

	if err := c.FlushPending(); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	if obs.count() != 0 {
		t.Fatalf("watched region written by FlushPending")
	}

	c.Unwatch([]chunk.Pos{{X: 5, Z: 5}})
	if err := c.FlushPending(); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	if obs.count() != 1 {
		t.Fatalf("write events=%d want 1", obs.count())
	}
	if c.Contains(region.Key{}) {
		t.Fatalf("flushed region should be evicted")
	}
	if r := fetchAll(t, newCache(t, dir, nil), []chunk.Pos{p})[p]; r.Status != region.Loaded {
		t.Fatalf("status=%s err=%v want loaded", r.Status, r.Err)
	}

	if err := c.FlushPending(); err != nil || obs.count() != 1 {
		t.Fatalf("nothing pending: err=%v events=%d", err, obs.count())
	}
}
