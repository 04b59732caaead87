// Package level is the top-level chunk cache of an open world: resident
// chunks with watcher counts, the load then generate fetch pipeline and the
// save checkpoint.
package level

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"voxelkeep.ai/internal/persistence/levelinfo"
	"voxelkeep.ai/internal/persistence/sessionlock"
	"voxelkeep.ai/internal/world/chunk"
	"voxelkeep.ai/internal/world/gen"
	"voxelkeep.ai/internal/world/region"
	"voxelkeep.ai/internal/world/regioncache"
)

// shrinkSlack is how far a map may fall below its high-water mark before
// CleanMemory rebuilds it.
const shrinkSlack = 4096

// Generator produces a chunk that was never persisted. It must be
// deterministic for a given seed and safe for concurrent use.
type Generator interface {
	Generate(pos chunk.Pos) *chunk.Chunk
}

// Checkpoint describes one Save.
type Checkpoint struct {
	Chunks   int
	Failed   int
	Duration time.Duration
	At       time.Time
	Err      error
}

type CheckpointObserver interface {
	CheckpointSaved(cp Checkpoint)
}

type Config struct {
	Root    string
	Name    string
	Seed    int64
	Height  int
	Options region.Options

	GenerationWorkers int
	FetchBuffer       int
	RegionParallelism int

	Logger *log.Logger
	// Generator overrides the seeded terrain generator.
	Generator          Generator
	WriteObserver      regioncache.WriteObserver
	CheckpointObserver CheckpointObserver
}

type Stats struct {
	Loaded         int
	Spawn          int
	Watched        int
	CacheHits      uint64
	LoadedFromDisk uint64
	Generated      uint64
	Regenerated    uint64
	GenQueue       int
	GenBusy        int64
	Regions        regioncache.Stats
}

type Level struct {
	root   string
	logger *log.Logger
	gen    Generator
	buffer int

	regions    *regioncache.Cache
	lock       *sessionlock.Lock
	checkpoint CheckpointObserver

	infoMu sync.Mutex
	info   levelinfo.Data

	mu     sync.RWMutex
	chunks map[chunk.Pos]*chunk.Chunk
	peak   int
	spawn  map[chunk.Pos]*chunk.Chunk

	watchMu   sync.Mutex
	watchers  map[chunk.Pos]int
	watchPeak int

	pool      *genPool
	genFlight singleflight.Group
	tasks     sync.WaitGroup
	closed    atomic.Bool

	cacheHits      atomic.Uint64
	loadedFromDisk atomic.Uint64
	generated      atomic.Uint64
	regenerated    atomic.Uint64
}

// Open locks the world directory, reads or creates its metadata and returns
// a ready cache. level.dat is backed up to level.dat_old first.
func Open(cfg Config) (*Level, error) {
	if cfg.Root == "" {
		return nil, errors.New("level: empty world root")
	}
	lock, err := sessionlock.Acquire(cfg.Root)
	if err != nil {
		return nil, err
	}
	l, err := open(cfg, lock)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	return l, nil
}

func open(cfg Config, lock *sessionlock.Lock) (*Level, error) {
	if err := levelinfo.Backup(cfg.Root); err != nil {
		return nil, fmt.Errorf("backup level.dat: %w", err)
	}
	opts := cfg.Options
	if opts.Format == 0 {
		opts.Format = region.FormatLinear
	}
	height := cfg.Height
	if height <= 0 {
		height = chunk.DefaultHeight
	}

	info, err := levelinfo.Read(cfg.Root)
	switch {
	case errors.Is(err, levelinfo.ErrNotFound):
		info = levelinfo.Data{
			DataVersion: chunk.DataVersion,
			LevelName:   cfg.Name,
			RandomSeed:  cfg.Seed,
			Height:      int32(height),
			ChunkFormat: opts.Format.String(),
		}
		if err := levelinfo.Write(cfg.Root, info); err != nil {
			return nil, fmt.Errorf("write level.dat: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		// Existing worlds keep the parameters they were created with.
		if f, perr := region.ParseFormat(info.ChunkFormat); perr == nil && f != opts.Format {
			printf(cfg.Logger, "world format differs from config, using world format=%s config=%s", f, opts.Format)
			opts.Format = f
		}
		if info.Height > 0 {
			height = int(info.Height)
		}
	}

	g := cfg.Generator
	if g == nil {
		g = gen.New(gen.Config{Seed: info.RandomSeed, Height: height})
	}
	buffer := cfg.FetchBuffer
	if buffer <= 0 {
		buffer = 64
	}
	l := &Level{
		root:       cfg.Root,
		logger:     cfg.Logger,
		gen:        g,
		buffer:     buffer,
		lock:       lock,
		checkpoint: cfg.CheckpointObserver,
		info:       info,
		chunks:     map[chunk.Pos]*chunk.Chunk{},
		spawn:      map[chunk.Pos]*chunk.Chunk{},
		watchers:   map[chunk.Pos]int{},
		pool:       newGenPool(cfg.GenerationWorkers, 0),
	}
	l.regions = regioncache.New(regioncache.Config{
		Dir:         filepath.Join(cfg.Root, "region"),
		Options:     opts,
		Logger:      cfg.Logger,
		Observer:    cfg.WriteObserver,
		Parallelism: cfg.RegionParallelism,
	})
	l.printf("world open root=%s name=%q seed=%d format=%s height=%d", cfg.Root, info.LevelName, info.RandomSeed, opts.Format, height)
	return l, nil
}

func printf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

func (l *Level) printf(format string, args ...any) { printf(l.logger, format, args...) }

func (l *Level) Root() string { return l.root }

func (l *Level) Regions() *regioncache.Cache { return l.regions }

func (l *Level) Info() levelinfo.Data {
	l.infoMu.Lock()
	defer l.infoMu.Unlock()
	return l.info
}

// Chunk returns the resident chunk at pos, if any.
func (l *Level) Chunk(pos chunk.Pos) (*chunk.Chunk, bool) {
	ch := l.lookup(pos)
	return ch, ch != nil
}

func (l *Level) lookup(pos chunk.Pos) *chunk.Chunk {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if ch, ok := l.chunks[pos]; ok {
		return ch
	}
	return l.spawn[pos]
}

// insertIfAbsent stores ch unless pos is already resident, and returns the
// chunk that ends up in the map.
func (l *Level) insertIfAbsent(ch *chunk.Chunk) *chunk.Chunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.chunks[ch.Pos]; ok {
		return cur
	}
	if cur, ok := l.spawn[ch.Pos]; ok {
		return cur
	}
	l.chunks[ch.Pos] = ch
	if len(l.chunks) > l.peak {
		l.peak = len(l.chunks)
	}
	return ch
}

func (l *Level) LoadedChunkCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chunks)
}

func (l *Level) Stats() Stats {
	l.mu.RLock()
	loaded, spawn := len(l.chunks), len(l.spawn)
	l.mu.RUnlock()
	l.watchMu.Lock()
	watched := len(l.watchers)
	l.watchMu.Unlock()
	return Stats{
		Loaded:         loaded,
		Spawn:          spawn,
		Watched:        watched,
		CacheHits:      l.cacheHits.Load(),
		LoadedFromDisk: l.loadedFromDisk.Load(),
		Generated:      l.generated.Load(),
		Regenerated:    l.regenerated.Load(),
		GenQueue:       l.pool.queued(),
		GenBusy:        l.pool.busy.Load(),
		Regions:        l.regions.Stats(),
	}
}

// WaitTasks blocks until background flushes started by CleanChunks finish.
func (l *Level) WaitTasks() { l.tasks.Wait() }

// Close waits for background flushes, saves everything, stops the
// generation workers and releases the world lock.
func (l *Level) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.tasks.Wait()
	err := l.Save()
	l.pool.close()
	if rerr := l.lock.Release(); rerr != nil {
		err = errors.Join(err, rerr)
	}
	l.printf("world closed root=%s", l.root)
	return err
}
