package r2s3

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"voxelkeep.ai/internal/persistence/levelinfo"
	"voxelkeep.ai/internal/world/level"
	"voxelkeep.ai/internal/world/regioncache"
)

type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	EnqueuedTotal      uint64
	CoalescedTotal     uint64
	DroppedTotal       uint64
	UploadSuccessTotal uint64
	UploadFailTotal    uint64
	LastSuccessUnix    int64
	LastErrorUnix      int64
}

type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type MirrorConfig struct {
	// Root is the world directory; object keys are paths relative to it.
	Root    string
	Prefix  string
	Workers int
	Queue   int
	// UploadsPerSecond throttles the workers together. Zero is unlimited.
	UploadsPerSecond float64
	Logger           *log.Logger
}

// Mirror copies region files and level.dat to a bucket after they are
// flushed. A path already waiting in the queue is not queued twice; the
// worker reads whatever version is on disk when it gets there.
type Mirror struct {
	up      Uploader
	root    string
	prefix  string
	logger  *log.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	jobs chan string
	wg   sync.WaitGroup

	mu      sync.Mutex
	queued  map[string]struct{}
	closing bool

	enqueuedTotal      atomic.Uint64
	coalescedTotal     atomic.Uint64
	droppedTotal       atomic.Uint64
	uploadSuccessTotal atomic.Uint64
	uploadFailTotal    atomic.Uint64
	lastSuccessUnix    atomic.Int64
	lastErrorUnix      atomic.Int64
}

func NewMirror(up Uploader, cfg MirrorConfig) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		up:     up,
		root:   cfg.Root,
		prefix: strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/"),
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan string, cfg.Queue),
		queued: map[string]struct{}{},
	}
	if cfg.UploadsPerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.UploadsPerSecond), cfg.Workers)
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.mu.Lock()
				delete(m.queued, p)
				m.mu.Unlock()
				m.uploadOne(p)
			}
		}()
	}
	return m
}

func (m *Mirror) RegionWritten(ev regioncache.WriteEvent) {
	if ev.Err != nil {
		return
	}
	m.Enqueue(ev.Path)
}

func (m *Mirror) CheckpointSaved(cp level.Checkpoint) {
	if cp.Err != nil {
		return
	}
	m.Enqueue(filepath.Join(m.root, levelinfo.FileName))
}

// Enqueue never blocks; a full queue drops the path.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.up == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return
	}
	m.enqueuedTotal.Add(1)
	if _, ok := m.queued[localPath]; ok {
		m.coalescedTotal.Add(1)
		return
	}
	select {
	case m.jobs <- localPath:
		m.queued[localPath] = struct{}{}
	default:
		n := m.droppedTotal.Add(1)
		m.printf("mirror drop local=%s reason=queue_full dropped_total=%d", localPath, n)
	}
}

// Close uploads what is already queued and stops the workers. Pending
// retries are abandoned once ctx is done.
func (m *Mirror) Close(ctx context.Context) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.closing = true
	close(m.jobs)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		<-done
	}
	m.cancel()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(m.jobs),
		QueueCapacity:      cap(m.jobs),
		EnqueuedTotal:      m.enqueuedTotal.Load(),
		CoalescedTotal:     m.coalescedTotal.Load(),
		DroppedTotal:       m.droppedTotal.Load(),
		UploadSuccessTotal: m.uploadSuccessTotal.Load(),
		UploadFailTotal:    m.uploadFailTotal.Load(),
		LastSuccessUnix:    m.lastSuccessUnix.Load(),
		LastErrorUnix:      m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.printf("mirror skip local=%s err=%v", localPath, err)
		return
	}
	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.printf("mirror upload failed key=%s err=%v", key, err)
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	const maxAttempts = 4
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if m.limiter != nil {
			if err := m.limiter.Wait(m.ctx); err != nil {
				return err
			}
		}
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
		err := m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		t := time.NewTimer(time.Duration(attempt*attempt) * 200 * time.Millisecond)
		select {
		case <-t.C:
		case <-m.ctx.Done():
			t.Stop()
			return lastErr
		}
	}
	return lastErr
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	absBase, err := filepath.Abs(m.root)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside world root %s", absLocal, absBase)
	}
	if m.prefix != "" {
		rel = path.Join(m.prefix, rel)
	}
	return rel, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
