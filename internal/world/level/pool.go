package level

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// genPool runs generation jobs on a fixed set of goroutines so CPU heavy
// work never piles up on the fetch goroutines.
type genPool struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	busy atomic.Int64
}

func newGenPool(workers, queue int) *genPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queue <= 0 {
		queue = workers * 4
	}
	p := &genPool{jobs: make(chan func(), queue)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.busy.Add(1)
				job()
				p.busy.Add(-1)
			}
		}()
	}
	return p
}

// submit queues job unless ctx ends first or the pool is closed.
func (p *genPool) submit(ctx context.Context, job func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *genPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *genPool) queued() int { return len(p.jobs) }
