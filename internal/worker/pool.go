package worker

import (
	"sync"

	"github.com/baharkarakas/paygate/internal/metrics"
)

type task func()

// Pool runs fire-and-forget jobs (outbound notifications) on a fixed set of
// goroutines behind a bounded queue.
type Pool struct {
	wg      sync.WaitGroup
	senders sync.WaitGroup
	jobs    chan task
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
}

func NewPool(n, queue int) *Pool {
	if n <= 0 {
		n = 1
	}
	if queue <= 0 {
		queue = 1024
	}
	p := &Pool{jobs: make(chan task, queue), done: make(chan struct{})}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
				job()
			}
		}()
	}
	return p
}

// Submit blocks until the job is queued. It reports false once Stop has
// begun, including when it was waiting for room at that moment.
func (p *Pool) Submit(f func()) bool {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false
	}
	p.senders.Add(1)
	p.mu.RUnlock()
	defer p.senders.Done()

	select {
	case p.jobs <- f:
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		return true
	case <-p.done:
		return false
	}
}

// TrySubmit queues the job only if there is room.
func (p *Pool) TrySubmit(f func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- f:
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		return true
	default:
		return false
	}
}

// Stop releases blocked submitters, drains queued jobs and waits for the
// workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	// jobs is only closed once no Submit can still send on it
	p.senders.Wait()
	close(p.jobs)
	p.wg.Wait()
}
