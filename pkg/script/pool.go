package script

import (
	"context"
	"sync"
	"time"
)

type Runner interface {
	Runner()
}

type RunnerFactory interface {
	NewRunner() Runner
}

// RunnerPool recycles expression VM instances between evaluations. VMs are
// created on demand up to maxSize and trimmed back to minSize periodically.
type RunnerPool struct {
	pool    chan Runner
	factory RunnerFactory
	active  int
	mu      sync.Mutex
	maxSize int
	minSize int
}

func NewRunnerPool(ctx context.Context, factory RunnerFactory, maxSize int, minSize int) *RunnerPool {
	if maxSize < minSize {
		panic("runner pool max size is smaller than min size")
	}

	p := RunnerPool{
		pool:    make(chan Runner, maxSize),
		factory: factory,
		maxSize: maxSize,
		minSize: minSize,
	}

	for i := 0; i < minSize; i++ {
		p.mu.Lock()
		p.pool <- p.factory.NewRunner()
		p.active++
		p.mu.Unlock()
	}

	go p.trimLoop(ctx)
	return &p
}

func (p *RunnerPool) trimLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.trim()
		case <-ctx.Done():
			return
		}
	}
}

func (p *RunnerPool) trim() {
	for len(p.pool) > p.minSize {
		select {
		case <-p.pool:
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
		default:
			return
		}
	}
}

func (p *RunnerPool) Get() Runner {
	select {
	case r := <-p.pool:
		return r
	default:
	}
	p.mu.Lock()
	if p.active < p.maxSize {
		p.active++
		p.mu.Unlock()
		return p.factory.NewRunner()
	}
	p.mu.Unlock()
	return <-p.pool
}

func (p *RunnerPool) Put(r Runner) {
	select {
	case p.pool <- r:
	default:
		// pool is full, let the runner be collected
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}
