package script

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingRunner struct{}

func (countingRunner) Runner() {}

type countingFactory struct {
	created atomic.Int32
}

func (f *countingFactory) NewRunner() Runner {
	f.created.Add(1)
	return countingRunner{}
}

func TestPoolPrewarmsMinSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	factory := &countingFactory{}

	NewRunnerPool(ctx, factory, 4, 2)

	assert.Equal(t, int32(2), factory.created.Load())
}

func TestPoolReusesRunners(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	factory := &countingFactory{}
	pool := NewRunnerPool(ctx, factory, 4, 1)

	for i := 0; i < 10; i++ {
		r := pool.Get()
		pool.Put(r)
	}

	assert.Equal(t, int32(1), factory.created.Load())
}

func TestPoolGrowsUpToMaxUnderContention(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	factory := &countingFactory{}
	pool := NewRunnerPool(ctx, factory, 3, 1)

	held := []Runner{pool.Get(), pool.Get(), pool.Get()}
	assert.Equal(t, int32(3), factory.created.Load())

	// the pool is at max; the next Get must wait for a Put
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r := pool.Get()
		pool.Put(r)
	}()
	pool.Put(held[0])
	wg.Wait()

	assert.Equal(t, int32(3), factory.created.Load())
	pool.Put(held[1])
	pool.Put(held[2])
}

func TestPoolRejectsInvertedSizes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Panics(t, func() {
		NewRunnerPool(ctx, &countingFactory{}, 1, 2)
	})
}
