package js

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateBindsAndClearsVariables(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewJsRuntime(ctx, 2, 1)

	res, err := r.Evaluate("amount * 2", map[string]any{"amount": int64(21)})
	assert.NoError(t, err)
	assert.EqualValues(t, 42, res)

	// the binding must not leak into the next evaluation
	res, err = r.Evaluate("typeof amount", map[string]any{})
	assert.NoError(t, err)
	assert.Equal(t, "undefined", res)
}

func TestUnaryTestRequiresBoolean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewJsRuntime(ctx, 2, 1)

	ok, err := r.UnaryTest("amount >= 1000", map[string]any{"amount": int64(5000)})
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.UnaryTest("amount >= 1000", map[string]any{"amount": int64(500)})
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = r.UnaryTest("amount + 1", map[string]any{"amount": int64(1)})
	assert.Error(t, err)
}

func TestRunScript(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewJsRuntime(ctx, 2, 1)

	res, err := r.RunScript("[1, 2, 3].length")
	assert.NoError(t, err)
	assert.EqualValues(t, 3, res)

	_, err = r.RunScript("this is not javascript")
	assert.Error(t, err)
}

func TestConcurrentEvaluations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewJsRuntime(ctx, 4, 2)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			res, err := r.Evaluate("x + 1", map[string]any{"x": n})
			assert.NoError(t, err)
			assert.EqualValues(t, n+1, res)
		}(int64(i))
	}
	wg.Wait()
}
