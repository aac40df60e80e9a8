package js

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/pbinitiative/zenflow/pkg/script"
)

type runnerFactory struct{}

func (runnerFactory) NewRunner() script.Runner {
	return newJsRunner()
}

// JsRuntime evaluates JavaScript expressions on a pool of goja VMs.
type JsRuntime struct {
	pool *script.RunnerPool
}

var _ script.JsRuntime = &JsRuntime{}

func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int) *JsRuntime {
	return &JsRuntime{
		pool: script.NewRunnerPool(ctx, runnerFactory{}, maxVmPoolSize, minVmPoolSize),
	}
}

func (r *JsRuntime) RunScript(src string) (any, error) {
	runner := r.pool.Get()
	defer r.pool.Put(runner)

	return runner.(*jsRunner).runScript(src)
}

// Evaluate binds the variable context as VM globals before running the
// expression, so predicates can reference case variables by name.
func (r *JsRuntime) Evaluate(expression string, variableContext map[string]any) (any, error) {
	runner := r.pool.Get()
	defer r.pool.Put(runner)

	return runner.(*jsRunner).evaluate(expression, variableContext)
}

func (r *JsRuntime) UnaryTest(expression string, variableContext map[string]any) (bool, error) {
	res, err := r.Evaluate(expression, variableContext)
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("expression %s evaluated to %T, expected boolean", expression, res)
	}
	return b, nil
}

type jsRunner struct {
	vm *goja.Runtime
}

func (r *jsRunner) Runner() {}

func newJsRunner() *jsRunner {
	return &jsRunner{vm: goja.New()}
}

func (r *jsRunner) runScript(src string) (any, error) {
	resp, err := r.vm.RunString(src)
	if err != nil {
		return nil, fmt.Errorf("error running script %q: %w", src, err)
	}
	return resp.Export(), nil
}

func (r *jsRunner) evaluate(expression string, variableContext map[string]any) (any, error) {
	for k, v := range variableContext {
		if err := r.vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("failed to bind variable %s: %w", k, err)
		}
	}
	defer func() {
		for k := range variableContext {
			_ = r.vm.Set(k, goja.Undefined())
		}
	}()
	resp, err := r.vm.RunString(expression)
	if err != nil {
		return nil, fmt.Errorf("error evaluating expression %q: %w", expression, err)
	}
	return resp.Export(), nil
}
