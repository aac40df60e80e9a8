package feel

import (
	"fmt"

	feelin "github.com/pbinitiative/feel"
	"github.com/pbinitiative/zenflow/pkg/script"
)

// Runtime evaluates FEEL expressions against a variable scope. The
// underlying interpreter is stateless, so a single Runtime is safe to
// share across all cases.
type Runtime struct{}

var _ script.Evaluator = &Runtime{}

func NewRuntime() *Runtime {
	return &Runtime{}
}

func (r *Runtime) Evaluate(expression string, variableContext map[string]any) (any, error) {
	res, err := feelin.EvalStringWithScope(expression, variableContext)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %s: %w", expression, err)
	}
	return res, nil
}

func (r *Runtime) UnaryTest(expression string, variableContext map[string]any) (bool, error) {
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
