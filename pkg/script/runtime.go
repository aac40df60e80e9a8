package script

// Evaluator evaluates a data expression against a case data document and
// returns a scalar, boolean or list value. Implementations must be
// deterministic for identical inputs and safe for concurrent use.
type Evaluator interface {
	Evaluate(expression string, variableContext map[string]any) (any, error)
	UnaryTest(expression string, variableContext map[string]any) (bool, error)
}

type JsRuntime interface {
	Evaluator

	RunScript(script string) (any, error)
}
