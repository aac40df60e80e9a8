package petri

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/pbinitiative/zenflow/pkg/petri/model"
)

func (engine *Engine) evaluateExpression(expression string, variableContext map[string]interface{}) (interface{}, error) {
	res, err := engine.evaluator.Evaluate(expression, variableContext)
	if err != nil {
		return nil, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("failed to evaluate expression %s", expression),
			Err: err,
		}
	}
	return res, nil
}

// evaluateGuard evaluates a flow predicate. Evaluation failure surfaces as
// an error distinct from a legitimate false.
func (engine *Engine) evaluateGuard(task *model.Task, expression string, variableContext map[string]interface{}) (bool, error) {
	ok, err := engine.evaluator.UnaryTest(expression, variableContext)
	if err != nil {
		return false, &PredicateError{TaskId: task.Id, Expression: expression, Err: err}
	}
	return ok, nil
}

// resolveCardinality resolves a literal-or-expression cardinality field to
// its integer value.
func (engine *Engine) resolveCardinality(field model.CardinalityField, variableContext map[string]interface{}) (int, error) {
	return field.Resolve(func(expr string) (int, error) {
		res, err := engine.evaluateExpression(expr, variableContext)
		if err != nil {
			return 0, err
		}
		return toInt(res)
	})
}

func toInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("value %v is not an integer", v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("value %q is not an integer", v)
		}
		return n, nil
	case fmt.Stringer:
		// script runtimes return their own decimal types
		n, err := strconv.Atoi(v.String())
		if err != nil {
			return 0, fmt.Errorf("value %q is not an integer", v.String())
		}
		return n, nil
	}
	return 0, fmt.Errorf("value %v of type %T is not an integer", value, value)
}

func toList(value interface{}) ([]interface{}, error) {
	switch v := value.(type) {
	case []interface{}:
		return v, nil
	case nil:
		return nil, errors.New("value is nil, not a collection")
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice {
		list := make([]interface{}, rv.Len())
		for i := range list {
			list[i] = rv.Index(i).Interface()
		}
		return list, nil
	}
	return nil, fmt.Errorf("value %v of type %T is not a collection", value, value)
}
