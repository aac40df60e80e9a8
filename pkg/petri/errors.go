package petri

import "fmt"

type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

type ExpressionEvaluationError struct {
	Msg string
	Err error
}

func (e *ExpressionEvaluationError) Error() string {
	if e.Err != nil {
		return e.Msg + "\nerror: " + e.Err.Error()
	}
	return e.Msg
}

func (e *ExpressionEvaluationError) Unwrap() error {
	return e.Err
}

// NotEnabledError rejects a firing whose precondition tokens are missing.
type NotEnabledError struct {
	CaseKey int64
	TaskId  string
}

func (e *NotEnabledError) Error() string {
	return fmt.Sprintf("task %s is not enabled in case %d", e.TaskId, e.CaseKey)
}

// PredicateError reports a split guard that failed to evaluate, or a split
// whose guards all evaluated to false with no default flow. A guard that
// legitimately evaluates to false is never a PredicateError.
type PredicateError struct {
	TaskId     string
	Expression string
	Err        error
}

func (e *PredicateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("predicate %q on task %s failed: %s", e.Expression, e.TaskId, e.Err)
	}
	return fmt.Sprintf("no outgoing flow of task %s is enabled and no default flow is declared", e.TaskId)
}

func (e *PredicateError) Unwrap() error {
	return e.Err
}

// CardinalityError rejects a multi-instance activation whose resolved
// bounds are inconsistent.
type CardinalityError struct {
	TaskId string
	Msg    string
}

func (e *CardinalityError) Error() string {
	return fmt.Sprintf("invalid cardinality on task %s: %s", e.TaskId, e.Msg)
}

// InsufficientDataError rejects a multi-instance activation whose input
// collection is smaller than the resolved minimum.
type InsufficientDataError struct {
	TaskId  string
	Size    int
	Minimum int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("task %s: input collection holds %d elements, minimum is %d", e.TaskId, e.Size, e.Minimum)
}

// ActivationClosedError rejects work against an activation that already
// reached its threshold.
type ActivationClosedError struct {
	ActivationKey int64
}

func (e *ActivationClosedError) Error() string {
	return fmt.Sprintf("activation %d is closed", e.ActivationKey)
}

type CompleteError struct {
	WorkItemKey int64
	Msg         string
}

func (e *CompleteError) Error() string {
	return fmt.Sprintf("cannot complete work item %d: %s", e.WorkItemKey, e.Msg)
}

type CancelError struct {
	WorkItemKey int64
	Msg         string
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("cannot cancel work item %d: %s", e.WorkItemKey, e.Msg)
}
