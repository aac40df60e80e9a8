package model

import "fmt"

// CreationMode selects between creating all instances at activation time
// (static) and growing the activation later through AddInstance (dynamic).
type CreationMode string

const (
	CreationModeStatic  CreationMode = "static"
	CreationModeDynamic CreationMode = "dynamic"
)

// CardinalityKind tags a CardinalityField as either a literal integer or a
// data expression resolved once per activation.
type CardinalityKind string

const (
	CardinalityLiteral    CardinalityKind = "literal"
	CardinalityExpression CardinalityKind = "expression"
)

// CardinalityField is the tagged union {Literal(int), Expression(string)}.
// Expressions are resolved through the predicate evaluator at activation
// time; literals and expressions share the same integer domain.
type CardinalityField struct {
	Kind  CardinalityKind
	Value int
	Expr  string
}

func Literal(n int) CardinalityField {
	return CardinalityField{Kind: CardinalityLiteral, Value: n}
}

func Expression(expr string) CardinalityField {
	return CardinalityField{Kind: CardinalityExpression, Expr: expr}
}

// Resolve yields the integer value of the field, calling eval for
// expression fields.
func (f CardinalityField) Resolve(eval func(expr string) (int, error)) (int, error) {
	switch f.Kind {
	case CardinalityLiteral:
		return f.Value, nil
	case CardinalityExpression:
		return eval(f.Expr)
	}
	return 0, fmt.Errorf("unknown cardinality kind %q", f.Kind)
}

// MultiInstanceAttributes configures the expansion of one task firing into
// a cardinality-bounded set of parallel work items.
//
// Invariant: 1 <= minimum <= threshold <= maximum after resolution.
type MultiInstanceAttributes struct {
	Minimum   CardinalityField
	Maximum   CardinalityField
	Threshold CardinalityField

	CreationMode CreationMode

	// InputSplitExpr evaluates to an ordered collection over the case
	// data; each element becomes one instance's input slice.
	InputSplitExpr string

	// FormalInputParam names the variable each instance's data slice is
	// bound to.
	FormalInputParam string

	// FormalOutputParam names the output variable extracted from each
	// completed instance. Empty means the instance's whole output map.
	FormalOutputParam string

	// OutputJoinExpr aggregates the collected instance outputs; it is
	// evaluated with the collected outputs bound to "instances". Empty
	// means the raw output collection is used.
	OutputJoinExpr string

	// OutputTargetVar names the case variable receiving the aggregate.
	OutputTargetVar string
}
