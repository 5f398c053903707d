// Package expression evaluates edge and condition-node expressions over instance variables.
//
// Expressions are parsed into a small syntax tree and interpreted; nothing is ever
// executed as code. Supported: number, string, true, false and null literals,
// dotted variable references, comparisons (== != < <= > >=), membership (in, not in)
// and boolean operators (&& || ! and their and/or/not spellings).
package expression

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("syntax error")

	// ErrUnknownVariable indicates a referenced variable does not exist.
	ErrUnknownVariable = errors.New("unknown variable")

	// ErrTypeMismatch indicates an operator was applied to operands it does not support.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrNotBoolean indicates the expression did not produce a boolean.
	ErrNotBoolean = errors.New("expression is not boolean")
)

// SyntaxError reports where parsing failed.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d: %s", e.Pos, e.Msg)
}

func (e *SyntaxError) Is(target error) bool {
	return target == ErrSyntax
}

// EvaluationError wraps any failure to produce a boolean from an expression.
type EvaluationError struct {
	Expression string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate %q: %v", e.Expression, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// IsEvaluationError checks if an error came from evaluating an expression.
func IsEvaluationError(err error) bool {
	var evalErr *EvaluationError

	return errors.As(err, &evalErr)
}

// Program is a compiled expression that can be evaluated many times.
type Program struct {
	source string
	root   Node
}

// Compile parses an expression.
func Compile(source string) (*Program, error) {
	root, err := Parse(source)
	if err != nil {
		return nil, &EvaluationError{Expression: source, Err: err}
	}

	return &Program{source: source, root: root}, nil
}

// Evaluate parses and evaluates an expression in one step.
func Evaluate(source string, vars map[string]any) (bool, error) {
	program, err := Compile(source)
	if err != nil {
		return false, err
	}

	return program.Evaluate(vars)
}

// Source returns the expression text.
func (p *Program) Source() string {
	return p.source
}

// Evaluate runs the program against the variables.
func (p *Program) Evaluate(vars map[string]any) (bool, error) {
	value, err := eval(p.root, vars)
	if err != nil {
		return false, &EvaluationError{Expression: p.source, Err: err}
	}

	result, ok := value.(bool)
	if !ok {
		return false, &EvaluationError{Expression: p.source, Err: fmt.Errorf("%w: got %s", ErrNotBoolean, describe(value))}
	}

	return result, nil
}

// Variables lists the variable paths the expression references.
func (p *Program) Variables() []string {
	names := make([]string, 0, 4)

	var walk func(node Node)

	walk = func(node Node) {
		switch typed := node.(type) {
		case *Ident:
			if name := typed.String(); !slices.Contains(names, name) {
				names = append(names, name)
			}
		case *Unary:
			walk(typed.Operand)
		case *Binary:
			walk(typed.Left)
			walk(typed.Right)
		case *List:
			for _, item := range typed.Items {
				walk(item)
			}
		}
	}

	walk(p.root)

	return names
}

// Snapshot copies the values of the referenced variables, for error reports.
func (p *Program) Snapshot(vars map[string]any) map[string]any {
	snapshot := make(map[string]any)

	for _, name := range p.Variables() {
		value, found := lookup(vars, splitPath(name))
		if found {
			snapshot[name] = value
		} else {
			snapshot[name] = nil
		}
	}

	return snapshot
}
