package expression

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// missing stands for a variable reference that did not resolve. It only
// compares equal to null; every other use is an ErrUnknownVariable.
type missing struct {
	path string
}

func eval(node Node, vars map[string]any) (any, error) {
	switch typed := node.(type) {
	case *Literal:
		return typed.Value, nil
	case *Ident:
		value, found := lookup(vars, typed.Path)
		if !found {
			return missing{path: typed.String()}, nil
		}

		return normalize(value), nil
	case *List:
		items := make([]any, 0, len(typed.Items))

		for _, item := range typed.Items {
			value, err := evalStrict(item, vars)
			if err != nil {
				return nil, err
			}

			items = append(items, value)
		}

		return items, nil
	case *Unary:
		return evalUnary(typed, vars)
	case *Binary:
		return evalBinary(typed, vars)
	default:
		return nil, fmt.Errorf("%w: unsupported node %T", ErrSyntax, node)
	}
}

// evalStrict evaluates a node and rejects unresolved variables.
func evalStrict(node Node, vars map[string]any) (any, error) {
	value, err := eval(node, vars)
	if err != nil {
		return nil, err
	}

	if ref, ok := value.(missing); ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, ref.path)
	}

	return value, nil
}

func evalUnary(node *Unary, vars map[string]any) (any, error) {
	operand, err := evalStrict(node.Operand, vars)
	if err != nil {
		return nil, err
	}

	switch node.Op {
	case "!":
		value, ok := operand.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: ! expects a boolean, got %s", ErrTypeMismatch, describe(operand))
		}

		return !value, nil
	case "-":
		value, ok := operand.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: - expects a number, got %s", ErrTypeMismatch, describe(operand))
		}

		return -value, nil
	default:
		return nil, fmt.Errorf("%w: unknown operator %s", ErrSyntax, node.Op)
	}
}

func evalBinary(node *Binary, vars map[string]any) (any, error) {
	switch node.Op {
	case "&&", "||":
		return evalLogical(node, vars)
	case "==", "!=":
		left, err := eval(node.Left, vars)
		if err != nil {
			return nil, err
		}

		right, err := eval(node.Right, vars)
		if err != nil {
			return nil, err
		}

		left, right, err = resolveForEquality(left, right)
		if err != nil {
			return nil, err
		}

		equal := equals(left, right)
		if node.Op == "!=" {
			return !equal, nil
		}

		return equal, nil
	}

	left, err := evalStrict(node.Left, vars)
	if err != nil {
		return nil, err
	}

	right, err := evalStrict(node.Right, vars)
	if err != nil {
		return nil, err
	}

	switch node.Op {
	case "<", "<=", ">", ">=":
		return compareOrdered(node.Op, left, right)
	case "in", "not in":
		found, err := contains(right, left)
		if err != nil {
			return nil, err
		}

		if node.Op == "not in" {
			return !found, nil
		}

		return found, nil
	default:
		return nil, fmt.Errorf("%w: unknown operator %s", ErrSyntax, node.Op)
	}
}

func evalLogical(node *Binary, vars map[string]any) (any, error) {
	left, err := evalBool(node.Left, vars, node.Op)
	if err != nil {
		return nil, err
	}

	if node.Op == "&&" && !left {
		return false, nil
	}

	if node.Op == "||" && left {
		return true, nil
	}

	return evalBool(node.Right, vars, node.Op)
}

func evalBool(node Node, vars map[string]any, op string) (bool, error) {
	value, err := evalStrict(node, vars)
	if err != nil {
		return false, err
	}

	result, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s expects booleans, got %s", ErrTypeMismatch, op, describe(value))
	}

	return result, nil
}

// resolveForEquality lets an unresolved variable compare equal to null.
func resolveForEquality(left, right any) (any, any, error) {
	leftRef, leftMissing := left.(missing)
	rightRef, rightMissing := right.(missing)

	switch {
	case leftMissing && right == nil:
		return nil, nil, nil
	case rightMissing && left == nil:
		return nil, nil, nil
	case leftMissing:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownVariable, leftRef.path)
	case rightMissing:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownVariable, rightRef.path)
	}

	return left, right, nil
}

func equals(left, right any) bool {
	switch l := left.(type) {
	case nil:
		return right == nil
	case float64:
		r, ok := right.(float64)

		return ok && l == r
	case string:
		r, ok := right.(string)

		return ok && l == r
	case bool:
		r, ok := right.(bool)

		return ok && l == r
	default:
		return reflect.DeepEqual(left, right)
	}
}

func compareOrdered(op string, left, right any) (bool, error) {
	var cmp int

	switch l := left.(type) {
	case float64:
		r, ok := right.(float64)
		if !ok {
			return false, fmt.Errorf("%w: cannot compare number with %s", ErrTypeMismatch, describe(right))
		}

		switch {
		case l < r:
			cmp = -1
		case l > r:
			cmp = 1
		}
	case string:
		r, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("%w: cannot compare string with %s", ErrTypeMismatch, describe(right))
		}

		cmp = strings.Compare(l, r)
	default:
		return false, fmt.Errorf("%w: %s is not ordered", ErrTypeMismatch, describe(left))
	}

	switch op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	default:
		return cmp >= 0, nil
	}
}

func contains(haystack, needle any) (bool, error) {
	switch typed := haystack.(type) {
	case []any:
		for _, item := range typed {
			if equals(needle, item) {
				return true, nil
			}
		}

		return false, nil
	case string:
		value, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("%w: in over a string expects a string, got %s", ErrTypeMismatch, describe(needle))
		}

		return strings.Contains(typed, value), nil
	default:
		return false, fmt.Errorf("%w: in expects a list or string, got %s", ErrTypeMismatch, describe(haystack))
	}
}

func splitPath(name string) []string {
	return strings.Split(name, ".")
}

func lookup(vars map[string]any, path []string) (any, bool) {
	var current any = vars

	for _, segment := range path {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// normalize maps Go values onto the evaluator's value set: float64, string, bool, nil and []any.
func normalize(value any) any {
	switch typed := value.(type) {
	case nil, float64, string, bool, map[string]any:
		return typed
	case int:
		return float64(typed)
	case int8:
		return float64(typed)
	case int16:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case uint:
		return float64(typed)
	case uint8:
		return float64(typed)
	case uint16:
		return float64(typed)
	case uint32:
		return float64(typed)
	case uint64:
		return float64(typed)
	case float32:
		return float64(typed)
	case json.Number:
		number, err := typed.Float64()
		if err != nil {
			return typed.String()
		}

		return number
	}

	reflected := reflect.ValueOf(value)
	if reflected.Kind() == reflect.Slice || reflected.Kind() == reflect.Array {
		items := make([]any, reflected.Len())
		for index := range items {
			items[index] = normalize(reflected.Index(index).Interface())
		}

		return items
	}

	return value
}

func describe(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	case missing:
		return "undefined"
	default:
		return fmt.Sprintf("%T", value)
	}
}
