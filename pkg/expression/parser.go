package expression

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is an element of a parsed condition.
type Node interface {
	String() string
}

type (
	// Literal is a constant value: float64, string, bool or nil.
	Literal struct {
		Value any
	}

	// Ident is a variable reference; dotted paths walk nested maps.
	Ident struct {
		Path []string
	}

	// List is a bracketed list of expressions, used on the right of "in".
	List struct {
		Items []Node
	}

	// Unary is a prefix operation: "!" or "-".
	Unary struct {
		Op      string
		Operand Node
	}

	// Binary is an infix comparison or boolean operation.
	Binary struct {
		Op    string
		Left  Node
		Right Node
	}
)

func (l *Literal) String() string {
	switch value := l.Value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(value)
	default:
		return fmt.Sprint(value)
	}
}

func (i *Ident) String() string { return strings.Join(i.Path, ".") }

func (l *List) String() string {
	items := make([]string, len(l.Items))
	for index, item := range l.Items {
		items[index] = item.String()
	}

	return "[" + strings.Join(items, ", ") + "]"
}

func (u *Unary) String() string { return u.Op + u.Operand.String() }

func (b *Binary) String() string {
	return "(" + b.Left.String() + " " + b.Op + " " + b.Right.String() + ")"
}

type parser struct {
	tokens []token
	pos    int
}

// Parse turns a condition into its syntax tree.
func Parse(input string) (Node, error) {
	if strings.TrimSpace(input) == "" {
		return nil, &SyntaxError{Msg: "empty expression"}
	}

	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}

	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if next := p.peek(); next.kind != tokenEOF {
		return nil, &SyntaxError{Pos: next.pos, Msg: fmt.Sprintf("unexpected %q", next.text)}
	}

	return node, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	current := p.tokens[p.pos]
	if current.kind != tokenEOF {
		p.pos++
	}

	return current
}

func (p *parser) isOperator(ops ...string) (string, bool) {
	current := p.peek()
	if current.kind != tokenOperator && current.kind != tokenIdent {
		return "", false
	}

	for _, op := range ops {
		if current.text == op {
			return op, true
		}
	}

	return "", false
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.isOperator("||", "or"); !ok {
			return left, nil
		}

		p.next()

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = &Binary{Op: "||", Left: left, Right: right}
	}
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.isOperator("&&", "and"); !ok {
			return left, nil
		}

		p.next()

		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		left = &Binary{Op: "&&", Left: left, Right: right}
	}
}

func (p *parser) parseNot() (Node, error) {
	if _, ok := p.isOperator("!", "not"); ok {
		p.next()

		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		return &Unary{Op: "!", Operand: operand}, nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	op, ok := p.isOperator("==", "!=", "<", "<=", ">", ">=", "in", "not")
	if !ok {
		return left, nil
	}

	p.next()

	if op == "not" {
		if _, isIn := p.isOperator("in"); !isIn {
			return nil, &SyntaxError{Pos: p.peek().pos, Msg: `expected "in" after "not"`}
		}

		p.next()

		op = "not in"
	}

	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	return &Binary{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseUnary() (Node, error) {
	if _, ok := p.isOperator("-"); ok {
		p.next()

		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return &Unary{Op: "-", Operand: operand}, nil
	}

	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	current := p.next()

	switch current.kind {
	case tokenNumber:
		value, err := strconv.ParseFloat(current.text, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: current.pos, Msg: fmt.Sprintf("invalid number %q", current.text)}
		}

		return &Literal{Value: value}, nil
	case tokenString:
		return &Literal{Value: current.value}, nil
	case tokenIdent:
		return identOrKeyword(current)
	case tokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		if closing := p.next(); closing.kind != tokenRParen {
			return nil, &SyntaxError{Pos: closing.pos, Msg: `expected ")"`}
		}

		return inner, nil
	case tokenLBracket:
		return p.parseList()
	case tokenEOF:
		return nil, &SyntaxError{Pos: current.pos, Msg: "unexpected end of expression"}
	default:
		return nil, &SyntaxError{Pos: current.pos, Msg: fmt.Sprintf("unexpected %q", current.text)}
	}
}

func (p *parser) parseList() (Node, error) {
	list := &List{}

	if p.peek().kind == tokenRBracket {
		p.next()

		return list, nil
	}

	for {
		item, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		list.Items = append(list.Items, item)

		switch separator := p.next(); separator.kind {
		case tokenComma:
			continue
		case tokenRBracket:
			return list, nil
		default:
			return nil, &SyntaxError{Pos: separator.pos, Msg: `expected "," or "]"`}
		}
	}
}

func identOrKeyword(current token) (Node, error) {
	switch strings.ToLower(current.text) {
	case "true":
		return &Literal{Value: true}, nil
	case "false":
		return &Literal{Value: false}, nil
	case "null", "nil":
		return &Literal{Value: nil}, nil
	case "and", "or", "not", "in":
		return nil, &SyntaxError{Pos: current.pos, Msg: fmt.Sprintf("unexpected keyword %q", current.text)}
	}

	path := strings.Split(current.text, ".")
	for _, segment := range path {
		if segment == "" {
			return nil, &SyntaxError{Pos: current.pos, Msg: fmt.Sprintf("invalid variable reference %q", current.text)}
		}
	}

	return &Ident{Path: path}, nil
}
