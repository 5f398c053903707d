package expression

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenString
	tokenIdent
	tokenOperator
	tokenLParen
	tokenRParen
	tokenLBracket
	tokenRBracket
	tokenComma
)

type token struct {
	kind  tokenKind
	text  string
	value string
	pos   int
}

var operators = []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "!", "-"}

// lex splits input into tokens. Positions are byte offsets, and string literals
// keep their bytes as written apart from escapes, even when they are not valid UTF-8.
func lex(input string) ([]token, error) {
	tokens := make([]token, 0, len(input)/2)

	for pos := 0; pos < len(input); {
		current, width := utf8.DecodeRuneInString(input[pos:])

		switch {
		case unicode.IsSpace(current):
			pos += width
		case current == '(':
			tokens = append(tokens, token{kind: tokenLParen, text: "(", pos: pos})
			pos++
		case current == ')':
			tokens = append(tokens, token{kind: tokenRParen, text: ")", pos: pos})
			pos++
		case current == '[':
			tokens = append(tokens, token{kind: tokenLBracket, text: "[", pos: pos})
			pos++
		case current == ']':
			tokens = append(tokens, token{kind: tokenRBracket, text: "]", pos: pos})
			pos++
		case current == ',':
			tokens = append(tokens, token{kind: tokenComma, text: ",", pos: pos})
			pos++
		case current == '"' || current == '\'':
			value, next, err := lexString(input, pos)
			if err != nil {
				return nil, err
			}

			tokens = append(tokens, token{kind: tokenString, text: input[pos:next], value: value, pos: pos})
			pos = next
		case isDigit(current) || (current == '.' && pos+1 < len(input) && isDigit(rune(input[pos+1]))):
			start := pos
			for pos < len(input) && (isDigit(rune(input[pos])) || input[pos] == '.') {
				pos++
			}

			tokens = append(tokens, token{kind: tokenNumber, text: input[start:pos], pos: start})
		case unicode.IsLetter(current) || current == '_' || current == '$':
			start := pos
			for pos < len(input) {
				r, size := utf8.DecodeRuneInString(input[pos:])
				if !isIdentRune(r) {
					break
				}

				pos += size
			}

			tokens = append(tokens, token{kind: tokenIdent, text: input[start:pos], pos: start})
		default:
			op := matchOperator(input[pos:])
			if op == "" {
				return nil, &SyntaxError{Pos: pos, Msg: fmt.Sprintf("unexpected character %q", input[pos:pos+width])}
			}

			tokens = append(tokens, token{kind: tokenOperator, text: op, pos: pos})
			pos += len(op)
		}
	}

	return append(tokens, token{kind: tokenEOF, pos: len(input)}), nil
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || isDigit(r) || r == '_' || r == '.' || r == '$'
}

func matchOperator(rest string) string {
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			return op
		}
	}

	return ""
}

func lexString(input string, start int) (string, int, error) {
	quote := input[start]

	var builder strings.Builder

	for pos := start + 1; pos < len(input); pos++ {
		switch input[pos] {
		case '\\':
			if pos+1 >= len(input) {
				return "", 0, &SyntaxError{Pos: pos, Msg: "unterminated escape sequence"}
			}

			pos++

			switch input[pos] {
			case 'n':
				builder.WriteByte('\n')
			case 't':
				builder.WriteByte('\t')
			default:
				builder.WriteByte(input[pos])
			}
		case quote:
			return builder.String(), pos + 1, nil
		default:
			builder.WriteByte(input[pos])
		}
	}

	return "", 0, &SyntaxError{Pos: start, Msg: "unterminated string literal"}
}
