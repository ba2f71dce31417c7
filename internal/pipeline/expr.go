package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go-etl-engine/internal/model"
)

// ErrExprSyntax indicates an add_column expression could not be parsed
var ErrExprSyntax = errors.New("expression syntax error")

// Expression is a parsed arithmetic expression over column references.
//
//	price * quantity
//	(total - discount) / 100
//	first_name + " " + [last name]
//
// Numbers combine with + - * /. "+" on two strings concatenates. Any null
// operand, a type mismatch, or a division by zero yields null.
type Expression struct {
	root exprNode
	refs []string
}

// ParseExpression compiles text into an Expression
func ParseExpression(text string) (*Expression, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrExprSyntax)
	}
	p := &exprParser{lex: &exprLexer{input: text}}
	p.advance()
	root, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if p.tok.typ != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q", ErrExprSyntax, p.tok.literal)
	}
	return &Expression{root: root, refs: p.refs}, nil
}

// Columns returns the referenced column names in first-use order
func (e *Expression) Columns() []string { return e.refs }

// Eval evaluates the expression for one row
func (e *Expression) Eval(lookup func(column string) model.Value) model.Value {
	return e.root.eval(lookup)
}

// --- Lexer ---

type tokType int

const (
	tokEOF tokType = iota
	tokIllegal
	tokIdent
	tokNumber
	tokString
	tokTrue
	tokFalse
	tokNull
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLParen
	tokRParen
)

type exprToken struct {
	typ     tokType
	literal string
}

type exprLexer struct {
	input string
	pos   int
}

func (l *exprLexer) next() exprToken {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t' || l.input[l.pos] == '\n') {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return exprToken{typ: tokEOF}
	}

	ch := l.input[l.pos]
	switch ch {
	case '+':
		l.pos++
		return exprToken{typ: tokPlus, literal: "+"}
	case '-':
		l.pos++
		return exprToken{typ: tokMinus, literal: "-"}
	case '*':
		l.pos++
		return exprToken{typ: tokStar, literal: "*"}
	case '/':
		l.pos++
		return exprToken{typ: tokSlash, literal: "/"}
	case '(':
		l.pos++
		return exprToken{typ: tokLParen, literal: "("}
	case ')':
		l.pos++
		return exprToken{typ: tokRParen, literal: ")"}
	case '"', '\'':
		return l.readString(ch)
	case '[':
		// [column name] allows spaces and symbols in references
		end := strings.IndexByte(l.input[l.pos:], ']')
		if end < 0 {
			l.pos = len(l.input)
			return exprToken{typ: tokIllegal, literal: "["}
		}
		name := l.input[l.pos+1 : l.pos+end]
		l.pos += end + 1
		return exprToken{typ: tokIdent, literal: name}
	}

	if isDigit(ch) || ch == '.' {
		start := l.pos
		for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '.') {
			l.pos++
		}
		return exprToken{typ: tokNumber, literal: l.input[start:l.pos]}
	}
	if isIdentStart(ch) {
		start := l.pos
		for l.pos < len(l.input) && (isIdentStart(l.input[l.pos]) || isDigit(l.input[l.pos])) {
			l.pos++
		}
		word := l.input[start:l.pos]
		switch word {
		case "true":
			return exprToken{typ: tokTrue, literal: word}
		case "false":
			return exprToken{typ: tokFalse, literal: word}
		case "null":
			return exprToken{typ: tokNull, literal: word}
		}
		return exprToken{typ: tokIdent, literal: word}
	}

	l.pos++
	return exprToken{typ: tokIllegal, literal: string(ch)}
}

func (l *exprLexer) readString(quote byte) exprToken {
	var b strings.Builder
	l.pos++
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '\\' && l.pos+1 < len(l.input) {
			b.WriteByte(l.input[l.pos+1])
			l.pos += 2
			continue
		}
		if ch == quote {
			l.pos++
			return exprToken{typ: tokString, literal: b.String()}
		}
		b.WriteByte(ch)
		l.pos++
	}
	return exprToken{typ: tokIllegal, literal: string(quote)}
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// --- Parser ---

type exprParser struct {
	lex  *exprLexer
	tok  exprToken
	refs []string
}

func (p *exprParser) advance() { p.tok = p.lex.next() }

// parseSum handles + and -, the lowest precedence level
func (p *exprParser) parseSum() (exprNode, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for p.tok.typ == tokPlus || p.tok.typ == tokMinus {
		op := p.tok.typ
		p.advance()
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseProduct() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.typ == tokStar || p.tok.typ == tokSlash {
		op := p.tok.typ
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (exprNode, error) {
	if p.tok.typ == tokMinus {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: tokMinus, left: literalNode{value: model.Number(0)}, right: operand}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	tok := p.tok
	switch tok.typ {
	case tokNumber:
		f, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", ErrExprSyntax, tok.literal)
		}
		p.advance()
		return literalNode{value: model.Number(f)}, nil
	case tokString:
		p.advance()
		return literalNode{value: model.String(tok.literal)}, nil
	case tokTrue, tokFalse:
		p.advance()
		return literalNode{value: model.Boolean(tok.typ == tokTrue)}, nil
	case tokNull:
		p.advance()
		return literalNode{value: model.Null()}, nil
	case tokIdent:
		p.advance()
		p.addRef(tok.literal)
		return columnNode{name: tok.literal}, nil
	case tokLParen:
		p.advance()
		inner, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		if p.tok.typ != tokRParen {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrExprSyntax)
		}
		p.advance()
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrExprSyntax)
	default:
		return nil, fmt.Errorf("%w: unexpected %q", ErrExprSyntax, tok.literal)
	}
}

func (p *exprParser) addRef(name string) {
	for _, r := range p.refs {
		if r == name {
			return
		}
	}
	p.refs = append(p.refs, name)
}

// --- AST ---

type exprNode interface {
	eval(lookup func(string) model.Value) model.Value
}

type literalNode struct{ value model.Value }

func (n literalNode) eval(func(string) model.Value) model.Value { return n.value }

type columnNode struct{ name string }

func (n columnNode) eval(lookup func(string) model.Value) model.Value { return lookup(n.name) }

type binaryNode struct {
	op          tokType
	left, right exprNode
}

func (n binaryNode) eval(lookup func(string) model.Value) model.Value {
	l := n.left.eval(lookup)
	r := n.right.eval(lookup)
	if l.IsNull() || r.IsNull() {
		return model.Null()
	}
	if n.op == tokPlus && l.Kind == model.KindString && r.Kind == model.KindString {
		return model.String(l.Str + r.Str)
	}
	a, okA := asNumber(l)
	b, okB := asNumber(r)
	if !okA || !okB {
		return model.Null()
	}
	switch n.op {
	case tokPlus:
		return model.Number(a + b)
	case tokMinus:
		return model.Number(a - b)
	case tokStar:
		return model.Number(a * b)
	case tokSlash:
		if b == 0 {
			return model.Null()
		}
		return model.Number(a / b)
	}
	return model.Null()
}
