package filterql

import (
	"fmt"
)

// Parser parses filter expressions into an AST.
type Parser struct {
	lexer   *Lexer
	current Token
}

// Parse parses the input string and returns the AST root node. Empty input
// yields a nil node.
func Parse(input string) (Node, error) {
	p := &Parser{lexer: NewLexer(input)}
	p.advance()
	if p.current.Type == TokenEOF {
		return nil, nil
	}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, p.errorf("unexpected %s", p.describe())
	}
	return node, nil
}

func (p *Parser) advance() {
	p.current = p.lexer.NextToken()
}

func (p *Parser) errorf(format string, args ...any) error {
	return fmt.Errorf("filterql: offset %d: %s", p.current.Pos, fmt.Sprintf(format, args...))
}

func (p *Parser) describe() string {
	switch p.current.Type {
	case TokenIdent, TokenNumber, TokenString, TokenIllegal:
		return fmt.Sprintf("%s %q", p.current.Type, p.current.Value)
	}
	return p.current.Type.String()
}

// parseOr handles OR expressions (lowest precedence).
func (p *Parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.current.Type == TokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = OrExpr{Left: left, Right: right}
	}

	return left, nil
}

// parseAnd handles explicit AND as well as juxtaposed terms.
func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for {
		switch p.current.Type {
		case TokenAnd:
			p.advance()
		case TokenIdent, TokenNot, TokenLParen:
		default:
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = AndExpr{Left: left, Right: right}
	}
}

// parseNot handles NOT expressions.
func (p *Parser) parseNot() (Node, error) {
	if p.current.Type == TokenNot {
		p.advance()
		expr, err := p.parseNot() // NOT is right-associative
		if err != nil {
			return nil, err
		}
		return NotExpr{Expr: expr}, nil
	}
	return p.parsePrimary()
}

// parsePrimary handles (expr) and comparisons.
func (p *Parser) parsePrimary() (Node, error) {
	switch p.current.Type {
	case TokenLParen:
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.current.Type != TokenRParen {
			return nil, p.errorf("expected ')' but got %s", p.describe())
		}
		p.advance()
		return expr, nil

	case TokenIdent:
		return p.parseCompare()
	}
	return nil, p.errorf("expected field name but got %s", p.describe())
}

func (p *Parser) parseCompare() (Node, error) {
	field := p.current.Value
	p.advance()

	var op Operator
	switch p.current.Type {
	case TokenColon:
		p.advance()
		if p.current.Type == TokenLParen {
			return p.parseList(field)
		}
		return p.parseEqOrRange(field)
	case TokenNeq:
		op = OpNe
	case TokenLt:
		op = OpLt
	case TokenLe:
		op = OpLe
	case TokenGt:
		op = OpGt
	case TokenGe:
		op = OpGe
	case TokenTilde:
		op = OpMatch
	default:
		return nil, p.errorf("expected operator after %q but got %s", field, p.describe())
	}
	p.advance()

	value, quoted, err := p.parseValue(field)
	if err != nil {
		return nil, err
	}
	return CompareExpr{Field: field, Op: op, Value: value, Quoted: quoted}, nil
}

func (p *Parser) parseEqOrRange(field string) (Node, error) {
	lo, quoted, err := p.parseValue(field)
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenRange {
		return CompareExpr{Field: field, Op: OpEq, Value: lo, Quoted: quoted}, nil
	}
	p.advance()
	hi, _, err := p.parseValue(field)
	if err != nil {
		return nil, err
	}
	return CompareExpr{Field: field, Op: OpRange, Value: lo, High: hi}, nil
}

// parseList parses "(a, b, ...)" after a colon.
func (p *Parser) parseList(field string) (Node, error) {
	p.advance() // (
	var values []string
	for {
		v, _, err := p.parseValue(field)
		if err != nil {
			return nil, err
		}
		values = append(values, v)

		switch p.current.Type {
		case TokenComma:
			p.advance()
		case TokenRParen:
			p.advance()
			return CompareExpr{Field: field, Op: OpIn, Values: values}, nil
		default:
			return nil, p.errorf("expected ',' or ')' in list for %q but got %s", field, p.describe())
		}
	}
}

func (p *Parser) parseValue(field string) (string, bool, error) {
	tok := p.current
	switch tok.Type {
	case TokenString:
		p.advance()
		return tok.Value, true, nil
	case TokenIdent, TokenNumber:
		p.advance()
		return tok.Value, false, nil
	}
	return "", false, p.errorf("expected value for %q but got %s", field, p.describe())
}
