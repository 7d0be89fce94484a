// Package hql parses the free-form search expressions accepted by the query
// API, e.g. `api:orders AND NOT level:DEBUG AND "timeout"`.
//
// A quoted string or bare word searches the record text. key:value tests
// equality, key!=value inequality and key~value containment. All
// comparisons ignore case.
package hql

import (
	"errors"
	"fmt"
)

var ErrSyntax = errors.New("query syntax error")

type Parser struct {
	lexer   *Lexer
	current Token
}

// Parse returns the AST for input. Empty input yields a nil Node, which
// matches everything.
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
		return nil, fmt.Errorf("%w: unexpected %q", ErrSyntax, p.current.Value)
	}
	return node, nil
}

func (p *Parser) advance() {
	p.current = p.lexer.NextToken()
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
		left = BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

// parseAnd handles AND expressions. Adjacent terms without an operator are
// joined with AND.
func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		switch p.current.Type {
		case TokenAnd:
			p.advance()
		case TokenIdent, TokenString, TokenNot, TokenLParen:
		default:
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "AND", Left: left, Right: right}
	}
}

// parseNot handles NOT expressions.
func (p *Parser) parseNot() (Node, error) {
	if p.current.Type == TokenNot {
		p.advance()
		expr, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return NotExpr{Expr: expr}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Node, error) {
	switch p.current.Type {
	case TokenLParen:
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.current.Type != TokenRParen {
			return nil, fmt.Errorf("%w: expected ')'", ErrSyntax)
		}
		p.advance()
		return expr, nil

	case TokenString:
		value := p.current.Value
		p.advance()
		return MatchExpr{Value: value, Op: "CONTAINS"}, nil

	case TokenIdent:
		key := p.current.Value
		p.advance()
		switch p.current.Type {
		case TokenColon:
			p.advance()
			return p.parseValue(key, "=")
		case TokenNeq:
			p.advance()
			return p.parseValue(key, "!=")
		case TokenTilde:
			p.advance()
			return p.parseValue(key, "CONTAINS")
		}
		return MatchExpr{Value: key, Op: "CONTAINS"}, nil

	case TokenEOF:
		return nil, fmt.Errorf("%w: unexpected end of query", ErrSyntax)
	default:
		return nil, fmt.Errorf("%w: unexpected %q", ErrSyntax, p.current.Value)
	}
}

func (p *Parser) parseValue(key, op string) (Node, error) {
	field, ok := Canonical(key)
	if !ok {
		return nil, fmt.Errorf("%w: unknown field %q", ErrSyntax, key)
	}
	switch p.current.Type {
	case TokenString, TokenIdent:
		value := p.current.Value
		p.advance()
		return MatchExpr{Key: field, Value: value, Op: op}, nil
	}
	return nil, fmt.Errorf("%w: expected value after %s", ErrSyntax, key)
}
