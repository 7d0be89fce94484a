package hql

import (
	"strings"
	"unicode"
)

type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIdent
	TokenString
	TokenColon
	TokenLParen
	TokenRParen
	TokenAnd
	TokenOr
	TokenNot
	TokenNeq   // !=
	TokenTilde // ~
)

type Token struct {
	Type  TokenType
	Value string
}

var punctuation = map[byte]TokenType{
	':': TokenColon,
	'~': TokenTilde,
	'(': TokenLParen,
	')': TokenRParen,
}

var keywords = map[string]TokenType{
	"AND": TokenAnd,
	"OR":  TokenOr,
	"NOT": TokenNot,
}

// Lexer splits a query into tokens. Characters that start no token are
// skipped.
type Lexer struct {
	src string
	off int
}

func NewLexer(input string) *Lexer {
	return &Lexer{src: input}
}

func (l *Lexer) peek(n int) byte {
	if l.off+n < len(l.src) {
		return l.src[l.off+n]
	}
	return 0
}

// NextToken returns the next token, or TokenEOF at the end of input.
func (l *Lexer) NextToken() Token {
	for l.off < len(l.src) {
		c := l.src[l.off]
		switch {
		case unicode.IsSpace(rune(c)):
			l.off++
		case c == '"':
			return Token{Type: TokenString, Value: l.quoted()}
		case c == '!' && l.peek(1) == '=':
			l.off += 2
			return Token{Type: TokenNeq, Value: "!="}
		case isIdentChar(c):
			return l.word()
		default:
			l.off++
			if t, ok := punctuation[c]; ok {
				return Token{Type: t, Value: string(c)}
			}
		}
	}
	return Token{Type: TokenEOF}
}

// quoted reads a double-quoted string. A backslash escapes the next byte;
// a missing closing quote ends the string at end of input.
func (l *Lexer) quoted() string {
	var sb strings.Builder
	for l.off++; l.off < len(l.src); l.off++ {
		c := l.src[l.off]
		if c == '"' {
			l.off++
			break
		}
		if c == '\\' && l.off+1 < len(l.src) {
			l.off++
			c = l.src[l.off]
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func (l *Lexer) word() Token {
	start := l.off
	for l.off < len(l.src) && isIdentChar(l.src[l.off]) {
		l.off++
	}
	w := l.src[start:l.off]
	if t, ok := keywords[strings.ToUpper(w)]; ok {
		return Token{Type: t, Value: strings.ToUpper(w)}
	}
	return Token{Type: TokenIdent, Value: w}
}

// Identifiers double as unquoted values, so ids, paths and numbers lex as
// one token.
func isIdentChar(c byte) bool {
	return unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)) || strings.IndexByte("_-./", c) >= 0
}
