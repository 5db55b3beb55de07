package filterql

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIllegal
	TokenIdent
	TokenString
	TokenNumber
	TokenColon  // : or =
	TokenNeq    // !=
	TokenLt     // <
	TokenLe     // <=
	TokenGt     // >
	TokenGe     // >=
	TokenTilde  // ~
	TokenRange  // ..
	TokenLParen // (
	TokenRParen // )
	TokenComma  // ,
	TokenAnd
	TokenOr
	TokenNot
)

var tokenNames = [...]string{
	TokenEOF:     "end of input",
	TokenIllegal: "illegal",
	TokenIdent:   "identifier",
	TokenString:  "string",
	TokenNumber:  "number",
	TokenColon:   "':'",
	TokenNeq:     "'!='",
	TokenLt:      "'<'",
	TokenLe:      "'<='",
	TokenGt:      "'>'",
	TokenGe:      "'>='",
	TokenTilde:   "'~'",
	TokenRange:   "'..'",
	TokenLParen:  "'('",
	TokenRParen:  "')'",
	TokenComma:   "','",
	TokenAnd:     "AND",
	TokenOr:      "OR",
	TokenNot:     "NOT",
}

func (t TokenType) String() string {
	if int(t) < len(tokenNames) {
		return tokenNames[t]
	}
	return fmt.Sprintf("token(%d)", int(t))
}

// Token represents a lexical token. Pos is the byte offset of its start.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
}

// Lexer tokenizes filter input.
type Lexer struct {
	input string
	pos   int
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.pos}
	}

	start := l.pos
	ch := l.input[l.pos]
	next := byte(0)
	if l.pos+1 < len(l.input) {
		next = l.input[l.pos+1]
	}

	single := func(t TokenType) Token {
		l.pos++
		return Token{Type: t, Value: string(ch), Pos: start}
	}
	double := func(t TokenType) Token {
		l.pos += 2
		return Token{Type: t, Value: l.input[start:l.pos], Pos: start}
	}

	switch ch {
	case ':', '=':
		return single(TokenColon)
	case '(':
		return single(TokenLParen)
	case ')':
		return single(TokenRParen)
	case ',':
		return single(TokenComma)
	case '~':
		return single(TokenTilde)
	case '!':
		if next == '=' {
			return double(TokenNeq)
		}
		return single(TokenNot)
	case '<':
		if next == '=' {
			return double(TokenLe)
		}
		return single(TokenLt)
	case '>':
		if next == '=' {
			return double(TokenGe)
		}
		return single(TokenGt)
	case '.':
		if next == '.' {
			return double(TokenRange)
		}
		return single(TokenIllegal)
	case '"':
		return l.readString()
	}

	if isDigit(ch) || (ch == '-' && isDigit(next)) {
		return l.readNumber()
	}
	if isIdentStart(ch) {
		return l.readIdent()
	}
	return single(TokenIllegal)
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
}

// readString reads a double-quoted string. Backslash escapes the next
// character. An unterminated string is illegal.
func (l *Lexer) readString() Token {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch == '"':
			l.pos++
			return Token{Type: TokenString, Value: sb.String(), Pos: start}
		case ch == '\\' && l.pos+1 < len(l.input):
			sb.WriteByte(l.input[l.pos+1])
			l.pos += 2
		default:
			sb.WriteByte(ch)
			l.pos++
		}
	}
	return Token{Type: TokenIllegal, Value: l.input[start:], Pos: start}
}

// readNumber reads decimal or 0x-prefixed hex literals. Range syntax
// terminates a number at "..".
func (l *Lexer) readNumber() Token {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) && (isAlnum(l.input[l.pos]) || l.input[l.pos] == '_') {
		l.pos++
	}
	return Token{Type: TokenNumber, Value: l.input[start:l.pos], Pos: start}
}

func (l *Lexer) readIdent() Token {
	start := l.pos
	for l.pos < len(l.input) && isIdentChar(l.input[l.pos]) {
		l.pos++
	}
	value := l.input[start:l.pos]

	// Check for keywords
	upper := strings.ToUpper(value)
	switch upper {
	case "AND":
		return Token{Type: TokenAnd, Value: upper, Pos: start}
	case "OR":
		return Token{Type: TokenOr, Value: upper, Pos: start}
	case "NOT":
		return Token{Type: TokenNot, Value: upper, Pos: start}
	}

	return Token{Type: TokenIdent, Value: value, Pos: start}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isAlnum(ch byte) bool {
	return isDigit(ch) || unicode.IsLetter(rune(ch))
}

func isIdentStart(ch byte) bool {
	return unicode.IsLetter(rune(ch)) || ch == '_' || ch == '*'
}

func isIdentChar(ch byte) bool {
	return isAlnum(ch) || ch == '_' || ch == '-' || ch == '*'
}
