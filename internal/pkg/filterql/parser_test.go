package filterql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexer(t *testing.T) {
	tests := []struct {
		input    string
		expected []TokenType
	}{
		{"type:Vec", []TokenType{TokenIdent, TokenColon, TokenIdent, TokenEOF}},
		{`type:"Vec<u8>"`, []TokenType{TokenIdent, TokenColon, TokenString, TokenEOF}},
		{"size>=300", []TokenType{TokenIdent, TokenGe, TokenNumber, TokenEOF}},
		{"size<300", []TokenType{TokenIdent, TokenLt, TokenNumber, TokenEOF}},
		{"ts:100..200", []TokenType{TokenIdent, TokenColon, TokenNumber, TokenRange, TokenNumber, TokenEOF}},
		{"thread:(1,2)", []TokenType{TokenIdent, TokenColon, TokenLParen, TokenNumber, TokenComma, TokenNumber, TokenRParen, TokenEOF}},
		{`type~"^Str"`, []TokenType{TokenIdent, TokenTilde, TokenString, TokenEOF}},
		{"a and b or not c", []TokenType{TokenIdent, TokenAnd, TokenIdent, TokenOr, TokenNot, TokenIdent, TokenEOF}},
		{"id!=3", []TokenType{TokenIdent, TokenNeq, TokenNumber, TokenEOF}},
		{"address:0x7f00", []TokenType{TokenIdent, TokenColon, TokenNumber, TokenEOF}},
		{"ts:-5", []TokenType{TokenIdent, TokenColon, TokenNumber, TokenEOF}},
		{"size # 3", []TokenType{TokenIdent, TokenIllegal, TokenNumber, TokenEOF}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			lexer := NewLexer(tt.input)
			var got []TokenType
			for {
				tok := lexer.NextToken()
				got = append(got, tok.Type)
				if tok.Type == TokenEOF {
					break
				}
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestLexerString(t *testing.T) {
	tok := NewLexer(`"a \"quoted\" name"`).NextToken()
	assert.Equal(t, TokenString, tok.Type)
	assert.Equal(t, `a "quoted" name`, tok.Value)

	tok = NewLexer(`"open`).NextToken()
	assert.Equal(t, TokenIllegal, tok.Type)
}

func TestParseCompare(t *testing.T) {
	tests := []struct {
		input string
		want  CompareExpr
	}{
		{"size>300", CompareExpr{Field: "size", Op: OpGt, Value: "300"}},
		{"size<=64", CompareExpr{Field: "size", Op: OpLe, Value: "64"}},
		{"type:Vec*", CompareExpr{Field: "type", Op: OpEq, Value: "Vec*"}},
		{`type:"Vec<u8>"`, CompareExpr{Field: "type", Op: OpEq, Value: "Vec<u8>", Quoted: true}},
		{"type=String", CompareExpr{Field: "type", Op: OpEq, Value: "String"}},
		{`type~"^Str"`, CompareExpr{Field: "type", Op: OpMatch, Value: "^Str", Quoted: true}},
		{"ts:100..200", CompareExpr{Field: "ts", Op: OpRange, Value: "100", High: "200"}},
		{"thread:(1, 2,3)", CompareExpr{Field: "thread", Op: OpIn, Values: []string{"1", "2", "3"}}},
		{"id!=7", CompareExpr{Field: "id", Op: OpNe, Value: "7"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			node, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, node)
		})
	}
}

func TestParseCompound(t *testing.T) {
	node, err := Parse("size>300 AND type:Vec*")
	require.NoError(t, err)

	and, ok := node.(AndExpr)
	require.True(t, ok, "expected AndExpr, got %+v", node)
	assert.Equal(t, CompareExpr{Field: "size", Op: OpGt, Value: "300"}, and.Left)
	assert.Equal(t, CompareExpr{Field: "type", Op: OpEq, Value: "Vec*"}, and.Right)
}

func TestParseImplicitAnd(t *testing.T) {
	explicit, err := Parse("size>300 AND thread:1")
	require.NoError(t, err)
	implicit, err := Parse("size>300 thread:1")
	require.NoError(t, err)
	assert.Equal(t, explicit, implicit)
}

func TestParsePrecedence(t *testing.T) {
	node, err := Parse("type:String AND (size:64 OR size:128)")
	require.NoError(t, err)

	and, ok := node.(AndExpr)
	require.True(t, ok)
	_, ok = and.Right.(OrExpr)
	assert.True(t, ok, "expected OR on right, got %+v", and.Right)

	node, err = Parse("a:1 OR b:2 AND c:3")
	require.NoError(t, err)
	or, ok := node.(OrExpr)
	require.True(t, ok)
	_, ok = or.Right.(AndExpr)
	assert.True(t, ok)
}

func TestParseNot(t *testing.T) {
	node, err := Parse("NOT thread:(1,2)")
	require.NoError(t, err)

	not, ok := node.(NotExpr)
	require.True(t, ok, "expected NotExpr, got %+v", node)
	assert.Equal(t, CompareExpr{Field: "thread", Op: OpIn, Values: []string{"1", "2"}}, not.Expr)

	node, err = Parse("!!size:64")
	require.NoError(t, err)
	inner, ok := node.(NotExpr).Expr.(NotExpr)
	require.True(t, ok)
	assert.Equal(t, CompareExpr{Field: "size", Op: OpEq, Value: "64"}, inner.Expr)
}

func TestParseFull(t *testing.T) {
	_, err := Parse(`size>300 AND type:Vec* AND NOT thread:(1,2) AND ts:100..200 AND type~"^Str"`)
	assert.NoError(t, err)
}

func TestParseEmpty(t *testing.T) {
	node, err := Parse("   ")
	assert.NoError(t, err)
	assert.Nil(t, node)
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{
		"size",
		"size>",
		"size:(1,2",
		"size:(1 2)",
		"(size:1",
		"size:1)",
		"AND size:1",
		"size:1 AND",
		"NOT",
		"size > #",
		`type:"open`,
		"ts:1..",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestParseErrorOffset(t *testing.T) {
	_, err := Parse("size:1 AND )")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 11")
}
