// Package filterql parses the textual filter language accepted by the CLI
// and the HTTP API, e.g.
//
//	size>300 AND type:Vec* AND NOT thread:(1,2) AND ts:100..200 AND type~"^Str"
package filterql

// Node is the interface implemented by all AST nodes.
type Node interface {
	node() // marker method
}

// AndExpr requires both sides to hold. Juxtaposed terms are joined by AND.
type AndExpr struct {
	Left  Node
	Right Node
}

func (AndExpr) node() {}

// OrExpr is parsed so that callers can reject it with a precise error.
type OrExpr struct {
	Left  Node
	Right Node
}

func (OrExpr) node() {}

// NotExpr negates its inner expression.
type NotExpr struct {
	Expr Node
}

func (NotExpr) node() {}

type Operator string

const (
	OpEq    Operator = ":"
	OpNe    Operator = "!="
	OpLt    Operator = "<"
	OpLe    Operator = "<="
	OpGt    Operator = ">"
	OpGe    Operator = ">="
	OpMatch Operator = "~"
	OpRange Operator = ".."
	OpIn    Operator = "in"
)

// CompareExpr compares one field against a value. Range uses Value and
// High; In uses Values. Quoted reports whether Value was a string literal,
// which disables wildcard interpretation.
type CompareExpr struct {
	Field  string
	Op     Operator
	Value  string
	High   string
	Values []string
	Quoted bool
}

func (CompareExpr) node() {}
