package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
)

// Field identifies the record attribute a condition or sort key applies to.
type Field int

const (
	FieldID Field = iota + 1
	FieldAddress
	FieldSize
	FieldTimestamp
	FieldThread
	FieldType
	FieldStatus
	FieldPredicate
)

var fieldNames = map[Field]string{
	FieldID:        "id",
	FieldAddress:   "address",
	FieldSize:      "size",
	FieldTimestamp: "timestamp",
	FieldThread:    "thread",
	FieldType:      "type",
	FieldStatus:    "status",
	FieldPredicate: "predicate",
}

func (f Field) String() string {
	if s, ok := fieldNames[f]; ok {
		return s
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// ParseField resolves a field name as used by the filter language and the
// HTTP API. A few aliases are accepted.
func ParseField(name string) (Field, bool) {
	switch strings.ToLower(name) {
	case "id":
		return FieldID, true
	case "address", "addr", "ptr":
		return FieldAddress, true
	case "size":
		return FieldSize, true
	case "timestamp", "ts", "time":
		return FieldTimestamp, true
	case "thread", "thread_id", "tid":
		return FieldThread, true
	case "type", "type_name":
		return FieldType, true
	case "status":
		return FieldStatus, true
	}
	return 0, false
}

type Op int

const (
	OpEq Op = iota + 1
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpBetween
	OpIn
	OpNotIn
	OpContains
	OpStartsWith
	OpEndsWith
	OpRegex
)

var opNames = map[Op]string{
	OpEq:         "eq",
	OpNe:         "ne",
	OpLt:         "lt",
	OpLe:         "le",
	OpGt:         "gt",
	OpGe:         "ge",
	OpBetween:    "between",
	OpIn:         "in",
	OpNotIn:      "not_in",
	OpContains:   "contains",
	OpStartsWith: "starts_with",
	OpEndsWith:   "ends_with",
	OpRegex:      "regex",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// StatusKind selects records by liveness. Deallocation is not modeled, so
// every record is active.
type StatusKind int

const (
	StatusAny StatusKind = iota
	StatusActive
	StatusDeallocated
)

func (s StatusKind) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDeallocated:
		return "deallocated"
	}
	return "any"
}

// ParseStatus is the inverse of StatusKind.String.
func ParseStatus(s string) (StatusKind, bool) {
	switch strings.ToLower(s) {
	case "any", "all", "":
		return StatusAny, true
	case "active", "live":
		return StatusActive, true
	case "deallocated", "freed":
		return StatusDeallocated, true
	}
	return 0, false
}

// Condition is a single filter clause. Conditions are normally built through
// the field handles (Size.Gt(300), Type.StartsWith("Vec"), ...). Numeric
// operands of timestamp conditions are stored in their order-preserving
// unsigned form.
type Condition struct {
	Field  Field
	Op     Op
	Num    uint64
	Hi     uint64
	Nums   []uint64
	Str    string
	Strs   []string
	Status StatusKind
	Pred   func(*model.AllocationRecord) bool
}

// tsKey maps a signed timestamp onto uint64 keeping its order.
func tsKey(ts int64) uint64 {
	return uint64(ts) ^ (1 << 63)
}

func keyTs(k uint64) int64 {
	return int64(k ^ (1 << 63))
}

func numericValue(f Field, rec *model.AllocationRecord) uint64 {
	switch f {
	case FieldID:
		return rec.ID
	case FieldAddress:
		return rec.Address
	case FieldSize:
		return rec.Size
	case FieldTimestamp:
		return tsKey(rec.Timestamp)
	case FieldThread:
		return rec.ThreadID
	}
	return 0
}

func isNumeric(f Field) bool {
	switch f {
	case FieldID, FieldAddress, FieldSize, FieldTimestamp, FieldThread:
		return true
	}
	return false
}

// NumericField builds conditions over an unsigned record attribute.
type NumericField struct{ field Field }

var (
	ID      = NumericField{FieldID}
	Address = NumericField{FieldAddress}
	Size    = NumericField{FieldSize}
	Thread  = NumericField{FieldThread}
)

func (n NumericField) cond(op Op, v uint64) Condition {
	return Condition{Field: n.field, Op: op, Num: v}
}

func (n NumericField) Eq(v uint64) Condition { return n.cond(OpEq, v) }
func (n NumericField) Ne(v uint64) Condition { return n.cond(OpNe, v) }
func (n NumericField) Lt(v uint64) Condition { return n.cond(OpLt, v) }
func (n NumericField) Le(v uint64) Condition { return n.cond(OpLe, v) }
func (n NumericField) Gt(v uint64) Condition { return n.cond(OpGt, v) }
func (n NumericField) Ge(v uint64) Condition { return n.cond(OpGe, v) }

// Between matches lo <= v <= hi.
func (n NumericField) Between(lo, hi uint64) Condition {
	return Condition{Field: n.field, Op: OpBetween, Num: lo, Hi: hi}
}

func (n NumericField) In(vs ...uint64) Condition {
	return Condition{Field: n.field, Op: OpIn, Nums: vs}
}

func (n NumericField) NotIn(vs ...uint64) Condition {
	return Condition{Field: n.field, Op: OpNotIn, Nums: vs}
}

// TimeField builds conditions over the signed record timestamp.
type TimeField struct{}

var Timestamp TimeField

func (TimeField) cond(op Op, v int64) Condition {
	return Condition{Field: FieldTimestamp, Op: op, Num: tsKey(v)}
}

func (t TimeField) Eq(v int64) Condition { return t.cond(OpEq, v) }
func (t TimeField) Ne(v int64) Condition { return t.cond(OpNe, v) }
func (t TimeField) Lt(v int64) Condition { return t.cond(OpLt, v) }
func (t TimeField) Le(v int64) Condition { return t.cond(OpLe, v) }
func (t TimeField) Gt(v int64) Condition { return t.cond(OpGt, v) }
func (t TimeField) Ge(v int64) Condition { return t.cond(OpGe, v) }

func (TimeField) Between(lo, hi int64) Condition {
	return Condition{Field: FieldTimestamp, Op: OpBetween, Num: tsKey(lo), Hi: tsKey(hi)}
}

func (TimeField) In(vs ...int64) Condition {
	keys := make([]uint64, len(vs))
	for i, v := range vs {
		keys[i] = tsKey(v)
	}
	return Condition{Field: FieldTimestamp, Op: OpIn, Nums: keys}
}

func (TimeField) NotIn(vs ...int64) Condition {
	c := Timestamp.In(vs...)
	c.Op = OpNotIn
	return c
}

// StringField builds conditions over the record type name.
type StringField struct{}

var Type StringField

func (StringField) cond(op Op, s string) Condition {
	return Condition{Field: FieldType, Op: op, Str: s}
}

func (s StringField) Eq(v string) Condition         { return s.cond(OpEq, v) }
func (s StringField) Ne(v string) Condition         { return s.cond(OpNe, v) }
func (s StringField) Contains(v string) Condition   { return s.cond(OpContains, v) }
func (s StringField) StartsWith(v string) Condition { return s.cond(OpStartsWith, v) }
func (s StringField) EndsWith(v string) Condition   { return s.cond(OpEndsWith, v) }

// Regex matches type names against an RE2 pattern. The pattern is compiled
// when the query runs; an invalid pattern fails the query.
func (s StringField) Regex(pattern string) Condition { return s.cond(OpRegex, pattern) }

func (StringField) In(vs ...string) Condition {
	return Condition{Field: FieldType, Op: OpIn, Strs: vs}
}

// Status filters by liveness.
func Status(s StatusKind) Condition {
	return Condition{Field: FieldStatus, Op: OpEq, Status: s}
}

// Where wraps an arbitrary predicate. Predicate conditions are always
// evaluated by a full scan and are never cached.
func Where(pred func(*model.AllocationRecord) bool) Condition {
	return Condition{Field: FieldPredicate, Pred: pred}
}

func (c Condition) String() string {
	switch {
	case c.Field == FieldPredicate:
		return "predicate"
	case c.Field == FieldStatus:
		return "status=" + c.Status.String()
	case c.Field == FieldType && c.Op == OpIn:
		return fmt.Sprintf("type %s %q", c.Op, c.Strs)
	case c.Field == FieldType:
		return fmt.Sprintf("type %s %q", c.Op, c.Str)
	case c.Op == OpBetween:
		return fmt.Sprintf("%s between %s..%s", c.Field, c.operand(c.Num), c.operand(c.Hi))
	case c.Op == OpIn || c.Op == OpNotIn:
		vals := make([]string, len(c.Nums))
		for i, n := range c.Nums {
			vals[i] = c.operand(n)
		}
		return fmt.Sprintf("%s %s [%s]", c.Field, c.Op, strings.Join(vals, " "))
	}
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, c.operand(c.Num))
}

// operand renders a numeric operand in the caller's units.
func (c Condition) operand(n uint64) string {
	if c.Field == FieldTimestamp {
		return strconv.FormatInt(keyTs(n), 10)
	}
	return strconv.FormatUint(n, 10)
}

// matcher compiles the condition into a record predicate. It fails for
// operator and field combinations that have no evaluation path.
func (c *Condition) matcher() (func(*model.AllocationRecord) bool, error) {
	switch {
	case c.Field == FieldPredicate:
		if c.Pred == nil {
			return nil, errs.InvalidArgument("predicate condition without a function")
		}
		return c.Pred, nil

	case c.Field == FieldStatus:
		if c.Op != OpEq {
			return nil, errs.Unsupported("operator %s on field status", c.Op)
		}
		keep := c.Status != StatusDeallocated
		return func(*model.AllocationRecord) bool { return keep }, nil

	case c.Field == FieldType:
		m, err := c.stringMatcher()
		if err != nil {
			return nil, err
		}
		return func(r *model.AllocationRecord) bool { return m(r.TypeName) }, nil

	case isNumeric(c.Field):
		m, err := c.numericMatcher()
		if err != nil {
			return nil, err
		}
		f := c.Field
		return func(r *model.AllocationRecord) bool { return m(numericValue(f, r)) }, nil
	}
	return nil, errs.Unsupported("unknown field %s", c.Field)
}

func (c *Condition) numericMatcher() (func(uint64) bool, error) {
	v := c.Num
	switch c.Op {
	case OpEq:
		return func(x uint64) bool { return x == v }, nil
	case OpNe:
		return func(x uint64) bool { return x != v }, nil
	case OpLt:
		return func(x uint64) bool { return x < v }, nil
	case OpLe:
		return func(x uint64) bool { return x <= v }, nil
	case OpGt:
		return func(x uint64) bool { return x > v }, nil
	case OpGe:
		return func(x uint64) bool { return x >= v }, nil
	case OpBetween:
		hi := c.Hi
		return func(x uint64) bool { return x >= v && x <= hi }, nil
	case OpIn, OpNotIn:
		set := make(map[uint64]struct{}, len(c.Nums))
		for _, n := range c.Nums {
			set[n] = struct{}{}
		}
		want := c.Op == OpIn
		return func(x uint64) bool {
			_, ok := set[x]
			return ok == want
		}, nil
	}
	return nil, errs.Unsupported("operator %s on numeric field %s", c.Op, c.Field)
}

func (c *Condition) stringMatcher() (func(string) bool, error) {
	v := c.Str
	switch c.Op {
	case OpEq:
		return func(s string) bool { return s == v }, nil
	case OpNe:
		return func(s string) bool { return s != v }, nil
	case OpContains:
		return func(s string) bool { return strings.Contains(s, v) }, nil
	case OpStartsWith:
		return func(s string) bool { return strings.HasPrefix(s, v) }, nil
	case OpEndsWith:
		return func(s string) bool { return strings.HasSuffix(s, v) }, nil
	case OpRegex:
		re, err := regexp.Compile(v)
		if err != nil {
			return nil, errs.InvalidArgument("invalid type pattern %q: %v", v, err)
		}
		return re.MatchString, nil
	case OpIn:
		set := make(map[string]struct{}, len(c.Strs))
		for _, s := range c.Strs {
			set[s] = struct{}{}
		}
		return func(s string) bool {
			_, ok := set[s]
			return ok
		}, nil
	}
	return nil, errs.Unsupported("operator %s on field type", c.Op)
}
