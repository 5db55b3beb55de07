package query

import (
	"strconv"
	"strings"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
	"github.com/coffersTech/allocq/internal/pkg/filterql"
)

// ParseFilter compiles a filter expression into AND-ed conditions. OR and
// negated conjunctions are rejected as unsupported.
func ParseFilter(expr string) ([]Condition, error) {
	node, err := filterql.Parse(expr)
	if err != nil {
		return nil, errs.InvalidArgument("%v", err)
	}
	if node == nil {
		return nil, nil
	}
	var out []Condition
	if err := collect(node, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func collect(n filterql.Node, negate bool, out *[]Condition) error {
	switch n := n.(type) {
	case filterql.AndExpr:
		if negate {
			return errs.Unsupported("negated conjunction in filter")
		}
		if err := collect(n.Left, false, out); err != nil {
			return err
		}
		return collect(n.Right, false, out)
	case filterql.OrExpr:
		return errs.Unsupported("OR in filter expressions")
	case filterql.NotExpr:
		return collect(n.Expr, !negate, out)
	case filterql.CompareExpr:
		c, err := compileCompare(n)
		if err != nil {
			return err
		}
		if negate {
			if c, err = negateCondition(c); err != nil {
				return err
			}
		}
		*out = append(*out, c)
		return nil
	}
	return errs.Unsupported("filter node %T", n)
}

func compileCompare(e filterql.CompareExpr) (Condition, error) {
	field, ok := ParseField(e.Field)
	if !ok {
		return Condition{}, errs.InvalidArgument("unknown filter field %q", e.Field)
	}

	switch {
	case field == FieldStatus:
		if e.Op != filterql.OpEq {
			return Condition{}, errs.Unsupported("operator %s on field status", e.Op)
		}
		s, ok := ParseStatus(e.Value)
		if !ok {
			return Condition{}, errs.InvalidArgument("unknown status %q", e.Value)
		}
		return Status(s), nil

	case field == FieldType:
		return compileType(e)
	}
	return compileNumeric(field, e)
}

func compileType(e filterql.CompareExpr) (Condition, error) {
	switch e.Op {
	case filterql.OpEq:
		if !e.Quoted && strings.Contains(e.Value, "*") {
			return wildcard(e.Value), nil
		}
		return Type.Eq(e.Value), nil
	case filterql.OpNe:
		return Type.Ne(e.Value), nil
	case filterql.OpMatch:
		return Type.Regex(e.Value), nil
	case filterql.OpIn:
		return Type.In(e.Values...), nil
	}
	return Condition{}, errs.Unsupported("operator %s on field type", e.Op)
}

// wildcard turns "Vec*", "*Mutex>" and "*Map*" into prefix, suffix and
// substring matches. Inner stars are not supported and match literally.
func wildcard(v string) Condition {
	prefix := strings.HasPrefix(v, "*")
	suffix := strings.HasSuffix(v, "*") && len(v) > 1
	core := strings.TrimSuffix(strings.TrimPrefix(v, "*"), "*")
	switch {
	case prefix && suffix:
		return Type.Contains(core)
	case prefix:
		return Type.EndsWith(core)
	case suffix:
		return Type.StartsWith(core)
	}
	return Type.Eq(v)
}

func compileNumeric(field Field, e filterql.CompareExpr) (Condition, error) {
	parse := func(s string) (uint64, error) {
		if field == FieldTimestamp {
			v, err := strconv.ParseInt(s, 0, 64)
			if err != nil {
				return 0, errs.InvalidArgument("invalid timestamp %q", s)
			}
			return tsKey(v), nil
		}
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return 0, errs.InvalidArgument("invalid %s value %q", field, s)
		}
		return v, nil
	}

	c := Condition{Field: field}
	switch e.Op {
	case filterql.OpEq:
		c.Op = OpEq
	case filterql.OpNe:
		c.Op = OpNe
	case filterql.OpLt:
		c.Op = OpLt
	case filterql.OpLe:
		c.Op = OpLe
	case filterql.OpGt:
		c.Op = OpGt
	case filterql.OpGe:
		c.Op = OpGe
	case filterql.OpRange:
		lo, err := parse(e.Value)
		if err != nil {
			return Condition{}, err
		}
		hi, err := parse(e.High)
		if err != nil {
			return Condition{}, err
		}
		return Condition{Field: field, Op: OpBetween, Num: lo, Hi: hi}, nil
	case filterql.OpIn:
		c.Op = OpIn
		for _, s := range e.Values {
			v, err := parse(s)
			if err != nil {
				return Condition{}, err
			}
			c.Nums = append(c.Nums, v)
		}
		return c, nil
	default:
		return Condition{}, errs.Unsupported("operator %s on numeric field %s", e.Op, field)
	}

	v, err := parse(e.Value)
	if err != nil {
		return Condition{}, err
	}
	c.Num = v
	return c, nil
}

var inverse = map[Op]Op{
	OpEq:    OpNe,
	OpNe:    OpEq,
	OpLt:    OpGe,
	OpLe:    OpGt,
	OpGt:    OpLe,
	OpGe:    OpLt,
	OpIn:    OpNotIn,
	OpNotIn: OpIn,
}

// negateCondition inverts c directly where an inverse operator exists and
// falls back to a negated predicate otherwise.
func negateCondition(c Condition) (Condition, error) {
	if c.Field == FieldStatus {
		if c.Status == StatusDeallocated {
			return Status(StatusActive), nil
		}
		return Status(StatusDeallocated), nil
	}
	inv, ok := inverse[c.Op]
	if ok && (isNumeric(c.Field) || c.Op == OpEq || c.Op == OpNe) {
		c.Op = inv
		return c, nil
	}
	m, err := c.matcher()
	if err != nil {
		return Condition{}, err
	}
	return Where(func(r *model.AllocationRecord) bool { return !m(r) }), nil
}
