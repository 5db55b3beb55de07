package query

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
)

// SortKey orders results by one field. Keys are applied in order as
// tie-breaks.
type SortKey struct {
	Field Field
	Desc  bool
}

func Asc(f Field) SortKey  { return SortKey{Field: f} }
func Desc(f Field) SortKey { return SortKey{Field: f, Desc: true} }

// Query accumulates conditions, sort keys and pagination. All conditions
// must hold (AND).
type Query struct {
	conditions        []Condition
	sort              []SortKey
	limit             int
	offset            int
	includeCallStacks bool
}

func New() *Query {
	return &Query{limit: -1}
}

func (q *Query) Where(conds ...Condition) *Query {
	q.conditions = append(q.conditions, conds...)
	return q
}

func (q *Query) OrderBy(keys ...SortKey) *Query {
	q.sort = append(q.sort, keys...)
	return q
}

// Limit caps the number of returned records. A negative limit means none.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

func (q *Query) Offset(n int) *Query {
	q.offset = max(n, 0)
	return q
}

func (q *Query) IncludeCallStacks() *Query {
	q.includeCallStacks = true
	return q
}

func (q *Query) Conditions() []Condition {
	return q.conditions
}

func (q *Query) String() string {
	var sb strings.Builder
	for i, c := range q.conditions {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(c.String())
	}
	for _, k := range q.sort {
		fmt.Fprintf(&sb, " ORDER %s desc=%t", k.Field, k.Desc)
	}
	fmt.Fprintf(&sb, " LIMIT %d OFFSET %d STACKS %t", q.limit, q.offset, q.includeCallStacks)
	return sb.String()
}

// cacheKey fingerprints the canonical form of q. Queries holding a
// predicate are not cacheable.
func (q *Query) cacheKey() (uint64, bool) {
	for _, c := range q.conditions {
		if c.Field == FieldPredicate {
			return 0, false
		}
	}
	return xxhash.Sum64String(q.String()), true
}

func checkSortKeys(keys []SortKey) error {
	for _, k := range keys {
		if k.Field == FieldStatus || k.Field == FieldPredicate || fieldNames[k.Field] == "" {
			return errs.Unsupported("sorting by %s", k.Field)
		}
	}
	return nil
}

func compareRecords(a, b *model.AllocationRecord, keys []SortKey) int {
	for _, k := range keys {
		var c int
		switch k.Field {
		case FieldType:
			c = strings.Compare(a.TypeName, b.TypeName)
		case FieldTimestamp:
			c = cmp.Compare(a.Timestamp, b.Timestamp)
		default:
			c = cmp.Compare(numericValue(k.Field, a), numericValue(k.Field, b))
		}
		if k.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// paginate drops offset leading matches, then truncates to limit.
func paginate(recs []model.AllocationRecord, offset, limit int) []model.AllocationRecord {
	if offset >= len(recs) {
		return []model.AllocationRecord{}
	}
	recs = recs[offset:]
	if limit >= 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}
