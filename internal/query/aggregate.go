package query

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
)

type GroupKind int

const (
	GroupNone GroupKind = iota
	GroupByType
	GroupByThread
	GroupBySize
	GroupByTime
)

// GroupBy partitions matches. Width applies to size buckets, Period to time
// buckets.
type GroupBy struct {
	Kind   GroupKind
	Width  uint64
	Period time.Duration
}

func ByType() GroupBy   { return GroupBy{Kind: GroupByType} }
func ByThread() GroupBy { return GroupBy{Kind: GroupByThread} }

// BySizeBucket groups sizes into [lo, lo+width) buckets keyed "lo-hi".
func BySizeBucket(width uint64) GroupBy { return GroupBy{Kind: GroupBySize, Width: width} }

// ByTimeBucket groups timestamps into fixed periods keyed "period_<start>".
func ByTimeBucket(period time.Duration) GroupBy {
	return GroupBy{Kind: GroupByTime, Period: period}
}

type Function int

const (
	Count Function = iota + 1
	SumSize
	AvgSize
	MinSize
	MaxSize
	MemoryTimeline
)

// ParseFunction maps the names used by the CLI and HTTP API.
func ParseFunction(name string) (Function, bool) {
	switch name {
	case "count":
		return Count, true
	case "sum", "sum_size":
		return SumSize, true
	case "avg", "avg_size":
		return AvgSize, true
	case "min", "min_size":
		return MinSize, true
	case "max", "max_size":
		return MaxSize, true
	case "timeline", "memory_timeline":
		return MemoryTimeline, true
	}
	return 0, false
}

// Aggregation filters like a Query, then groups and summarizes the matches.
type Aggregation struct {
	conditions []Condition
	groupBy    GroupBy
	functions  []Function
}

func NewAggregation() *Aggregation {
	return &Aggregation{}
}

func (a *Aggregation) Where(conds ...Condition) *Aggregation {
	a.conditions = append(a.conditions, conds...)
	return a
}

func (a *Aggregation) GroupBy(g GroupBy) *Aggregation {
	a.groupBy = g
	return a
}

func (a *Aggregation) Compute(fns ...Function) *Aggregation {
	a.functions = append(a.functions, fns...)
	return a
}

// Values holds the requested functions of one group. Count is always set.
type Values struct {
	Count    uint64          `json:"count"`
	SumSize  *uint64         `json:"sum_size,omitempty"`
	AvgSize  *float64        `json:"avg_size,omitempty"`
	MinSize  *uint64         `json:"min_size,omitempty"`
	MaxSize  *uint64         `json:"max_size,omitempty"`
	Timeline []TimelinePoint `json:"timeline,omitempty"`
}

type AggregationResult struct {
	Groups  map[string]Values `json:"groups"`
	Overall Values            `json:"overall"`
	Stats   ExecStats         `json:"stats"`
}

// allGroup names the implicit group when no grouping is requested.
const allGroup = "all"

type accumulator struct {
	count     uint64
	sum       uint64
	min, max  uint64
	positions []int
}

func (acc *accumulator) add(pos int, size uint64) {
	if acc.count == 0 || size < acc.min {
		acc.min = size
	}
	if acc.count == 0 || size > acc.max {
		acc.max = size
	}
	acc.count++
	acc.sum += size
	acc.positions = append(acc.positions, pos)
}

func (acc *accumulator) merge(o *accumulator) {
	if o.count == 0 {
		return
	}
	if acc.count == 0 || o.min < acc.min {
		acc.min = o.min
	}
	if acc.count == 0 || o.max > acc.max {
		acc.max = o.max
	}
	acc.count += o.count
	acc.sum += o.sum
	acc.positions = append(acc.positions, o.positions...)
}

// Aggregate filters, partitions and accumulates every group in one pass.
// The overall summary merges group sums, counts and extrema; its average is
// recomputed from the merged sum and count.
func (e *Engine) Aggregate(ctx context.Context, a *Aggregation) (*AggregationResult, error) {
	start := e.now()
	key, err := groupKeyFunc(a.groupBy)
	if err != nil {
		return nil, err
	}

	positions, st, err := e.filter(ctx, a.conditions, start)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*accumulator)
	for _, p := range positions {
		rec := &e.ds.Records[p]
		k := key(rec)
		acc, ok := groups[k]
		if !ok {
			acc = &accumulator{}
			groups[k] = acc
		}
		acc.add(p, rec.Size)
	}

	var overall accumulator
	res := &AggregationResult{Groups: make(map[string]Values, len(groups))}
	for k, acc := range groups {
		res.Groups[k] = e.values(acc, a.functions)
		overall.merge(acc)
	}
	res.Overall = e.values(&overall, a.functions)

	st.Elapsed = e.now().Sub(start)
	res.Stats = st
	e.metrics.aggregations.Inc()
	return res, nil
}

func (e *Engine) values(acc *accumulator, fns []Function) Values {
	v := Values{Count: acc.count}
	for _, fn := range fns {
		switch fn {
		case SumSize:
			sum := acc.sum
			v.SumSize = &sum
		case AvgSize:
			var avg float64
			if acc.count > 0 {
				avg = float64(acc.sum) / float64(acc.count)
			}
			v.AvgSize = &avg
		case MinSize:
			if acc.count > 0 {
				lo := acc.min
				v.MinSize = &lo
			}
		case MaxSize:
			if acc.count > 0 {
				hi := acc.max
				v.MaxSize = &hi
			}
		case MemoryTimeline:
			v.Timeline = buildTimeline(e.ds.Records, acc.positions)
		}
	}
	return v
}

func groupKeyFunc(g GroupBy) (func(*model.AllocationRecord) string, error) {
	switch g.Kind {
	case GroupNone:
		return func(*model.AllocationRecord) string { return allGroup }, nil
	case GroupByType:
		return func(r *model.AllocationRecord) string { return r.TypeName }, nil
	case GroupByThread:
		return func(r *model.AllocationRecord) string { return strconv.FormatUint(r.ThreadID, 10) }, nil
	case GroupBySize:
		if g.Width == 0 {
			return nil, errs.InvalidArgument("size bucket width must be positive")
		}
		w := g.Width
		return func(r *model.AllocationRecord) string {
			lo := (r.Size / w) * w
			return fmt.Sprintf("%d-%d", lo, lo+w)
		}, nil
	case GroupByTime:
		if g.Period <= 0 {
			return nil, errs.InvalidArgument("time bucket period must be positive")
		}
		p := int64(g.Period)
		return func(r *model.AllocationRecord) string {
			return "period_" + strconv.FormatInt(floorDiv(r.Timestamp, p)*p, 10)
		}, nil
	}
	return nil, errs.Unsupported("group kind %d", int(g.Kind))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
