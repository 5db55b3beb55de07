package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/testutil"
)

var allFunctions = []Function{Count, SumSize, AvgSize, MinSize, MaxSize}

func TestAggregateByType(t *testing.T) {
	e := newTestEngine(t, 100, true)
	res, err := e.Aggregate(context.Background(), NewAggregation().GroupBy(ByType()).Compute(allFunctions...))
	require.NoError(t, err)
	require.Len(t, res.Groups, 5)

	// Type t owns records i ≡ t (mod 5), whose sizes alternate between
	// (t+1)*64 and (t+6)*64.
	for i, name := range testutil.TypeNames {
		g := res.Groups[name]
		k := uint64(i)
		assert.Equal(t, uint64(20), g.Count, name)
		assert.Equal(t, 10*64*(2*k+7), *g.SumSize, name)
		assert.InDelta(t, float64(64*(2*k+7))/2, *g.AvgSize, 1e-9, name)
		assert.Equal(t, (k+1)*64, *g.MinSize, name)
		assert.Equal(t, (k+6)*64, *g.MaxSize, name)
	}

	o := res.Overall
	assert.Equal(t, uint64(100), o.Count)
	assert.Equal(t, uint64(10*64*55), *o.SumSize)
	assert.InDelta(t, 352.0, *o.AvgSize, 1e-9)
	assert.Equal(t, uint64(64), *o.MinSize)
	assert.Equal(t, uint64(640), *o.MaxSize)
}

func TestAggregateConsistency(t *testing.T) {
	groupings := []GroupBy{ByType(), ByThread(), BySizeBucket(200), ByTimeBucket(7 * time.Millisecond), {}}
	e := newTestEngine(t, 97, true)

	for _, g := range groupings {
		t.Run(fmt.Sprintf("kind %d", g.Kind), func(t *testing.T) {
			res, err := e.Aggregate(context.Background(),
				NewAggregation().Where(Size.Ge(128)).GroupBy(g).Compute(allFunctions...))
			require.NoError(t, err)

			var count, sum uint64
			lo, hi := ^uint64(0), uint64(0)
			for _, v := range res.Groups {
				count += v.Count
				sum += *v.SumSize
				lo = min(lo, *v.MinSize)
				hi = max(hi, *v.MaxSize)
			}
			assert.Equal(t, res.Overall.Count, count)
			assert.Equal(t, *res.Overall.SumSize, sum)
			assert.Equal(t, *res.Overall.MinSize, lo)
			assert.Equal(t, *res.Overall.MaxSize, hi)
			assert.InDelta(t, float64(sum)/float64(count), *res.Overall.AvgSize, 1e-9)

			q, err := e.Query(context.Background(), New().Where(Size.Ge(128)))
			require.NoError(t, err)
			assert.Equal(t, uint64(q.TotalMatches), res.Overall.Count)
		})
	}
}

func TestAggregateGroupKeys(t *testing.T) {
	e := newTestEngine(t, 100, true)
	ctx := context.Background()

	res, err := e.Aggregate(ctx, NewAggregation().GroupBy(ByThread()))
	require.NoError(t, err)
	assert.Equal(t, uint64(34), res.Groups["1"].Count)
	assert.Equal(t, uint64(33), res.Groups["2"].Count)
	assert.Equal(t, uint64(33), res.Groups["3"].Count)

	res, err = e.Aggregate(ctx, NewAggregation().GroupBy(BySizeBucket(128)))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), res.Groups["0-128"].Count)
	assert.Equal(t, uint64(20), res.Groups["128-256"].Count)
	assert.Equal(t, uint64(10), res.Groups["640-768"].Count)
	assert.Len(t, res.Groups, 6)

	res, err = e.Aggregate(ctx, NewAggregation().GroupBy(ByTimeBucket(10*time.Millisecond)))
	require.NoError(t, err)
	require.Len(t, res.Groups, 10)
	for k := int64(0); k < 10; k++ {
		key := fmt.Sprintf("period_%d", testutil.BaseTimestamp+k*int64(10*time.Millisecond))
		assert.Equal(t, uint64(10), res.Groups[key].Count, key)
	}

	res, err = e.Aggregate(ctx, NewAggregation().Where(Type.Eq("String")))
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, uint64(20), res.Groups["all"].Count)
	assert.Nil(t, res.Groups["all"].SumSize)
}

func TestAggregateTimeline(t *testing.T) {
	e := newTestEngine(t, 30, true)
	res, err := e.Aggregate(context.Background(),
		NewAggregation().GroupBy(ByThread()).Compute(SumSize, MemoryTimeline))
	require.NoError(t, err)

	for k, v := range res.Groups {
		require.NotEmpty(t, v.Timeline, k)
		assert.Equal(t, *v.SumSize, v.Timeline[len(v.Timeline)-1].Bytes, k)
	}
	tl := res.Overall.Timeline
	require.Len(t, tl, 30)
	assert.Equal(t, *res.Overall.SumSize, tl[len(tl)-1].Bytes)
	assert.Equal(t, e.Timeline(), tl)
}

func TestAggregateEmpty(t *testing.T) {
	e := newTestEngine(t, 10, true)
	res, err := e.Aggregate(context.Background(),
		NewAggregation().Where(Status(StatusDeallocated)).GroupBy(ByType()).Compute(allFunctions...))
	require.NoError(t, err)
	assert.Empty(t, res.Groups)
	assert.Zero(t, res.Overall.Count)
	assert.Equal(t, uint64(0), *res.Overall.SumSize)
	assert.Equal(t, 0.0, *res.Overall.AvgSize)
	assert.Nil(t, res.Overall.MinSize)
	assert.Nil(t, res.Overall.MaxSize)
}

func TestAggregateInvalidGrouping(t *testing.T) {
	e := newTestEngine(t, 10, true)
	ctx := context.Background()

	_, err := e.Aggregate(ctx, NewAggregation().GroupBy(BySizeBucket(0)))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = e.Aggregate(ctx, NewAggregation().GroupBy(ByTimeBucket(0)))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = e.Aggregate(ctx, NewAggregation().GroupBy(GroupBy{Kind: GroupKind(42)}))
	assert.ErrorIs(t, err, errs.ErrUnsupported)

	_, err = e.Aggregate(ctx, NewAggregation().Where(Condition{Field: FieldSize, Op: OpRegex}))
	assert.ErrorIs(t, err, errs.ErrUnsupported)
}

func TestFloorDiv(t *testing.T) {
	assert.Equal(t, int64(2), floorDiv(7, 3))
	assert.Equal(t, int64(-3), floorDiv(-7, 3))
	assert.Equal(t, int64(-2), floorDiv(-6, 3))
	assert.Equal(t, int64(0), floorDiv(0, 3))
}

func TestParseFunction(t *testing.T) {
	for name, want := range map[string]Function{
		"count": Count, "sum": SumSize, "avg_size": AvgSize, "min": MinSize, "max": MaxSize, "timeline": MemoryTimeline,
	} {
		got, ok := ParseFunction(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := ParseFunction("median")
	assert.False(t, ok)
}

func TestParseSpecs(t *testing.T) {
	keys, err := ParseSortKeys("size:desc, id")
	require.NoError(t, err)
	assert.Equal(t, []SortKey{Desc(FieldSize), Asc(FieldID)}, keys)

	_, err = ParseSortKeys("size:sideways")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = ParseSortKeys("colour")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	for spec, want := range map[string]GroupBy{
		"":          {},
		"type":      ByType(),
		"thread":    ByThread(),
		"size:128":  BySizeBucket(128),
		"time:10ms": ByTimeBucket(10 * time.Millisecond),
	} {
		got, err := ParseGroupBy(spec)
		require.NoError(t, err, spec)
		assert.Equal(t, want, got, spec)
	}
	for _, spec := range []string{"size:x", "time:soon", "colour"} {
		_, err := ParseGroupBy(spec)
		assert.ErrorIs(t, err, errs.ErrInvalidArgument, spec)
	}

	fns, err := ParseFunctions("count, sum,max")
	require.NoError(t, err)
	assert.Equal(t, []Function{Count, SumSize, MaxSize}, fns)
	fns, err = ParseFunctions("")
	require.NoError(t, err)
	assert.Equal(t, []Function{Count}, fns)
	_, err = ParseFunctions("median")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}
