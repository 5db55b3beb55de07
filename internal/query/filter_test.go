package query

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		expr string
		want []Condition
	}{
		{"size>300 AND type:Vec*", []Condition{Size.Gt(300), Type.StartsWith("Vec")}},
		{"NOT thread:(1,2)", []Condition{Thread.NotIn(1, 2)}},
		{"ts:100..200", []Condition{Timestamp.Between(100, 200)}},
		{"ts:-5..5", []Condition{Timestamp.Between(-5, 5)}},
		{`type~"^Str"`, []Condition{Type.Regex("^Str")}},
		{`type:"Vec*"`, []Condition{Type.Eq("Vec*")}},
		{"type:*Map*", []Condition{Type.Contains("Map")}},
		{`type:*Mutex`, []Condition{Type.EndsWith("Mutex")}},
		{"type:(String,HashMap)", []Condition{Type.In("String", "HashMap")}},
		{"type!=String", []Condition{Type.Ne("String")}},
		{"NOT type:String", []Condition{Type.Ne("String")}},
		{"status:active", []Condition{Status(StatusActive)}},
		{"NOT status:active", []Condition{Status(StatusDeallocated)}},
		{"NOT size>300", []Condition{Size.Le(300)}},
		{"NOT NOT size<=300", []Condition{Size.Le(300)}},
		{"address:0x7f0000000000", []Condition{Address.Eq(0x7f00_0000_0000)}},
		{"id:(1,2) tid:3", []Condition{ID.In(1, 2), Thread.Eq(3)}},
		{"(size>=64 AND size<128) AND id!=9", []Condition{Size.Ge(64), Size.Lt(128), ID.Ne(9)}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseFilter(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFilterErrors(t *testing.T) {
	tests := []struct {
		expr string
		kind error
	}{
		{"size:1 OR size:2", errs.ErrUnsupported},
		{"NOT (size:1 AND thread:2)", errs.ErrUnsupported},
		{"size~1", errs.ErrUnsupported},
		{"type>3", errs.ErrUnsupported},
		{"status!=active", errs.ErrUnsupported},
		{"color:red", errs.ErrInvalidArgument},
		{"size:abc", errs.ErrInvalidArgument},
		{"ts:1..x", errs.ErrInvalidArgument},
		{"thread:(1,x)", errs.ErrInvalidArgument},
		{"status:zombie", errs.ErrInvalidArgument},
		{"size>", errs.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseFilter(tt.expr)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestParseFilterNegatedFallback(t *testing.T) {
	conds, err := ParseFilter("NOT type:Vec* AND NOT size:64..256")
	require.NoError(t, err)
	require.Len(t, conds, 2)
	assert.Equal(t, FieldPredicate, conds[0].Field)
	assert.Equal(t, FieldPredicate, conds[1].Field)

	e := newTestEngine(t, 50, true)
	res, err := e.Query(context.Background(), New().Where(conds...))
	require.NoError(t, err)
	require.NotEmpty(t, res.Records)
	for _, r := range res.Records {
		assert.False(t, strings.HasPrefix(r.TypeName, "Vec"))
		assert.Greater(t, r.Size, uint64(256))
	}
}

func TestFilterMatchesBuilder(t *testing.T) {
	e := newTestEngine(t, 100, true)
	ctx := context.Background()

	conds, err := ParseFilter(`size>300 AND NOT thread:(1,2) AND type~"^(String|HashMap)$"`)
	require.NoError(t, err)
	viaFilter, err := e.Query(ctx, New().Where(conds...))
	require.NoError(t, err)

	viaBuilder, err := e.Query(ctx, New().Where(
		Size.Gt(300),
		Thread.NotIn(1, 2),
		Type.Regex("^(String|HashMap)$"),
	))
	require.NoError(t, err)

	want := expectedIDs(e.Dataset(), func(r *model.AllocationRecord) bool {
		return r.Size > 300 && r.ThreadID == 3 && (r.TypeName == "String" || r.TypeName == "HashMap")
	})
	assert.Equal(t, want, ids(viaFilter.Records))
	assert.Equal(t, want, ids(viaBuilder.Records))
}
