package query

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/coffersTech/allocq/internal/model"
)

// Rough per-entry costs used to estimate index memory.
const (
	postingBytes  = 8
	keyBytes      = 8
	mapEntryBytes = 48
)

// orderedIndex maps sorted distinct keys to the ascending positions of the
// records carrying them.
type orderedIndex struct {
	keys     []uint64
	postings [][]int
}

func buildOrdered(records []model.AllocationRecord, key func(*model.AllocationRecord) uint64) *orderedIndex {
	type entry struct {
		key uint64
		pos int
	}
	entries := make([]entry, len(records))
	for i := range records {
		entries[i] = entry{key(&records[i]), i}
	}
	slices.SortFunc(entries, func(a, b entry) int {
		if c := cmp.Compare(a.key, b.key); c != 0 {
			return c
		}
		return cmp.Compare(a.pos, b.pos)
	})

	idx := &orderedIndex{}
	for _, e := range entries {
		n := len(idx.keys)
		if n == 0 || idx.keys[n-1] != e.key {
			idx.keys = append(idx.keys, e.key)
			idx.postings = append(idx.postings, nil)
			n++
		}
		idx.postings[n-1] = append(idx.postings[n-1], e.pos)
	}
	return idx
}

// between returns the positions of every key in [lo, hi], sorted.
func (o *orderedIndex) between(lo, hi uint64) []int {
	if lo > hi {
		return []int{}
	}
	i, _ := slices.BinarySearch(o.keys, lo)
	j, found := slices.BinarySearch(o.keys, hi)
	if found {
		j++
	}
	if i >= j {
		return []int{}
	}
	if j-i == 1 {
		return o.postings[i]
	}
	var out []int
	for _, p := range o.postings[i:j] {
		out = append(out, p...)
	}
	slices.Sort(out)
	return out
}

func (o *orderedIndex) memory() int64 {
	n := int64(len(o.keys)) * (keyBytes + 24)
	for _, p := range o.postings {
		n += int64(len(p)) * postingBytes
	}
	return n
}

// Indices are derived from one dataset snapshot and never mutated. A
// rebuild produces a fresh value.
type Indices struct {
	byID        map[uint64]int
	byAddress   *orderedIndex
	bySize      *orderedIndex
	byTimestamp *orderedIndex
	byType      map[string][]int
	byThread    map[uint64][]int
	callStacks  map[uint64]model.CallStack
	timeline    []TimelinePoint

	records   int
	buildTime time.Duration
}

// BuildIndices derives every index from ds in one pass per index.
func BuildIndices(ds *model.UnifiedDataset) *Indices {
	start := time.Now()
	recs := ds.Records

	idx := &Indices{
		byID:       make(map[uint64]int, len(recs)),
		byType:     make(map[string][]int),
		byThread:   make(map[uint64][]int),
		callStacks: ds.CallStacks,
		records:    len(recs),
	}
	for i := range recs {
		idx.byID[recs[i].ID] = i
		idx.byType[recs[i].TypeName] = append(idx.byType[recs[i].TypeName], i)
		idx.byThread[recs[i].ThreadID] = append(idx.byThread[recs[i].ThreadID], i)
	}
	idx.byAddress = buildOrdered(recs, func(r *model.AllocationRecord) uint64 { return r.Address })
	idx.bySize = buildOrdered(recs, func(r *model.AllocationRecord) uint64 { return r.Size })
	idx.byTimestamp = buildOrdered(recs, func(r *model.AllocationRecord) uint64 { return tsKey(r.Timestamp) })
	idx.timeline = buildTimeline(recs, allPositions(len(recs)))

	idx.buildTime = time.Since(start)
	return idx
}

// Memory estimates the bytes held by the indices.
func (idx *Indices) Memory() int64 {
	n := int64(len(idx.byID)) * mapEntryBytes
	n += idx.byAddress.memory() + idx.bySize.memory() + idx.byTimestamp.memory()
	for _, p := range idx.byType {
		n += mapEntryBytes + int64(len(p))*postingBytes
	}
	for _, p := range idx.byThread {
		n += mapEntryBytes + int64(len(p))*postingBytes
	}
	n += int64(len(idx.timeline)) * 16
	return n
}

func (idx *Indices) BuildTime() time.Duration {
	return idx.buildTime
}

// Timeline returns the cumulative memory-over-time series.
func (idx *Indices) Timeline() []TimelinePoint {
	return idx.timeline
}

// lookup resolves c through an index. ok is false when no index path exists
// for the combination and the caller must scan.
func (idx *Indices) lookup(c *Condition) (positions []int, ok bool, err error) {
	switch c.Field {
	case FieldID:
		switch c.Op {
		case OpEq:
			return idx.idLookup(c.Num), true, nil
		case OpIn:
			var out []int
			for _, v := range c.Nums {
				out = append(out, idx.idLookup(v)...)
			}
			return sortedUnique(out), true, nil
		}

	case FieldAddress, FieldSize, FieldTimestamp:
		return idx.orderedFor(c.Field).lookup(c)

	case FieldThread:
		switch c.Op {
		case OpEq:
			return nonNil(idx.byThread[c.Num]), true, nil
		case OpIn:
			var out []int
			for _, v := range c.Nums {
				out = append(out, idx.byThread[v]...)
			}
			return sortedUnique(out), true, nil
		}

	case FieldType:
		switch c.Op {
		case OpEq:
			return nonNil(idx.byType[c.Str]), true, nil
		case OpIn:
			var out []int
			for _, v := range c.Strs {
				out = append(out, idx.byType[v]...)
			}
			return sortedUnique(out), true, nil
		default:
			// Distinct type names are few, so match the keys and union
			// their postings.
			m, err := c.stringMatcher()
			if err != nil {
				return nil, false, err
			}
			var out []int
			for name, p := range idx.byType {
				if m(name) {
					out = append(out, p...)
				}
			}
			return sortedUnique(out), true, nil
		}
	}
	return nil, false, nil
}

func (idx *Indices) idLookup(id uint64) []int {
	if pos, ok := idx.byID[id]; ok {
		return []int{pos}
	}
	return []int{}
}

func (idx *Indices) orderedFor(f Field) *orderedIndex {
	switch f {
	case FieldAddress:
		return idx.byAddress
	case FieldSize:
		return idx.bySize
	}
	return idx.byTimestamp
}

func (o *orderedIndex) lookup(c *Condition) ([]int, bool, error) {
	v := c.Num
	switch c.Op {
	case OpEq:
		return o.between(v, v), true, nil
	case OpLt:
		if v == 0 {
			return []int{}, true, nil
		}
		return o.between(0, v-1), true, nil
	case OpLe:
		return o.between(0, v), true, nil
	case OpGt:
		if v == math.MaxUint64 {
			return []int{}, true, nil
		}
		return o.between(v+1, math.MaxUint64), true, nil
	case OpGe:
		return o.between(v, math.MaxUint64), true, nil
	case OpBetween:
		return o.between(v, c.Hi), true, nil
	case OpIn:
		var out []int
		for _, k := range c.Nums {
			out = append(out, o.between(k, k)...)
		}
		return sortedUnique(out), true, nil
	}
	return nil, false, nil
}

// TimelinePoint is the running total of allocated bytes at a timestamp.
type TimelinePoint struct {
	Timestamp int64  `json:"timestamp"`
	Bytes     uint64 `json:"bytes"`
}

// buildTimeline accumulates size deltas of the records at positions in
// timestamp order, one point per distinct timestamp. Records only carry
// allocations, so every delta is positive and the total never drops below
// zero.
func buildTimeline(recs []model.AllocationRecord, positions []int) []TimelinePoint {
	if len(positions) == 0 {
		return nil
	}
	order := slices.Clone(positions)
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(recs[a].Timestamp, recs[b].Timestamp)
	})

	points := make([]TimelinePoint, 0, len(order))
	var total uint64
	for _, p := range order {
		total += recs[p].Size
		ts := recs[p].Timestamp
		if n := len(points); n > 0 && points[n-1].Timestamp == ts {
			points[n-1].Bytes = total
			continue
		}
		points = append(points, TimelinePoint{Timestamp: ts, Bytes: total})
	}
	return points
}

func allPositions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func sortedUnique(p []int) []int {
	if len(p) == 0 {
		return []int{}
	}
	slices.Sort(p)
	return slices.Compact(p)
}

func nonNil(p []int) []int {
	if p == nil {
		return []int{}
	}
	return p
}

// intersect merges two ascending position lists.
func intersect(a, b []int) []int {
	out := make([]int, 0, min(len(a), len(b)))
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
