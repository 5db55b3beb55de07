// Package ingest loads JSON allocation exports into a UnifiedDataset.
package ingest

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
)

// Loader parses export documents of the form
//
//	{"metadata": {...}, "allocations": [...], "call_stacks": [...],
//	 "regions": [...], "lifecycle": {"patterns": [...]}}
//
// A bare array is accepted as a list of allocations.
type Loader struct {
	parser fastjson.ParserPool
	logger log.Logger
}

func NewLoader(logger log.Logger) *Loader {
	return &Loader{logger: log.With(logger, "component", "ingest")}
}

func (l *Loader) LoadFile(path string) (*model.UnifiedDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IO("open "+path, err)
	}
	defer f.Close()
	return l.Load(f)
}

func (l *Loader) Load(r io.Reader) (*model.UnifiedDataset, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.IO("read", err)
	}
	return l.Parse(body)
}

func (l *Loader) Parse(body []byte) (*model.UnifiedDataset, error) {
	p := l.parser.Get()
	defer l.parser.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, errs.Serialization("ingest", err)
	}

	ds := model.NewDataset("", 0)

	var allocs []*fastjson.Value
	if v.Type() == fastjson.TypeArray {
		allocs, _ = v.Array()
	} else {
		if meta := v.Get("metadata"); meta != nil {
			ds.Metadata = model.Metadata{
				FormatVersion: uint32(meta.GetUint("format_version")),
				CreatedAt:     meta.GetInt64("created_at"),
				Source:        string(meta.GetStringBytes("source")),
			}
		}
		allocs = v.GetArray("allocations")
		if allocs == nil {
			allocs = v.GetArray("records")
		}
		for _, cs := range v.GetArray("call_stacks") {
			stack := parseCallStack(cs)
			ds.CallStacks[stack.ID] = stack
		}
		if regions := v.Get("regions"); regions != nil {
			ds.Regions = make([]model.Region, 0)
			for i, r := range v.GetArray("regions") {
				start, err := numberOrHex(r, "start")
				if err != nil {
					return nil, errs.Serialization("ingest", fmt.Errorf("region %d: %w", i, err))
				}
				end, err := numberOrHex(r, "end")
				if err != nil {
					return nil, errs.Serialization("ingest", fmt.Errorf("region %d: %w", i, err))
				}
				ds.Regions = append(ds.Regions, model.Region{
					Start:       start,
					End:         end,
					Kind:        string(r.GetStringBytes("kind")),
					Permissions: string(r.GetStringBytes("permissions")),
				})
			}
		}
		if lc := v.Get("lifecycle"); lc != nil && lc.Type() == fastjson.TypeObject {
			ds.Lifecycle = &model.Lifecycle{Patterns: make([]model.LifecyclePattern, 0)}
			for _, p := range lc.GetArray("patterns") {
				ds.Lifecycle.Patterns = append(ds.Lifecycle.Patterns, model.LifecyclePattern{
					TypeName:         string(p.GetStringBytes("type_name")),
					Count:            p.GetUint64("count"),
					AvgLifetimeNanos: p.GetInt64("avg_lifetime_ns"),
				})
			}
		}
	}

	ds.Records = make([]model.AllocationRecord, 0, len(allocs))
	for i, a := range allocs {
		if a.Type() != fastjson.TypeObject {
			return nil, errs.Serialization("ingest", fmt.Errorf("allocation %d is %s, want object", i, a.Type()))
		}
		rec, err := parseAllocation(a, i)
		if err != nil {
			return nil, errs.Serialization("ingest", fmt.Errorf("allocation %d: %w", i, err))
		}
		ds.Records = append(ds.Records, rec)
	}

	level.Debug(l.logger).Log("msg", "dataset loaded", "records", len(ds.Records), "call_stacks", len(ds.CallStacks))
	return ds, nil
}

func parseAllocation(v *fastjson.Value, pos int) (model.AllocationRecord, error) {
	addr, err := numberOrHex(v, "address")
	if err != nil {
		return model.AllocationRecord{}, err
	}
	rec := model.AllocationRecord{
		ID:        v.GetUint64("id"),
		Address:   addr,
		Size:      v.GetUint64("size"),
		Timestamp: v.GetInt64("timestamp"),
		ThreadID:  v.GetUint64("thread_id"),
		TypeName:  string(v.GetStringBytes("type_name")),
	}
	if v.Get("id") == nil {
		rec.ID = uint64(pos + 1)
	}
	if rec.TypeName == "" {
		rec.TypeName = string(v.GetStringBytes("type"))
	}
	if cs := v.Get("call_stack_id"); cs != nil && cs.Type() == fastjson.TypeNumber {
		rec.CallStackID = cs.GetUint64()
		rec.HasCallStack = true
	}
	return rec, nil
}

func parseCallStack(v *fastjson.Value) model.CallStack {
	cs := model.CallStack{ID: v.GetUint64("id")}
	for _, f := range v.GetArray("frames") {
		cs.Frames = append(cs.Frames, model.StackFrame{
			Function: string(f.GetStringBytes("function")),
			File:     string(f.GetStringBytes("file")),
			Line:     uint32(f.GetUint("line")),
			Column:   uint32(f.GetUint("column")),
		})
	}
	return cs
}

// numberOrHex accepts 140737488355328 as well as "0x7fff00000000".
func numberOrHex(v *fastjson.Value, key string) (uint64, error) {
	field := v.Get(key)
	if field == nil {
		return 0, nil
	}
	if field.Type() == fastjson.TypeString {
		raw := string(field.GetStringBytes())
		n, err := strconv.ParseUint(raw, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", key, raw)
		}
		return n, nil
	}
	return field.GetUint64(), nil
}
