// Package testutil provides deterministic fixtures shared by package tests.
package testutil

import (
	"fmt"

	"github.com/coffersTech/allocq/internal/model"
)

// BaseTimestamp is the timestamp of the first fixture record (2024-01-01T00:00:00Z).
const BaseTimestamp int64 = 1_704_067_200_000_000_000

// TypeNames are the five allocation type tags used by Dataset.
var TypeNames = []string{"Vec<u8>", "String", "HashMap", "Box<Node>", "Arc<Mutex>"}

// Dataset builds n records with sizes cycling 64,128,...,640, type tags
// cycling through TypeNames and thread ids cycling 1..3. Every third record
// references one of four call stacks. Timestamps advance 1ms per record.
func Dataset(n int) *model.UnifiedDataset {
	ds := model.NewDataset("fixture", BaseTimestamp)
	for s := uint64(1); s <= 4; s++ {
		ds.CallStacks[s] = model.CallStack{
			ID: s,
			Frames: []model.StackFrame{
				{Function: fmt.Sprintf("alloc_site_%d", s), File: "src/alloc.rs", Line: uint32(10 * s), Column: 5},
				{Function: "main"},
			},
		}
	}

	ds.Records = make([]model.AllocationRecord, n)
	for i := 0; i < n; i++ {
		rec := model.AllocationRecord{
			ID:        uint64(i + 1),
			Address:   0x7f00_0000_0000 + uint64(i)*0x1000,
			Size:      uint64(i%10+1) * 64,
			Timestamp: BaseTimestamp + int64(i)*1_000_000,
			ThreadID:  uint64(i%3 + 1),
			TypeName:  TypeNames[i%len(TypeNames)],
		}
		if i%3 == 0 {
			rec.CallStackID = uint64(i%4 + 1)
			rec.HasCallStack = true
		}
		ds.Records[i] = rec
	}

	ds.Regions = []model.Region{
		{Start: 0x7f00_0000_0000, End: 0x7f00_1000_0000, Kind: "heap", Permissions: "rw-p"},
	}
	ds.Lifecycle = &model.Lifecycle{
		Patterns: []model.LifecyclePattern{
			{TypeName: "String", Count: 20, AvgLifetimeNanos: 5_000_000},
		},
	}
	return ds
}
