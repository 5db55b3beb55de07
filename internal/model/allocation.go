package model

import "fmt"

// CurrentFormatVersion is stamped on datasets produced by this module.
const CurrentFormatVersion uint32 = 1

// AllocationRecord represents one tracked allocation event.
// Records are values; copies never alias each other.
type AllocationRecord struct {
	ID           uint64 `json:"id"`
	Address      uint64 `json:"address"`
	Size         uint64 `json:"size"`
	Timestamp    int64  `json:"timestamp"` // unix nanoseconds
	CallStackID  uint64 `json:"call_stack_id,omitempty"`
	HasCallStack bool   `json:"has_call_stack,omitempty"`
	ThreadID     uint64 `json:"thread_id"`
	TypeName     string `json:"type_name"`
}

// StackID returns the call-stack id if the record carries one.
func (r *AllocationRecord) StackID() (uint64, bool) {
	return r.CallStackID, r.HasCallStack
}

// StackFrame is a single frame of a captured call stack.
// File is empty and Line/Column are zero when unknown.
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file,omitempty"`
	Line     uint32 `json:"line,omitempty"`
	Column   uint32 `json:"column,omitempty"`
}

type CallStack struct {
	ID     uint64       `json:"id"`
	Frames []StackFrame `json:"frames"`
}

// Region is an opaque memory-region descriptor carried through processing untouched.
type Region struct {
	Start       uint64 `json:"start"`
	End         uint64 `json:"end"`
	Kind        string `json:"kind"`
	Permissions string `json:"permissions,omitempty"`
}

type LifecyclePattern struct {
	TypeName         string `json:"type_name"`
	Count            uint64 `json:"count"`
	AvgLifetimeNanos int64  `json:"avg_lifetime_ns"`
}

// Lifecycle is an opaque analysis section; only its pattern count is inspected.
type Lifecycle struct {
	Patterns []LifecyclePattern `json:"patterns"`
}

type Metadata struct {
	FormatVersion uint32 `json:"format_version"`
	CreatedAt     int64  `json:"created_at"`
	Source        string `json:"source,omitempty"`
}

// UnifiedDataset is the snapshot handed between the loader, the processor
// and the query engine.
type UnifiedDataset struct {
	Metadata   Metadata             `json:"metadata"`
	Records    []AllocationRecord   `json:"records"`
	CallStacks map[uint64]CallStack `json:"call_stacks"`
	Regions    []Region             `json:"regions"`
	Lifecycle  *Lifecycle           `json:"lifecycle,omitempty"`
}

// NewDataset returns an empty dataset stamped with the current format version.
func NewDataset(source string, createdAt int64) *UnifiedDataset {
	return &UnifiedDataset{
		Metadata: Metadata{
			FormatVersion: CurrentFormatVersion,
			CreatedAt:     createdAt,
			Source:        source,
		},
		Records:    make([]AllocationRecord, 0),
		CallStacks: make(map[uint64]CallStack),
	}
}

func (d *UnifiedDataset) Len() int {
	return len(d.Records)
}

// CheckUniqueIDs returns an error naming the first repeated record id.
func (d *UnifiedDataset) CheckUniqueIDs() error {
	seen := make(map[uint64]struct{}, len(d.Records))
	for i := range d.Records {
		id := d.Records[i].ID
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate record id %d at position %d", id, i)
		}
		seen[id] = struct{}{}
	}
	return nil
}
