package processor

import (
	"time"

	"github.com/coffersTech/allocq/internal/integrity"
)

type Method string

const (
	MethodBatch        Method = "batch"
	MethodStreaming    Method = "streaming"
	MethodParallel     Method = "parallel"
	MethodWorkStealing Method = "work_stealing"
)

// Metadata describes how ProcessedData was produced.
type Metadata struct {
	RunID      string        `json:"run_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Method     Method        `json:"method"`
	Format     string        `json:"format"`
	Transform  TransformKind `json:"transform"`
	ConfigHash uint64        `json:"config_hash"`
	Records    int           `json:"records"`
}

// ValidationResults accumulate findings. They never fail a call.
type ValidationResults struct {
	Valid          bool     `json:"valid"`
	Errors         []string `json:"errors"`
	Warnings       []string `json:"warnings"`
	IntegrityScore float64  `json:"integrity_score"`
}

type ProcessedData struct {
	Data       []byte            `json:"-"`
	Metadata   Metadata          `json:"metadata"`
	Validation ValidationResults `json:"validation"`
	Stats      Stats             `json:"stats"`
}

type Stats struct {
	Method             Method        `json:"method"`
	BytesProcessed     uint64        `json:"bytes_processed"`
	Duration           time.Duration `json:"duration"`
	Throughput         float64       `json:"throughput"` // bytes per second
	PeakMemory         int64         `json:"peak_memory"`
	ChunksProcessed    uint64        `json:"chunks_processed"`
	ValidationErrors   uint32        `json:"validation_errors"`
	ValidationWarnings uint32        `json:"validation_warnings"`
	ValidationScore    float64       `json:"validation_score"`
	Efficiency         float64       `json:"efficiency"`
	Throttled          time.Duration `json:"throttled,omitempty"`
}

// StreamResult is returned by the integrity-checked streaming variant.
type StreamResult struct {
	Stats     Stats
	Integrity integrity.Report
}

const (
	parallelReferenceRate  = 100 * 1024 * 1024
	streamingReferenceRate = 500 * 1024 * 1024
	batchReferenceRate     = 1024 * 1024 * 1024
)

func throughput(bytes uint64, d time.Duration) float64 {
	secs := d.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}
	return float64(bytes) / secs
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}

func parallelEfficiency(tp float64) float64 {
	return clamp01(tp / parallelReferenceRate)
}

func batchEfficiency(tp float64) float64 {
	return clamp01(tp / batchReferenceRate)
}

// streamingEfficiency blends throughput (70%) with how close peak memory
// stayed to three chunks (30%).
func streamingEfficiency(tp float64, peak int64, chunkSize uint64) float64 {
	memory := 1.0
	if peak > 0 {
		memory = clamp01(float64(3*chunkSize) / float64(peak))
	}
	return clamp01(0.7*clamp01(tp/streamingReferenceRate) + 0.3*memory)
}
