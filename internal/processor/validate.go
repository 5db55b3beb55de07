package processor

import (
	"fmt"

	"github.com/coffersTech/allocq/internal/model"
)

const (
	penaltyMissingCollection = 0.1
	penaltyEmptyLifecycle    = 0.05
	penaltyInvalidVersion    = 0.3

	penaltyEmptyChunk = 0.1
	penaltySmallChunk = 0.05
	minChunkBytes     = 4
)

// Validate inspects a dataset before serialization. Findings lower the
// integrity score but never fail processing.
func Validate(ds *model.UnifiedDataset) ValidationResults {
	res := ValidationResults{
		Errors:         make([]string, 0),
		Warnings:       make([]string, 0),
		IntegrityScore: 1.0,
	}

	if len(ds.Records) == 0 {
		res.Warnings = append(res.Warnings, "no allocations in dataset")
		res.IntegrityScore -= penaltyMissingCollection
	}
	if len(ds.Regions) == 0 {
		res.Warnings = append(res.Warnings, "no memory regions in dataset")
		res.IntegrityScore -= penaltyMissingCollection
	}
	if ds.Lifecycle != nil && len(ds.Lifecycle.Patterns) == 0 {
		res.Warnings = append(res.Warnings, "lifecycle section has no patterns")
		res.IntegrityScore -= penaltyEmptyLifecycle
	}
	if ds.Metadata.FormatVersion == 0 {
		res.Errors = append(res.Errors, "invalid format version")
		res.IntegrityScore -= penaltyInvalidVersion
	}

	res.IntegrityScore = max(0, res.IntegrityScore)
	res.Valid = len(res.Errors) == 0
	return res
}

// validateChunk applies the streaming heuristics to one transformed chunk.
func validateChunk(index uint64, chunk []byte) (warning string, penalty float64) {
	switch {
	case len(chunk) == 0:
		return fmt.Sprintf("chunk %d is empty", index), penaltyEmptyChunk
	case len(chunk) < minChunkBytes:
		return fmt.Sprintf("chunk %d is unusually small (%d bytes)", index, len(chunk)), penaltySmallChunk
	}
	return "", 0
}
