package processor

import (
	"context"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
)

// ProcessBatch validates, encodes and transforms the whole dataset in one pass.
func (p *Processor) ProcessBatch(ctx context.Context, ds *model.UnifiedDataset) (*ProcessedData, error) {
	if err := p.checkContext(ctx, MethodBatch); err != nil {
		return nil, err
	}
	start := p.begin()
	validation := p.validate(ds)

	encoded, err := p.codec.Encode(ds)
	if err != nil {
		return nil, p.fail(MethodBatch, err)
	}
	if err := p.trackMemory(int64(len(encoded))); err != nil {
		return nil, p.fail(MethodBatch, err)
	}

	data, err := p.transform.Apply(encoded)
	if err != nil {
		return nil, p.fail(MethodBatch, errs.Serialization("apply transform", err))
	}

	stats := p.finish(Stats{
		Method:             MethodBatch,
		BytesProcessed:     uint64(len(data)),
		ChunksProcessed:    1,
		ValidationErrors:   uint32(len(validation.Errors)),
		ValidationWarnings: uint32(len(validation.Warnings)),
		ValidationScore:    validation.IntegrityScore,
	}, start)

	return &ProcessedData{
		Data:       data,
		Metadata:   p.metadata(MethodBatch, len(ds.Records)),
		Validation: validation,
		Stats:      stats,
	}, nil
}
