package processor

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/go-kit/log/level"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
	"github.com/coffersTech/allocq/internal/scheduler"
)

// itemsPerWorker is the average number of work items each worker should
// receive in work-stealing mode.
const itemsPerWorker = 4

// ProcessParallel splits the records into one contiguous chunk per worker,
// re-encodes every chunk independently and merges them by chunk id.
func (p *Processor) ProcessParallel(ctx context.Context, ds *model.UnifiedDataset) (*ProcessedData, error) {
	if err := p.checkContext(ctx, MethodParallel); err != nil {
		return nil, err
	}
	start := p.begin()
	validation := p.validate(ds)

	header, err := p.codec.EncodeHeader(ds)
	if err != nil {
		return nil, p.fail(MethodParallel, err)
	}

	parts := splitRecords(ds.Records, p.cfg.Workers)
	chunks := make([]scheduler.WorkItem, len(parts))
	for i, recs := range parts {
		payload, err := p.codec.EncodeRecords(recs)
		if err != nil {
			return nil, p.fail(MethodParallel, err)
		}
		chunks[i] = scheduler.WorkItem{
			ID:       uint64(i),
			Kind:     scheduler.KindRecords,
			Payload:  payload,
			Priority: scheduler.PriorityHigh,
		}
	}

	results, err := p.sched.RunChunks(ctx, chunks, p.runItem)
	if err != nil {
		return nil, p.fail(MethodParallel, err)
	}
	merged := mergeResults(header, results)

	return p.finishDataset(MethodParallel, start, ds, merged, uint64(len(chunks)), validation)
}

// ProcessWorkStealing decomposes the dataset into fine-grained items:
// record sub-batches at high priority and the analysis header at medium
// priority. Results are merged by item id.
func (p *Processor) ProcessWorkStealing(ctx context.Context, ds *model.UnifiedDataset) (*ProcessedData, error) {
	if err := p.checkContext(ctx, MethodWorkStealing); err != nil {
		return nil, err
	}
	start := p.begin()
	validation := p.validate(ds)

	parts := splitRecords(ds.Records, p.sched.Workers()*itemsPerWorker)
	items := make([]scheduler.WorkItem, 0, len(parts)+1)
	for i, recs := range parts {
		payload, err := p.codec.EncodeRecords(recs)
		if err != nil {
			return nil, p.fail(MethodWorkStealing, err)
		}
		items = append(items, scheduler.WorkItem{
			ID:       uint64(i),
			Kind:     scheduler.KindRecords,
			Payload:  payload,
			Priority: scheduler.PriorityHigh,
		})
	}
	header, err := p.codec.EncodeHeader(ds)
	if err != nil {
		return nil, p.fail(MethodWorkStealing, err)
	}
	items = append(items, scheduler.WorkItem{
		ID:       uint64(len(parts)),
		Kind:     scheduler.KindAnalysis,
		Payload:  header,
		Priority: scheduler.PriorityMedium,
	})

	results, workerStats, err := p.sched.Run(ctx, items, p.runItem)
	if err != nil {
		return nil, p.fail(MethodWorkStealing, err)
	}

	var stolen uint64
	for _, ws := range workerStats {
		stolen += ws.Stolen
		level.Debug(p.logger).Log("msg", "worker finished", "worker", ws.WorkerID, "processed", ws.Processed, "stolen", ws.Stolen, "busy", ws.Busy)
	}
	p.metrics.stolenItems.Add(float64(stolen))

	merged := mergeResults(nil, results)
	return p.finishDataset(MethodWorkStealing, start, ds, merged, uint64(len(items)), validation)
}

// runItem re-encodes a record chunk, or verifies an analysis header.
func (p *Processor) runItem(_ context.Context, item scheduler.WorkItem) ([]byte, error) {
	switch item.Kind {
	case scheduler.KindRecords:
		recs, err := p.codec.DecodeRecords(item.Payload)
		if err != nil {
			return nil, err
		}
		return p.codec.EncodeRecords(recs)
	case scheduler.KindAnalysis:
		if _, err := p.codec.Decode(item.Payload); err != nil {
			return nil, err
		}
		return item.Payload, nil
	}
	return nil, errs.Unsupported("work item kind %q", item.Kind)
}

func (p *Processor) finishDataset(method Method, start time.Time, ds *model.UnifiedDataset, merged []byte, chunks uint64, validation ValidationResults) (*ProcessedData, error) {
	if err := p.trackMemory(int64(len(merged))); err != nil {
		return nil, p.fail(method, err)
	}
	data, err := p.transform.Apply(merged)
	if err != nil {
		return nil, p.fail(method, errs.Serialization("apply transform", err))
	}

	stats := p.finish(Stats{
		Method:             method,
		BytesProcessed:     uint64(len(data)),
		ChunksProcessed:    chunks,
		ValidationErrors:   uint32(len(validation.Errors)),
		ValidationWarnings: uint32(len(validation.Warnings)),
		ValidationScore:    validation.IntegrityScore,
	}, start)

	return &ProcessedData{
		Data:       data,
		Metadata:   p.metadata(method, len(ds.Records)),
		Validation: validation,
		Stats:      stats,
	}, nil
}

// splitRecords cuts records into at most n contiguous, near-equal parts.
func splitRecords(records []model.AllocationRecord, n int) [][]model.AllocationRecord {
	if len(records) == 0 || n <= 0 {
		return nil
	}
	size := (len(records) + n - 1) / n
	parts := make([][]model.AllocationRecord, 0, n)
	for start := 0; start < len(records); start += size {
		parts = append(parts, records[start:min(start+size, len(records))])
	}
	return parts
}

// mergeResults concatenates payloads in ascending id order after prefix.
func mergeResults(prefix []byte, results []scheduler.Result) []byte {
	slices.SortFunc(results, func(a, b scheduler.Result) int {
		return cmp.Compare(a.ID, b.ID)
	})
	size := len(prefix)
	for _, r := range results {
		size += len(r.Payload)
	}
	out := make([]byte, 0, size)
	out = append(out, prefix...)
	for _, r := range results {
		out = append(out, r.Payload...)
	}
	return out
}
