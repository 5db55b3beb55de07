package scheduler

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/coffersTech/allocq/internal/errs"
)

// RunChunks drains one shared queue with min(workers, len(chunks)) workers.
// Results come back in the order of chunks, one per chunk.
func (s *Scheduler) RunChunks(ctx context.Context, chunks []WorkItem, task Task) ([]Result, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	queue := make(chan int, len(chunks))
	for i := range chunks {
		queue <- i
	}
	close(queue)

	slots := make([]*Result, len(chunks))
	var failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < min(s.workers, len(chunks)); w++ {
		g.Go(func() error {
			for idx := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				chunk := chunks[idx]
				start := time.Now()
				out, err := runTask(gctx, task, chunk)
				if err != nil {
					failed.Inc()
					level.Warn(s.logger).Log("msg", "chunk failed", "worker", w, "chunk", chunk.ID, "err", err)
					continue
				}
				slots[idx] = &Result{ID: chunk.ID, Kind: chunk.Kind, Payload: out, Elapsed: time.Since(start)}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if n := failed.Load(); n > 0 {
		return nil, errs.Internal("failed to process %d of %d chunks", n, len(chunks))
	}

	results := make([]Result, len(chunks))
	for i, r := range slots {
		if r == nil {
			return nil, errs.Internal("missing chunk %d", chunks[i].ID)
		}
		results[i] = *r
	}
	return results, nil
}
