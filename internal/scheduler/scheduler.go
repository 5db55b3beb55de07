// Package scheduler executes independent work items on a fixed pool of
// workers, either with per-worker queues and work stealing or by draining
// a single shared chunk queue.
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/coffersTech/allocq/internal/errs"
)

type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

type ItemKind string

const (
	KindRecords  ItemKind = "records"
	KindAnalysis ItemKind = "analysis"
)

// WorkItem is a typed byte payload. IDs are chosen by the caller and are
// used to restore order after execution.
type WorkItem struct {
	ID       uint64
	Kind     ItemKind
	Payload  []byte
	Priority Priority
}

type Result struct {
	ID      uint64
	Kind    ItemKind
	Payload []byte
	Elapsed time.Duration
}

type WorkerStats struct {
	WorkerID  int
	Processed uint64
	Failed    uint64
	Stolen    uint64
	Busy      time.Duration
}

// Task transforms one item. It must not retain the payload after returning.
type Task func(ctx context.Context, item WorkItem) ([]byte, error)

const defaultLocalCapacity = 256

type Scheduler struct {
	workers  int
	localCap int
	seed     uint64
	logger   log.Logger
}

type Option func(*Scheduler)

// WithLocalCapacity bounds each worker's local queue. Items that do not fit
// spill to the global queue.
func WithLocalCapacity(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.localCap = n
		}
	}
}

// WithSeed fixes the victim order used when stealing.
func WithSeed(seed uint64) Option {
	return func(s *Scheduler) { s.seed = seed }
}

func WithLogger(l log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func New(workers int, opts ...Option) *Scheduler {
	s := &Scheduler{
		workers:  max(1, workers),
		localCap: defaultLocalCapacity,
		seed:     uint64(time.Now().UnixNano()),
		logger:   log.NewNopLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) Workers() int {
	return s.workers
}

type queues struct {
	local  []chan WorkItem
	global chan WorkItem
}

// distribute sorts by priority (stable) and deals items round-robin.
func (s *Scheduler) distribute(items []WorkItem) *queues {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b WorkItem) int {
		return cmp.Compare(b.Priority, a.Priority)
	})

	q := &queues{
		local:  make([]chan WorkItem, s.workers),
		global: make(chan WorkItem, len(items)),
	}
	for i := range q.local {
		q.local[i] = make(chan WorkItem, s.localCap)
	}
	for i, it := range sorted {
		select {
		case q.local[i%s.workers] <- it:
		default:
			q.global <- it
		}
	}
	return q
}

// next pops the worker's own queue, then the global queue, then tries the
// other workers in random order. ok is false when every queue is empty.
func (q *queues) next(self int, rng *rand.Rand) (item WorkItem, stolen, ok bool) {
	select {
	case item = <-q.local[self]:
		return item, false, true
	default:
	}
	select {
	case item = <-q.global:
		return item, false, true
	default:
	}
	for _, victim := range rng.Perm(len(q.local)) {
		if victim == self {
			continue
		}
		select {
		case item = <-q.local[victim]:
			return item, true, true
		default:
		}
	}
	return WorkItem{}, false, false
}

// Run executes every item and returns results in completion order. Item
// failures are counted per worker and do not stop other workers; any
// failure fails the call once all workers have finished.
func (s *Scheduler) Run(ctx context.Context, items []WorkItem, task Task) ([]Result, []WorkerStats, error) {
	stats := make([]WorkerStats, s.workers)
	for i := range stats {
		stats[i].WorkerID = i
	}
	if len(items) == 0 {
		return nil, stats, nil
	}

	q := s.distribute(items)
	perWorker := make([][]Result, s.workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(s.seed, uint64(w)))
			st := &stats[w]
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				item, stolen, ok := q.next(w, rng)
				if !ok {
					return nil
				}

				start := time.Now()
				out, err := runTask(gctx, task, item)
				elapsed := time.Since(start)
				st.Busy += elapsed
				if err != nil {
					st.Failed++
					level.Warn(s.logger).Log("msg", "work item failed", "worker", w, "item", item.ID, "kind", item.Kind, "err", err)
					continue
				}
				st.Processed++
				if stolen {
					st.Stolen++
				}
				perWorker[w] = append(perWorker[w], Result{ID: item.ID, Kind: item.Kind, Payload: out, Elapsed: elapsed})
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}

	var failed uint64
	results := make([]Result, 0, len(items))
	for w := range perWorker {
		failed += stats[w].Failed
		results = append(results, perWorker[w]...)
	}
	if failed > 0 {
		return nil, stats, errs.Internal("failed to process %d of %d work items", failed, len(items))
	}
	return results, stats, nil
}

// runTask converts a panicking task into an error.
func runTask(ctx context.Context, task Task, item WorkItem) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in work item %d: %v", item.ID, r)
		}
	}()
	return task(ctx, item)
}
