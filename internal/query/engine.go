// Package query serves filtered, sorted and paginated queries and grouped
// aggregations over an immutable allocation dataset.
package query

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
)

type Config struct {
	AutoIndex      bool              `yaml:"auto_index"`
	EnableCache    bool              `yaml:"enable_cache"`
	CacheSize      int               `yaml:"cache_size"`
	Timeout        time.Duration     `yaml:"timeout"`
	MaxIndexMemory datasize.ByteSize `yaml:"max_index_memory"`
}

func DefaultConfig() Config {
	return Config{
		AutoIndex:      true,
		EnableCache:    true,
		CacheSize:      1000,
		Timeout:        30 * time.Second,
		MaxIndexMemory: 256 * datasize.MB,
	}
}

// Result is the outcome of one query.
type Result struct {
	Records      []model.AllocationRecord   `json:"records"`
	CallStacks   map[uint64]model.CallStack `json:"call_stacks,omitempty"`
	Stats        ExecStats                  `json:"stats"`
	TotalMatches int                        `json:"total_matches"`
	Truncated    bool                       `json:"truncated"`
}

type ExecStats struct {
	Elapsed        time.Duration `json:"elapsed"`
	RecordsScanned int           `json:"records_scanned"`
	IndexLookups   int           `json:"index_lookups"`
	IndexUsed      bool          `json:"index_used"`
	CacheHit       bool          `json:"cache_hit"`
}

// Engine answers queries over one dataset snapshot. Queries may run
// concurrently with each other and with Rebuild.
type Engine struct {
	ds      *model.UnifiedDataset
	cfg     Config
	indices atomic.Pointer[Indices]
	cache   *lru.Cache[uint64, *Result]

	rebuildMu sync.Mutex
	stats     engineStats
	logger    log.Logger
	metrics   *metrics
	now       func() time.Time
}

type options struct {
	logger log.Logger
	reg    prometheus.Registerer
}

type Option func(*options)

func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.reg = r }
}

// NewEngine takes a reference to ds, which must not be mutated afterwards.
// Indices are built immediately when AutoIndex is set.
func NewEngine(ds *model.UnifiedDataset, cfg Config, opts ...Option) (*Engine, error) {
	if ds == nil {
		return nil, errs.InvalidArgument("nil dataset")
	}
	if err := ds.CheckUniqueIDs(); err != nil {
		return nil, errs.InvalidArgument("%v", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	o := options{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		ds:      ds,
		cfg:     cfg,
		logger:  log.With(o.logger, "component", "query"),
		metrics: newMetrics(o.reg),
		now:     time.Now,
	}
	if cfg.EnableCache {
		size := cfg.CacheSize
		if size <= 0 {
			size = DefaultConfig().CacheSize
		}
		c, err := lru.New[uint64, *Result](size)
		if err != nil {
			return nil, errs.InvalidArgument("query cache: %v", err)
		}
		e.cache = c
	}
	if cfg.AutoIndex {
		e.Rebuild()
	}
	return e, nil
}

func (e *Engine) Dataset() *model.UnifiedDataset {
	return e.ds
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Rebuild derives fresh indices from the dataset and swaps them in. Cached
// results are discarded.
func (e *Engine) Rebuild() {
	e.rebuildMu.Lock()
	defer e.rebuildMu.Unlock()

	idx := BuildIndices(e.ds)
	mem := idx.Memory()
	if limit := int64(e.cfg.MaxIndexMemory); limit > 0 && mem > limit {
		level.Warn(e.logger).Log("msg", "index memory above configured maximum",
			"estimate", datasize.ByteSize(mem).HumanReadable(),
			"max", e.cfg.MaxIndexMemory.HumanReadable())
	}
	e.indices.Store(idx)
	if e.cache != nil {
		e.cache.Purge()
	}
	e.stats.indexBuilt(idx.BuildTime(), mem)
	e.metrics.indexMemory.Set(float64(mem))

	level.Debug(e.logger).Log("msg", "indices built", "records", idx.records,
		"duration", idx.BuildTime(), "memory", datasize.ByteSize(mem).HumanReadable())
}

// Indexed reports whether indices are currently available.
func (e *Engine) Indexed() bool {
	return e.indices.Load() != nil
}

// Query runs q. Without indices every condition is evaluated by a linear
// scan; results are identical either way.
func (e *Engine) Query(ctx context.Context, q *Query) (*Result, error) {
	start := e.now()
	if err := checkSortKeys(q.sort); err != nil {
		return nil, err
	}

	key, cacheable := q.cacheKey()
	if cacheable && e.cache != nil {
		if hit, ok := e.cache.Get(key); ok {
			res := hit.clone()
			res.Stats.CacheHit = true
			res.Stats.Elapsed = e.now().Sub(start)
			e.stats.record(res.Stats.Elapsed, true)
			e.metrics.queries.WithLabelValues("hit").Inc()
			return res, nil
		}
	}

	positions, st, err := e.filter(ctx, q.conditions, start)
	if err != nil {
		return nil, err
	}

	matched := make([]model.AllocationRecord, len(positions))
	for i, p := range positions {
		matched[i] = e.ds.Records[p]
	}
	if len(q.sort) > 0 {
		slices.SortStableFunc(matched, func(a, b model.AllocationRecord) int {
			return compareRecords(&a, &b, q.sort)
		})
	}

	total := len(matched)
	page := paginate(matched, q.offset, q.limit)
	res := &Result{
		Records:      page,
		TotalMatches: total,
		Truncated:    q.limit >= 0 && total-q.offset > q.limit,
	}
	if q.includeCallStacks {
		res.CallStacks = e.callStacksFor(page)
	}
	st.Elapsed = e.now().Sub(start)
	res.Stats = st

	if cacheable && e.cache != nil {
		e.cache.Add(key, res.clone())
	}
	e.stats.record(st.Elapsed, false)
	e.metrics.queries.WithLabelValues("miss").Inc()
	e.metrics.duration.Observe(st.Elapsed.Seconds())
	return res, nil
}

// filter resolves every condition independently and intersects the results.
// The timeout is checked between conditions.
func (e *Engine) filter(ctx context.Context, conds []Condition, start time.Time) ([]int, ExecStats, error) {
	var st ExecStats
	n := len(e.ds.Records)
	if len(conds) == 0 {
		st.RecordsScanned = n
		return allPositions(n), st, nil
	}

	idx := e.indices.Load()
	indexUsed := idx != nil
	var result []int
	for i := range conds {
		if err := ctx.Err(); err != nil {
			return nil, st, err
		}
		if e.now().Sub(start) > e.cfg.Timeout {
			return nil, st, errs.Timeout("query", e.cfg.Timeout)
		}

		set, viaIndex, err := e.resolve(idx, &conds[i])
		if err != nil {
			return nil, st, err
		}
		if viaIndex {
			st.IndexLookups++
			st.RecordsScanned += len(set)
		} else {
			indexUsed = false
			st.RecordsScanned += n
		}

		if i == 0 {
			result = set
		} else {
			result = intersect(result, set)
		}
	}
	st.IndexUsed = indexUsed
	return result, st, nil
}

// resolve picks the most specific strategy for c: an index path when one
// exists, otherwise a linear scan applying the operator directly.
func (e *Engine) resolve(idx *Indices, c *Condition) ([]int, bool, error) {
	match, err := c.matcher()
	if err != nil {
		return nil, false, err
	}

	if c.Field == FieldStatus && idx != nil {
		if c.Status == StatusDeallocated {
			return []int{}, true, nil
		}
		return allPositions(len(e.ds.Records)), true, nil
	}

	if idx != nil {
		pos, ok, err := idx.lookup(c)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return pos, true, nil
		}
	}

	out := []int{}
	for i := range e.ds.Records {
		if match(&e.ds.Records[i]) {
			out = append(out, i)
		}
	}
	return out, false, nil
}

func (e *Engine) callStacksFor(recs []model.AllocationRecord) map[uint64]model.CallStack {
	out := make(map[uint64]model.CallStack)
	for i := range recs {
		id, ok := recs[i].StackID()
		if !ok {
			continue
		}
		if cs, found := e.ds.CallStacks[id]; found {
			out[id] = cs
		}
	}
	return out
}

// Timeline returns the cumulative memory-over-time series of the whole
// dataset.
func (e *Engine) Timeline() []TimelinePoint {
	if idx := e.indices.Load(); idx != nil {
		return idx.Timeline()
	}
	return buildTimeline(e.ds.Records, allPositions(len(e.ds.Records)))
}

func (e *Engine) Stats() Stats {
	return e.stats.snapshot(len(e.ds.Records))
}

func (r *Result) clone() *Result {
	out := *r
	out.Records = slices.Clone(r.Records)
	if r.CallStacks != nil {
		out.CallStacks = maps.Clone(r.CallStacks)
	}
	return &out
}
