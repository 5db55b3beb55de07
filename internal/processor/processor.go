// Package processor runs allocation datasets and raw byte streams through
// the batch, streaming and parallel pipelines.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/coffersTech/allocq/internal/codec"
	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
	"github.com/coffersTech/allocq/internal/monitor"
	"github.com/coffersTech/allocq/internal/scheduler"
)

const maxStatsHistory = 1000

type Processor struct {
	cfg       Config
	codec     *codec.Codec
	monitor   *monitor.Monitor
	sched     *scheduler.Scheduler
	transform transformer
	logger    log.Logger
	metrics   *metrics

	// progress throttles per-chunk debug logging in the streaming loop.
	progress rate.Sometimes

	mu      sync.Mutex
	history []Stats

	now    func() time.Time
	bpOpts []monitor.ControllerOption
}

type options struct {
	logger  log.Logger
	monitor *monitor.Monitor
	reg     prometheus.Registerer
	sealKey []byte
	seed    *uint64
}

type Option func(*options)

func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMonitor shares an existing monitor with the caller.
func WithMonitor(m *monitor.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.reg = r }
}

// WithSealKey supplies the AES-256 key used by the seal transform.
func WithSealKey(key []byte) Option {
	return func(o *options) { o.sealKey = key }
}

// WithStealSeed fixes the victim order of the work-stealing scheduler.
func WithStealSeed(seed uint64) Option {
	return func(o *options) { o.seed = &seed }
}

func New(cfg Config, opts ...Option) (*Processor, error) {
	if err := cfg.Check(); err != nil {
		return nil, errs.InvalidArgument("processing config: %v", err)
	}

	o := options{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.monitor == nil {
		o.monitor = monitor.New()
	}

	c, err := codec.New()
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}
	t, err := newTransformer(cfg.Transform, o.sealKey)
	if err != nil {
		c.Close()
		return nil, errs.InvalidArgument("transform: %v", err)
	}

	logger := log.With(o.logger, "component", "processor")
	schedOpts := []scheduler.Option{scheduler.WithLogger(logger)}
	if o.seed != nil {
		schedOpts = append(schedOpts, scheduler.WithSeed(*o.seed))
	}

	return &Processor{
		cfg:       cfg,
		codec:     c,
		monitor:   o.monitor,
		sched:     scheduler.New(cfg.Workers, schedOpts...),
		transform: t,
		logger:    logger,
		metrics:   newMetrics(o.reg),
		progress:  rate.Sometimes{Interval: time.Second},
		now:       time.Now,
	}, nil
}

func (p *Processor) Close() {
	p.codec.Close()
	p.transform.Close()
}

func (p *Processor) Config() Config {
	return p.cfg
}

func (p *Processor) Monitor() *monitor.Monitor {
	return p.monitor
}

// Stats returns the stats of completed calls, oldest first.
func (p *Processor) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Stats(nil), p.history...)
}

// Unpack reverts the transform of pd and decodes the dataset.
func (p *Processor) Unpack(pd *ProcessedData) (*model.UnifiedDataset, error) {
	if pd.Metadata.Transform != p.transform.kind() {
		return nil, errs.InvalidArgument("data was produced with transform %q, processor uses %q",
			pd.Metadata.Transform, p.transform.kind())
	}
	raw, err := p.transform.Revert(pd.Data)
	if err != nil {
		return nil, errs.Serialization("revert transform", err)
	}
	return p.codec.Decode(raw)
}

func (p *Processor) begin() time.Time {
	if p.cfg.MonitorMemory {
		p.monitor.Reset()
	}
	return p.now()
}

// trackMemory records usage and enforces the memory limit when monitoring
// is enabled.
func (p *Processor) trackMemory(usage int64) error {
	if !p.cfg.MonitorMemory {
		return nil
	}
	p.monitor.UpdateUsage(usage)
	if limit := int64(p.cfg.MaxMemory); usage > limit {
		return errs.MemoryLimitExceeded(limit, usage)
	}
	return nil
}

func (p *Processor) metadata(method Method, records int) Metadata {
	return Metadata{
		RunID:      uuid.NewString(),
		Timestamp:  p.now(),
		Method:     method,
		Format:     codec.FormatName,
		Transform:  p.transform.kind(),
		ConfigHash: p.cfg.Hash(),
		Records:    records,
	}
}

// finish derives throughput and efficiency, records the stats and logs the run.
func (p *Processor) finish(s Stats, start time.Time) Stats {
	s.Duration = p.now().Sub(start)
	s.Throughput = throughput(s.BytesProcessed, s.Duration)
	s.PeakMemory = p.monitor.Peak()

	switch s.Method {
	case MethodBatch:
		s.Efficiency = batchEfficiency(s.Throughput)
	case MethodStreaming:
		s.Efficiency = streamingEfficiency(s.Throughput, s.PeakMemory, uint64(p.cfg.ChunkSize))
	default:
		s.Efficiency = parallelEfficiency(s.Throughput)
	}

	p.mu.Lock()
	if len(p.history) >= maxStatsHistory {
		n := copy(p.history, p.history[maxStatsHistory/2:])
		p.history = p.history[:n]
	}
	p.history = append(p.history, s)
	p.mu.Unlock()

	p.metrics.observe(s)
	level.Info(p.logger).Log(
		"msg", "processing complete",
		"method", s.Method,
		"bytes", datasize.ByteSize(s.BytesProcessed).HumanReadable(),
		"chunks", s.ChunksProcessed,
		"duration", s.Duration,
		"efficiency", fmt.Sprintf("%.3f", s.Efficiency),
	)
	return s
}

func (p *Processor) fail(method Method, err error) error {
	p.metrics.fail(method)
	level.Error(p.logger).Log("msg", "processing failed", "method", method, "err", err)
	return err
}

func (p *Processor) validate(ds *model.UnifiedDataset) ValidationResults {
	if !p.cfg.Validate {
		return ValidationResults{Valid: true, IntegrityScore: 1.0}
	}
	v := Validate(ds)
	for _, w := range v.Warnings {
		level.Warn(p.logger).Log("msg", "validation warning", "warning", w)
	}
	for _, e := range v.Errors {
		level.Warn(p.logger).Log("msg", "validation error", "error", e)
	}
	return v
}

func (p *Processor) checkContext(ctx context.Context, method Method) error {
	if err := ctx.Err(); err != nil {
		return p.fail(method, err)
	}
	return nil
}
