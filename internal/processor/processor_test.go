package processor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/allocq/internal/codec"
	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/model"
	"github.com/coffersTech/allocq/internal/monitor"
	"github.com/coffersTech/allocq/internal/testutil"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.ChunkSize = 1 * datasize.KB
	cfg.IOBufferSize = 512
	return cfg
}

func newProcessor(t *testing.T, cfg Config, opts ...Option) *Processor {
	t.Helper()
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestProcessBatchRoundTrip(t *testing.T) {
	p := newProcessor(t, testConfig())
	ds := testutil.Dataset(100)

	pd, err := p.ProcessBatch(context.Background(), ds)
	require.NoError(t, err)

	assert.Equal(t, MethodBatch, pd.Metadata.Method)
	assert.Equal(t, codec.FormatName, pd.Metadata.Format)
	assert.Equal(t, TransformNone, pd.Metadata.Transform)
	assert.Equal(t, p.Config().Hash(), pd.Metadata.ConfigHash)
	assert.NotEmpty(t, pd.Metadata.RunID)
	assert.Equal(t, 100, pd.Metadata.Records)

	assert.True(t, pd.Validation.Valid)
	assert.Empty(t, pd.Validation.Warnings)
	assert.Equal(t, 1.0, pd.Validation.IntegrityScore)

	assert.Equal(t, uint64(len(pd.Data)), pd.Stats.BytesProcessed)
	assert.Equal(t, uint64(1), pd.Stats.ChunksProcessed)
	assert.GreaterOrEqual(t, pd.Stats.Efficiency, 0.0)
	assert.LessOrEqual(t, pd.Stats.Efficiency, 1.0)
	assert.Equal(t, int64(len(pd.Data)), p.Monitor().Peak())

	got, err := p.Unpack(pd)
	require.NoError(t, err)
	assert.Equal(t, ds, got)
	assert.Len(t, p.Stats(), 1)
}

func TestParallelModesMatchBatch(t *testing.T) {
	ds := testutil.Dataset(1003)

	for _, transform := range []TransformKind{TransformNone, TransformZstd, TransformSeal} {
		t.Run(string(transform), func(t *testing.T) {
			cfg := testConfig()
			cfg.Transform = transform
			p := newProcessor(t, cfg, WithSealKey(bytes.Repeat([]byte{7}, 32)), WithStealSeed(3))
			ctx := context.Background()

			batch, err := p.ProcessBatch(ctx, ds)
			require.NoError(t, err)
			parallel, err := p.ProcessParallel(ctx, ds)
			require.NoError(t, err)
			stealing, err := p.ProcessWorkStealing(ctx, ds)
			require.NoError(t, err)

			assert.Equal(t, uint64(4), parallel.Stats.ChunksProcessed)
			assert.Equal(t, uint64(4*itemsPerWorker+1), stealing.Stats.ChunksProcessed)
			assert.Equal(t, transform, stealing.Metadata.Transform)

			want, err := p.Unpack(batch)
			require.NoError(t, err)
			fromParallel, err := p.Unpack(parallel)
			require.NoError(t, err)
			fromStealing, err := p.Unpack(stealing)
			require.NoError(t, err)

			assert.Equal(t, ds, want)
			assert.Equal(t, want, fromParallel)
			assert.Equal(t, want, fromStealing)
		})
	}
}

func TestParallelEmptyDataset(t *testing.T) {
	p := newProcessor(t, testConfig())
	ds := model.NewDataset("empty", 1)

	pd, err := p.ProcessParallel(context.Background(), ds)
	require.NoError(t, err)
	assert.Zero(t, pd.Stats.ChunksProcessed)
	assert.Len(t, pd.Validation.Warnings, 2)

	got, err := p.Unpack(pd)
	require.NoError(t, err)
	assert.Equal(t, ds, got)
}

func TestSplitRecords(t *testing.T) {
	recs := testutil.Dataset(10).Records

	parts := splitRecords(recs, 4)
	require.Len(t, parts, 4)
	assert.Len(t, parts[0], 3)
	assert.Len(t, parts[3], 1)

	assert.Len(t, splitRecords(recs, 20), 10)
	assert.Nil(t, splitRecords(nil, 4))
}

func TestUnpackTransformMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.Transform = TransformZstd
	zp := newProcessor(t, cfg)
	pd, err := zp.ProcessBatch(context.Background(), testutil.Dataset(5))
	require.NoError(t, err)

	plain := newProcessor(t, testConfig())
	_, err = plain.Unpack(pd)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 0
	_, err := New(cfg)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	cfg = testConfig()
	cfg.Transform = TransformSeal
	_, err = New(cfg)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestBatchMemoryLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMemory = 64
	p := newProcessor(t, cfg)

	_, err := p.ProcessBatch(context.Background(), testutil.Dataset(50))
	assert.ErrorIs(t, err, errs.ErrMemoryLimit)
}

func TestProcessStreaming(t *testing.T) {
	p := newProcessor(t, testConfig())
	input := strings.Repeat("0123456789abcdef", 200) // 3200 bytes

	var out bytes.Buffer
	stats, err := p.ProcessStreaming(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Equal(t, input, out.String())
	assert.Equal(t, uint64(len(input)), stats.BytesProcessed)
	assert.Equal(t, uint64(4), stats.ChunksProcessed)
	assert.Zero(t, stats.ValidationErrors)
	assert.Zero(t, stats.ValidationWarnings)
	assert.Equal(t, 1.0, stats.ValidationScore)
	assert.Greater(t, stats.PeakMemory, int64(0))
	assert.GreaterOrEqual(t, stats.Efficiency, 0.3)
	assert.LessOrEqual(t, stats.Efficiency, 1.0)
}

func TestStreamingSmallTrailingChunkWarns(t *testing.T) {
	p := newProcessor(t, testConfig())
	input := strings.Repeat("x", 2*1024+2)

	var out bytes.Buffer
	stats, err := p.ProcessStreaming(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.ChunksProcessed)
	assert.Equal(t, uint32(1), stats.ValidationWarnings)
	assert.InDelta(t, 0.95, stats.ValidationScore, 1e-9)
	assert.Equal(t, input, out.String())
}

func TestStreamingMemoryLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMemory = 100
	cfg.ChunkSize = 64
	p := newProcessor(t, cfg)

	_, err := p.ProcessStreaming(context.Background(), strings.NewReader(strings.Repeat("y", 1000)), &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMemoryLimit)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, int64(100), e.Limit)
	assert.Greater(t, e.Usage, int64(100))
}

func TestStreamingTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = time.Second
	p := newProcessor(t, cfg)

	var mu sync.Mutex
	clock := time.Unix(0, 0)
	p.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(2 * time.Second)
		return clock
	}

	_, err := p.ProcessStreaming(context.Background(), strings.NewReader("data"), &bytes.Buffer{})
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Contains(t, err.Error(), `"streaming"`)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, assert.AnError }

func TestStreamingSinkFailure(t *testing.T) {
	p := newProcessor(t, testConfig())
	_, err := p.ProcessStreaming(context.Background(), strings.NewReader(strings.Repeat("z", 4096)), failingWriter{})
	assert.ErrorIs(t, err, errs.ErrIO)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestStreamingWithIntegrity(t *testing.T) {
	p := newProcessor(t, testConfig())
	input := strings.Repeat("integrity", 500)

	var out bytes.Buffer
	res, err := p.ProcessStreamingWithIntegrity(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Equal(t, input, out.String())
	assert.Equal(t, uint64(len(input)), res.Stats.BytesProcessed)
	assert.Equal(t, uint64(2*len(input)), res.Integrity.TotalBytes)
	assert.Len(t, res.Integrity.ChunkChecksums, int(res.Integrity.ChunksProcessed))
	assert.Len(t, res.Integrity.Checksum, 64)
	assert.Equal(t, 1.0, res.Integrity.Score)
}

func TestStreamingWithBackpressure(t *testing.T) {
	p := newProcessor(t, testConfig())

	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	var slept time.Duration
	p.bpOpts = []monitor.ControllerOption{monitor.WithClock(
		func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
		func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			slept += d
			now = now.Add(d)
		},
	)}

	bp := monitor.BackpressureConfig{
		MaxBufferSize:     256,
		TargetRate:        datasize.GB,
		PressureThreshold: 0.8,
		RecoveryTime:      10 * time.Millisecond,
	}
	input := strings.Repeat("p", 8*1024)

	var out bytes.Buffer
	stats, err := p.ProcessStreamingWithBackpressure(context.Background(), strings.NewReader(input), &out, bp)
	require.NoError(t, err)
	assert.Equal(t, input, out.String())
	assert.Greater(t, stats.Throttled, time.Duration(0))
	assert.Equal(t, slept, stats.Throttled)
}

func TestStreamingCanceled(t *testing.T) {
	p := newProcessor(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ProcessStreaming(ctx, strings.NewReader("abc"), &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSharedMonitorIsVisibleToCaller(t *testing.T) {
	m := monitor.New()
	p := newProcessor(t, testConfig(), WithMonitor(m))

	_, err := p.ProcessStreaming(context.Background(), strings.NewReader(strings.Repeat("m", 4096)), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Same(t, m, p.Monitor())
	assert.NotEmpty(t, m.History())
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := newProcessor(t, testConfig(), WithRegisterer(reg))

	_, err := p.ProcessBatch(context.Background(), testutil.Dataset(10))
	require.NoError(t, err)
	_, err = p.ProcessStreaming(context.Background(), strings.NewReader(strings.Repeat("q", 3000)), &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(p.metrics.runs.WithLabelValues(string(MethodBatch))))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.metrics.runs.WithLabelValues(string(MethodStreaming))))
	assert.Equal(t, 3000.0, promtest.ToFloat64(p.metrics.bytesProcessed.WithLabelValues(string(MethodStreaming))))
	assert.Zero(t, promtest.ToFloat64(p.metrics.failures.WithLabelValues(string(MethodBatch))))
}
