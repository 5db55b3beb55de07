package processor

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/c2h5oh/datasize"
	"github.com/go-kit/log/level"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/integrity"
	"github.com/coffersTech/allocq/internal/monitor"
)

// ProcessStreaming copies r to w chunk by chunk with bounded memory.
func (p *Processor) ProcessStreaming(ctx context.Context, r io.Reader, w io.Writer) (Stats, error) {
	return p.stream(ctx, r, w)
}

// ProcessStreamingWithIntegrity additionally digests every byte read from r
// and written to w with one shared checker.
func (p *Processor) ProcessStreamingWithIntegrity(ctx context.Context, r io.Reader, w io.Writer) (StreamResult, error) {
	checker, err := integrity.NewChecker(p.cfg.Integrity)
	if err != nil {
		return StreamResult{}, errs.InvalidArgument("%v", err)
	}
	stats, err := p.stream(ctx, integrity.NewReader(r, checker), integrity.NewWriter(w, checker))
	if err != nil {
		return StreamResult{}, err
	}
	return StreamResult{Stats: stats, Integrity: checker.Finalize()}, nil
}

// ProcessStreamingWithBackpressure throttles reads and writes through a
// controller shared by both sides of the stream.
func (p *Processor) ProcessStreamingWithBackpressure(ctx context.Context, r io.Reader, w io.Writer, cfg monitor.BackpressureConfig) (Stats, error) {
	ctl := monitor.NewController(cfg, p.bpOpts...)
	stats, err := p.stream(ctx, monitor.NewReader(r, ctl), monitor.NewWriter(w, ctl))
	if err != nil {
		return Stats{}, err
	}
	stats.Throttled = ctl.Throttled()
	if stats.Throttled > 0 {
		level.Info(p.logger).Log("msg", "stream throttled", "total", stats.Throttled, "rate", datasize.ByteSize(ctl.Rate()).HumanReadable()+"/s")
	}
	return stats, nil
}

func (p *Processor) stream(ctx context.Context, r io.Reader, w io.Writer) (Stats, error) {
	start := p.begin()

	src := bufio.NewReaderSize(r, int(p.cfg.IOBufferSize))
	dst := bufio.NewWriterSize(w, int(p.cfg.IOBufferSize))
	buf := make([]byte, int(p.cfg.ChunkSize))

	s := Stats{Method: MethodStreaming, ValidationScore: 1.0}
	for {
		if err := ctx.Err(); err != nil {
			return Stats{}, p.fail(MethodStreaming, err)
		}
		if usage, limit := p.monitor.Current(), int64(p.cfg.MaxMemory); usage > limit {
			return Stats{}, p.fail(MethodStreaming, errs.MemoryLimitExceeded(limit, usage))
		}
		if p.now().Sub(start) > p.cfg.Timeout {
			return Stats{}, p.fail(MethodStreaming, errs.Timeout("streaming", p.cfg.Timeout))
		}

		n, readErr := src.Read(buf)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return Stats{}, p.fail(MethodStreaming, errs.IO("read", readErr))
		}
		if n == 0 {
			break
		}

		chunk := transformChunk(buf[:n])
		if p.cfg.Validate {
			if warning, penalty := validateChunk(s.ChunksProcessed, chunk); warning != "" {
				s.ValidationWarnings++
				s.ValidationScore = max(0, s.ValidationScore-penalty)
				level.Debug(p.logger).Log("msg", "chunk validation warning", "warning", warning)
			}
		}

		if _, err := dst.Write(chunk); err != nil {
			return Stats{}, p.fail(MethodStreaming, errs.IO("write", err))
		}
		s.BytesProcessed += uint64(n)
		s.ChunksProcessed++

		if p.cfg.MonitorMemory {
			p.monitor.UpdateUsage(int64(len(buf) + dst.Buffered()))
		}
		p.progress.Do(func() {
			level.Debug(p.logger).Log("msg", "streaming progress", "chunks", s.ChunksProcessed, "bytes", datasize.ByteSize(s.BytesProcessed).HumanReadable())
		})

		if errors.Is(readErr, io.EOF) {
			break
		}
	}

	if err := dst.Flush(); err != nil {
		return Stats{}, p.fail(MethodStreaming, errs.IO("flush", err))
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return Stats{}, p.fail(MethodStreaming, errs.IO("flush", err))
		}
	}
	return p.finish(s, start), nil
}

// transformChunk is the per-chunk stage of the streaming pipeline. Chunks
// pass through unchanged; the copy detaches them from the read buffer.
func transformChunk(chunk []byte) []byte {
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return out
}
