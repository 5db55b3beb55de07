package main

import (
	"context"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/integrity"
	"github.com/coffersTech/allocq/internal/pkg/security"
	"github.com/coffersTech/allocq/internal/processor"
)

type processOptions struct {
	*rootOptions
	method       string
	out          string
	keyPath      string
	integrity    bool
	backpressure bool
}

func newProcessCommand(root *rootOptions) *cobra.Command {
	opts := &processOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "process <input>",
		Short: "Encode a dataset with the configured pipeline",
		Long: `Process loads an allocation export and runs it through the batch,
parallel or work-stealing pipeline, writing the encoded output to --out
and a JSON summary to stdout.

With --method streaming the input is copied chunk by chunk as raw bytes,
optionally digested (--integrity) or throttled (--backpressure).`,
		Example: `  allocq process capture.json --out capture.aq
  allocq process capture.json --method work_stealing --out capture.aq
  allocq process capture.aq --method streaming --integrity --out copy.aq`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.method, "method", "m", string(processor.MethodBatch),
		"batch, parallel, work_stealing or streaming")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "output file")
	cmd.Flags().StringVar(&opts.keyPath, "key", "allocq.key", "sealing key file, created when missing")
	cmd.Flags().BoolVar(&opts.integrity, "integrity", false, "digest the stream (streaming only)")
	cmd.Flags().BoolVar(&opts.backpressure, "backpressure", false, "throttle the stream (streaming only)")
	return cmd
}

func (o *processOptions) run(ctx context.Context, input string, stdout io.Writer) error {
	p, err := o.newProcessor()
	if err != nil {
		return err
	}
	defer p.Close()

	method := processor.Method(o.method)
	if method == processor.MethodStreaming {
		return o.runStreaming(ctx, p, input, stdout)
	}
	if o.integrity || o.backpressure {
		return errs.InvalidArgument("--integrity and --backpressure need --method streaming")
	}

	ds, err := loadDataset(input, o.logger)
	if err != nil {
		return err
	}

	var pd *processor.ProcessedData
	switch method {
	case processor.MethodBatch:
		pd, err = p.ProcessBatch(ctx, ds)
	case processor.MethodParallel:
		pd, err = p.ProcessParallel(ctx, ds)
	case processor.MethodWorkStealing:
		pd, err = p.ProcessWorkStealing(ctx, ds)
	default:
		return errs.InvalidArgument("unknown method %q", o.method)
	}
	if err != nil {
		return err
	}

	if o.out != "" {
		if err := os.WriteFile(o.out, pd.Data, 0o644); err != nil {
			return errs.IO("write "+o.out, err)
		}
		level.Info(o.logger).Log("msg", "wrote output", "path", o.out, "bytes", len(pd.Data), "run_id", pd.Metadata.RunID)
	}
	return writeJSON(stdout, pd)
}

func (o *processOptions) newProcessor() (*processor.Processor, error) {
	cfg := o.cfg.Processing
	popts := []processor.Option{processor.WithLogger(o.logger)}
	if cfg.Transform == processor.TransformSeal {
		key, generated, err := security.LoadKey(o.keyPath)
		if err != nil {
			return nil, err
		}
		if generated {
			level.Warn(o.logger).Log("msg", "generated new sealing key", "path", o.keyPath)
		}
		popts = append(popts, processor.WithSealKey(key))
	}
	return processor.New(cfg, popts...)
}

func (o *processOptions) runStreaming(ctx context.Context, p *processor.Processor, input string, stdout io.Writer) error {
	if o.out == "" {
		return errs.InvalidArgument("streaming needs --out")
	}
	if o.integrity && o.backpressure {
		return errs.Unsupported("--integrity and --backpressure cannot be combined")
	}

	src, err := os.Open(input)
	if err != nil {
		return errs.IO("open "+input, err)
	}
	defer src.Close()
	dst, err := os.Create(o.out)
	if err != nil {
		return errs.IO("create "+o.out, err)
	}
	defer dst.Close()

	var summary struct {
		Stats     processor.Stats   `json:"stats"`
		Integrity *integrity.Report `json:"integrity,omitempty"`
	}
	switch {
	case o.integrity:
		res, err := p.ProcessStreamingWithIntegrity(ctx, src, dst)
		if err != nil {
			return err
		}
		summary.Stats, summary.Integrity = res.Stats, &res.Integrity
	case o.backpressure:
		summary.Stats, err = p.ProcessStreamingWithBackpressure(ctx, src, dst, o.cfg.Backpressure)
	default:
		summary.Stats, err = p.ProcessStreaming(ctx, src, dst)
	}
	if err != nil {
		return err
	}
	if err := dst.Sync(); err != nil {
		return errs.IO("sync "+o.out, err)
	}
	return writeJSON(stdout, summary)
}
