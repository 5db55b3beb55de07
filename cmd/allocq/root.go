package main

import (
	"bytes"
	"io"
	"os"

	"github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/coffersTech/allocq/internal/codec"
	"github.com/coffersTech/allocq/internal/config"
	"github.com/coffersTech/allocq/internal/errs"
	"github.com/coffersTech/allocq/internal/ingest"
	"github.com/coffersTech/allocq/internal/logging"
	"github.com/coffersTech/allocq/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// rootOptions holds the persistent flags and the state they resolve to.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    config.Config
	logger log.Logger
}

// NewRootCommand creates the allocq command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "allocq",
		Short: "Process and query memory allocation datasets",
		Long: `allocq converts allocation exports into compact frame files and answers
filter, sort and aggregation queries over them, either once from the
command line or through a read-only HTTP API.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: logfmt or json")

	cmd.AddCommand(
		newProcessCommand(opts),
		newQueryCommand(opts),
		newAggregateCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

func (o *rootOptions) setup(logOut io.Writer) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	logger, err := logging.New(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

// loadDataset reads a JSON export or an untransformed frame file.
func loadDataset(path string, logger log.Logger) (*model.UnifiedDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.IO("read "+path, err)
	}
	if !bytes.HasPrefix(data, codec.MagicHeader) {
		return ingest.NewLoader(logger).Parse(data)
	}
	c, err := codec.New()
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Decode(data)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
