package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/coffersTech/allocq/internal/query"
	"github.com/coffersTech/allocq/internal/server"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:          "serve <input>",
		Short:        "Serve the query API over HTTP",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ds, err := loadDataset(args[0], root.logger)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			e, err := query.NewEngine(ds, cfg.Query, query.WithLogger(root.logger), query.WithRegisterer(reg))
			if err != nil {
				return err
			}
			srv := server.New(e, cfg.Server, server.WithLogger(root.logger), server.WithRegistry(reg))

			level.Info(root.logger).Log("msg", "dataset loaded", "records", len(ds.Records), "index_memory", e.Stats().IndexMemory)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case err := <-errCh:
				return err
			case sig := <-quit:
				level.Info(root.logger).Log("msg", "shutting down", "signal", sig)
			case <-cmd.Context().Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				level.Error(root.logger).Log("msg", "server shutdown error", "err", err)
				return err
			}
			level.Info(root.logger).Log("msg", "exited gracefully")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}
