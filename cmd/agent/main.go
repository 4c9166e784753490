// Command agent is the endpoint telemetry agent CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/endpointmon/backend/internal/agent/config"
	"github.com/endpointmon/backend/internal/agent/runtime"
)

var (
	flagConfig  string
	flagVerbose bool
)

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newRuntime(log *slog.Logger) (*runtime.Runtime, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	return runtime.New(cfg, log)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	root := &cobra.Command{
		Use:           "agent",
		Short:         "Endpoint telemetry agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config.yaml (default: agent dir)")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Materialize the config file and agent directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Init(flagConfig)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ready at %s\n", path)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Run a single collect-and-send cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			rt, err := newRuntime(log)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()
			summary, err := rt.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary.String())
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "daemon",
		Short: "Run cycles continuously until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			rt, err := newRuntime(log)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()
			log.Info("agent daemon starting")
			if err := rt.RunDaemon(ctx); err != nil && err != context.Canceled {
				return err
			}
			log.Info("agent daemon stopped")
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
