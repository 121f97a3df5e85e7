package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/agora/internal/config"
	"github.com/roach88/agora/internal/engine"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr   string
	SweepInterval time.Duration

	// Listening, if set, receives the metrics listener address once it is
	// bound. Used by tests that listen on port 0.
	Listening func(addr string)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a marketplace node",
		Long: `Run a marketplace node until interrupted.

The node opens its SQLite database (creating it if it doesn't exist),
reloads its subscriptions, expires overdue subscriptions and agreements on
every sweep interval, and optionally serves Prometheus metrics.

Example:
  agora run --db ./node.db --node node-a
  agora run -c agora.yaml --metrics-addr :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "listen address for /metrics (overrides config)")
	cmd.Flags().DurationVar(&opts.SweepInterval, "sweep-interval", 0, "expiry sweep interval (overrides config)")

	return cmd
}

func runNode(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := loadConfig(opts.RootOptions, func(c *config.Config) {
		if opts.MetricsAddr != "" {
			c.MetricsAddr = opts.MetricsAddr
		}
		if opts.SweepInterval > 0 {
			c.SweepInterval = opts.SweepInterval
		}
	})
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, opts.Verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening node", "node", cfg.NodeID, "db", cfg.Database)
	eng, err := engine.Open(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open node", err)
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			logger.Error("error closing node", "error", closeErr)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			stop()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", eng.Metrics().Handler())
		srv := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Info("serving metrics", "addr", ln.Addr().String())
		if opts.Listening != nil {
			opts.Listening(ln.Addr().String())
		}

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Node %s started. Press Ctrl-C to stop.\n", cfg.NodeID)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "node error", err)
	}

	logger.Info("node stopped gracefully")
	return nil
}
