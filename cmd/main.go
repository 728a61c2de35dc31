package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"extmirror/internal/app"
	"extmirror/internal/config"
	"extmirror/internal/journal"
	"extmirror/internal/layout"
	"extmirror/internal/logger"
	"extmirror/internal/metrics"
	"extmirror/internal/search"
	"extmirror/internal/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configFile string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "extmirror",
		Short:         "Mirror an extension registry and serve it locally",
		Long:          `Fetches the extension catalog and archives from an upstream registry, builds a search index over the catalog and serves both over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug/info/warn/error)")

	rootCmd.AddCommand(newMirrorCmd(), newServeCmd(), newJournalCmd())
	return rootCmd
}

func newMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Download the catalog and archives, rebuild the index and promote it",
		RunE:  runMirror,
	}

	cmd.Flags().String("api-url", "https://api.zed.dev", "Upstream registry API URL")
	cmd.Flags().Int("workers", 8, "Number of concurrent download workers")
	cmd.Flags().Int("queue-size", 1024, "Download queue capacity")
	cmd.Flags().Int("max-schema-version", 1, "Highest schema version requested from upstream")
	cmd.Flags().Duration("http-timeout", 5*time.Minute, "Timeout for one upstream request")
	cmd.Flags().String("journal", "", "Fetch journal database (default is <output>/journal.db)")
	cmd.Flags().Bool("show-progress", true, "Show progress display when attached to a terminal")
	cmd.Flags().String("metrics-listen", "", "Serve /metrics on this address while the mirror runs")

	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the promoted index and archives",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", ":8070", "Listen address")
	cmd.Flags().Duration("shutdown-timeout", 10*time.Second, "Time allowed for in-flight requests on shutdown")

	return cmd
}

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List archives that were not fetched in the latest run",
		RunE:  runJournal,
	}

	cmd.Flags().String("journal", "", "Fetch journal database (default is <output>/journal.db)")

	return cmd
}

func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, log, nil
}

func runMirror(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	collector := metrics.New()
	if cfg.Mirror.MetricsListen != "" {
		metricsSrv, err := collector.StartServer(cfg.Mirror.MetricsListen)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		log.Info("Metrics server started", zap.String("addr", metricsSrv.Addr()))

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Serve.ShutdownTimeout)
			defer cancel()
			if err := metricsSrv.Shutdown(ctx); err != nil {
				log.Error("Error stopping metrics server", zap.Error(err))
			}
		}()
	}

	mirror, err := app.New(cfg, log, app.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create mirror: %w", err)
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = mirror.Run(ctx)

	if closeErr := mirror.Close(); closeErr != nil {
		log.Error("Error closing mirror", zap.Error(closeErr))
	}

	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	l := layout.New(cfg.Output)

	searcher, err := search.Open(l.Index())
	if err != nil {
		return err
	}
	defer searcher.Close()

	srv := server.New(cfg.Serve.Listen, l, searcher, log, server.WithMetrics(metrics.New()))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.ListenAndServe)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Serve.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// A finished mirror run promotes a new index; SIGHUP picks it up
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := searcher.Reload(l.Index()); err != nil {
					log.Error("Failed to reload index", zap.Error(err))
					continue
				}
				log.Info("Index reloaded", zap.String("path", l.Index()))
			}
		}
	})

	return g.Wait()
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := journal.NewSQLiteStore(cfg.Mirror.Journal)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer store.Close()

	return printProblems(cmd.OutOrStdout(), store)
}

func printProblems(out io.Writer, store journal.Store) error {
	run, err := store.LatestRun()
	if err != nil {
		return err
	}
	if run == "" {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	problems, err := store.ListProblems(run)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Run %s: %d archive(s) not fetched\n", run, len(problems))
	if len(problems) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tERROR")
	for _, p := range problems {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Version, p.Status, p.LastError)
	}
	return w.Flush()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
