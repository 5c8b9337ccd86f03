package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-pipeline/internal/api"
	"github.com/sells-group/evidence-pipeline/internal/monitoring"
	"github.com/sells-group/evidence-pipeline/internal/worker"
)

var (
	servePort      int
	serveNoWorkers bool
	serveNoMonitor bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Taxonomy.RemapOnStart {
			results, err := env.Engine.RemapAll(ctx, false)
			if err != nil {
				zap.L().Warn("remap on start failed", zap.Error(err))
			}
			remapped := 0
			for _, r := range results {
				if !r.Skipped {
					remapped++
				}
			}
			zap.L().Info("remap on start complete", zap.Int("jobs", len(results)), zap.Int("remapped", remapped))
		}

		pool := worker.New(env.Store, env.Engine, worker.FromConfig(cfg.Worker))
		collector := monitoring.NewCollector(env.Store)
		srv := api.NewServer(env.Store, env.Reviews, env.Source,
			api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
			api.WithWorkerStats(pool.Stats),
			api.WithMetrics(collector, cfg.Monitoring.LookbackWindowHours),
		)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, fmt.Sprintf(":%d", port))
		})
		if !serveNoMonitor {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		if !serveNoWorkers {
			g.Go(func() error {
				return pool.Run(gctx)
			})
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "serve the API without processing jobs")
	serveCmd.Flags().BoolVar(&serveNoMonitor, "no-monitor", false, "disable the periodic ledger health check")
	rootCmd.AddCommand(serveCmd)
}
