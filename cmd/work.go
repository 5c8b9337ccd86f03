package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/worker"
)

var (
	workPoolSize int
	workDrain    bool
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Process queued jobs with a worker pool",
	Long: "Claims queued jobs and jobs whose lease expired, and runs each from its checkpoint. " +
		"With --drain the command exits once nothing is claimable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "work", true)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := worker.FromConfig(cfg.Worker)
		if workPoolSize > 0 {
			opts.Size = workPoolSize
		}
		pool := worker.New(env.Store, env.Engine, opts)

		if workDrain {
			for ctx.Err() == nil {
				worked, err := pool.RunOnce(ctx)
				if err != nil {
					return err
				}
				if !worked {
					break
				}
			}
			s := pool.Stats()
			zap.L().Info("queue drained",
				zap.Int64("completed", s.Completed),
				zap.Int64("failed", s.Failed),
				zap.Int64("cancelled", s.Cancelled),
			)
			return printJSON(cmd.OutOrStdout(), s)
		}
		return pool.Run(ctx)
	},
}

func init() {
	workCmd.Flags().IntVar(&workPoolSize, "pool-size", 0, "concurrent jobs (default from config)")
	workCmd.Flags().BoolVar(&workDrain, "drain", false, "process jobs one at a time until the queue is empty, then exit")
	rootCmd.AddCommand(workCmd)
}
