package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/fetcher"
	"github.com/sells-group/evidence-pipeline/internal/model"
)

var (
	runLocator  string
	runTypeHint string
)

var runCmd = &cobra.Command{
	Use:   "run [job-id]",
	Short: "Process one job in the foreground",
	Long:  "Claims the given job, or a new one created from --locator, and runs it from its checkpoint to completion.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if (len(args) == 0) == (runLocator == "") {
			return eris.New("pass either a job id or --locator")
		}

		env, err := initPipeline(ctx, "run", true)
		if err != nil {
			return err
		}
		defer env.Close()

		var jobID string
		if len(args) == 1 {
			jobID = args[0]
		} else {
			if err := fetcher.Validate(runLocator); err != nil {
				return err
			}
			job, err := env.Store.CreateJob(ctx, model.DocumentRef{Locator: runLocator, TypeHint: runTypeHint})
			if err != nil {
				return eris.Wrap(err, "create job")
			}
			jobID = job.ID
		}

		job, runErr := env.Engine.Run(ctx, jobID)
		if job == nil {
			return runErr
		}
		if runErr != nil {
			zap.L().Warn("job stopped", zap.String("job_id", jobID), zap.Error(runErr))
		}
		view, err := loadJobView(ctx, env.Store, job.ID, true)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), view); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().StringVar(&runLocator, "locator", "", "create and run a job for this document")
	runCmd.Flags().StringVar(&runTypeHint, "type-hint", "", "expected document subtype")
	rootCmd.AddCommand(runCmd)
}
