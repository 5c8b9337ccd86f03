package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

// jobView is what status prints for one job.
type jobView struct {
	*model.ExtractionJob
	CompletedPhases []model.Phase           `json:"completed_phases"`
	OpenReviews     int                     `json:"open_reviews"`
	Verified        bool                    `json:"verified"`
	Entities        []model.ExtractedEntity `json:"entities,omitempty"`
	Mappings        []model.MappingRecord   `json:"mappings,omitempty"`
	Events          []model.JobEvent        `json:"events,omitempty"`
}

func loadJobView(ctx context.Context, st store.Store, id string, results bool) (*jobView, error) {
	job, err := st.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	open, err := st.OpenReviewCount(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &jobView{
		ExtractionJob:   job,
		CompletedPhases: job.CompletedPhases(),
		OpenReviews:     open,
		Verified:        job.Status == model.JobStatusCompleted && open == 0,
	}
	if results && job.Status == model.JobStatusCompleted {
		if v.Entities, err = st.ListEntities(ctx, id); err != nil {
			return nil, err
		}
		if v.Mappings, err = st.ListMappings(ctx, id, false); err != nil {
			return nil, err
		}
	}
	return v, nil
}

var (
	statusFilter  string
	statusLimit   int
	statusResults bool
	statusEvents  bool
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show one job, or list jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.ValidateMode("status"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if len(args) == 0 {
			jobs, err := st.ListJobs(ctx, store.JobFilter{Status: model.JobStatus(statusFilter), Limit: statusLimit})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		}

		v, err := loadJobView(ctx, st, args[0], statusResults)
		if err != nil {
			return err
		}
		if statusEvents {
			if v.Events, err = st.ListEvents(ctx, args[0]); err != nil {
				return err
			}
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job at its next phase boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateJob(cmd, args[0], store.Store.RequestCancel)
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Queue a failed or cancelled job to resume from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateJob(cmd, args[0], store.Store.Requeue)
	},
}

func updateJob(cmd *cobra.Command, id string, fn func(store.Store, context.Context, string) (*model.ExtractionJob, error)) error {
	ctx := cmd.Context()
	if err := cfg.ValidateMode("status"); err != nil {
		return err
	}
	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	job, err := fn(st, ctx, id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), job)
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "list only jobs in this status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "max jobs to list")
	statusCmd.Flags().BoolVar(&statusResults, "results", false, "include entities and mappings of completed jobs")
	statusCmd.Flags().BoolVar(&statusEvents, "events", false, "include the job history")
	rootCmd.AddCommand(statusCmd, cancelCmd, requeueCmd)
}
