package main

import (
	"os/user"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/review"
	"github.com/sells-group/evidence-pipeline/internal/store"
	"github.com/sells-group/evidence-pipeline/pkg/notion"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the human review queue",
}

var (
	reviewJobID string
	reviewAll   bool
	reviewLimit int
)

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review items",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.ValidateMode("review"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		items, err := review.New(st).List(ctx, store.ReviewFilter{
			JobID:    reviewJobID,
			OpenOnly: !reviewAll,
			Limit:    reviewLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), items)
	},
}

var (
	resolveAs       string
	resolveValue    string
	resolveReviewer string
)

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve <review-id>",
	Short: "Accept, correct or reject a review item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.ValidateMode("review"); err != nil {
			return err
		}
		resolution := model.Resolution(resolveAs)
		if !resolution.Valid() {
			return eris.Errorf("--as must be accept, correct or reject, got %q", resolveAs)
		}
		reviewer := resolveReviewer
		if reviewer == "" {
			if u, err := user.Current(); err == nil {
				reviewer = u.Username
			}
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		item, err := review.New(st).Resolve(ctx, args[0], resolution, resolveValue, reviewer)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), item)
	},
}

var reviewSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror open items to Notion and apply the decisions recorded there",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.ValidateMode("review-sync"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sink := review.NewNotionSink(notion.NewClient(cfg.Notion.Token), cfg.Notion.ReviewDB, st, review.New(st))
		res, err := sink.Sync(ctx)
		if res != nil {
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil && err == nil {
				err = perr
			}
		}
		return err
	},
}

func init() {
	reviewListCmd.Flags().StringVar(&reviewJobID, "job", "", "only items for this job")
	reviewListCmd.Flags().BoolVar(&reviewAll, "all", false, "include resolved items")
	reviewListCmd.Flags().IntVar(&reviewLimit, "limit", 100, "max items to list")

	reviewResolveCmd.Flags().StringVar(&resolveAs, "as", "", "accept, correct or reject")
	reviewResolveCmd.Flags().StringVar(&resolveValue, "value", "", "corrected value (required with --as correct)")
	reviewResolveCmd.Flags().StringVar(&resolveReviewer, "reviewer", "", "reviewer name (default: current user)")
	_ = reviewResolveCmd.MarkFlagRequired("as")

	reviewCmd.AddCommand(reviewListCmd, reviewResolveCmd, reviewSyncCmd)
	rootCmd.AddCommand(reviewCmd)
}
