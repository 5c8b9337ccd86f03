package main

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/fetcher"
	"github.com/sells-group/evidence-pipeline/internal/model"
)

var (
	submitName     string
	submitTypeHint string
	submitUpload   bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <locator>...",
	Short: "Queue documents for extraction",
	Long: "Creates one queued job per locator. With --upload each argument is read as a local file " +
		"and copied into the spool directory so workers on other hosts can reach it.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.ValidateMode("submit"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		src := fetcher.New(fetcher.FromConfig(cfg.Fetch))
		var jobs []*model.ExtractionJob
		for _, locator := range args {
			name := submitName
			if name == "" {
				name = filepath.Base(locator)
			}
			if submitUpload {
				content, err := os.ReadFile(locator)
				if err != nil {
					return eris.Wrapf(err, "read %s", locator)
				}
				if locator, err = src.Spool(name, content); err != nil {
					return err
				}
			} else if err := fetcher.Validate(locator); err != nil {
				return err
			}

			job, err := st.CreateJob(ctx, model.DocumentRef{Locator: locator, Name: name, TypeHint: submitTypeHint})
			if err != nil {
				return eris.Wrap(err, "create job")
			}
			zap.L().Info("job queued", zap.String("job_id", job.ID), zap.String("locator", locator))
			jobs = append(jobs, job)
		}
		return printJSON(cmd.OutOrStdout(), jobs)
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitName, "name", "", "document name (default: base of the locator)")
	submitCmd.Flags().StringVar(&submitTypeHint, "type-hint", "", "expected document subtype, e.g. soc2 or iso27001")
	submitCmd.Flags().BoolVar(&submitUpload, "upload", false, "copy local files into the spool directory")
	rootCmd.AddCommand(submitCmd)
}
