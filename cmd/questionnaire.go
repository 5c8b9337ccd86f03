package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-pipeline/internal/questionnaire"
)

var questionSetPath string

var questionnaireCmd = &cobra.Command{
	Use:   "questionnaire <job-id>",
	Short: "Answer a vendor questionnaire from a job's document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := questionnaire.LoadSet(questionSetPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		env, err := initPipeline(ctx, "questionnaire", true)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Engine.Answer(ctx, args[0], set)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	questionnaireCmd.Flags().StringVarP(&questionSetPath, "questions", "q", "configs/questionnaire/nis2.yaml", "question set file")
	rootCmd.AddCommand(questionnaireCmd)
}
