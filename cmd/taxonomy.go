package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/mapping"
	"github.com/sells-group/evidence-pipeline/internal/pipeline"
)

var taxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "Manage the regulatory taxonomy",
}

var (
	importName    string
	importVersion string
	importOut     string
)

var taxonomyImportCmd = &cobra.Command{
	Use:   "import <file.xlsx>",
	Short: "Convert a requirements spreadsheet into a taxonomy file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tax, err := mapping.ImportXLSX(args[0], importName, importVersion)
		if err != nil {
			return err
		}
		// Check the result loads the same way the mapping engine will.
		if _, err := mapping.NewEngine(tax, cfg.Taxonomy.MinConfidence); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if importOut != "" {
			f, err := os.Create(importOut)
			if err != nil {
				return eris.Wrap(err, "create taxonomy file")
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		if err := tax.WriteYAML(w); err != nil {
			return err
		}
		zap.L().Info("taxonomy imported",
			zap.String("name", tax.Name),
			zap.String("version", tax.Version),
			zap.Int("requirements", len(tax.Requirements)),
		)
		return nil
	},
}

var (
	remapJobID string
	remapForce bool
)

var taxonomyRemapCmd = &cobra.Command{
	Use:   "remap",
	Short: "Recompute mappings of completed jobs against the configured taxonomy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, "taxonomy", false)
		if err != nil {
			return err
		}
		defer env.Close()

		if remapJobID != "" {
			res, err := env.Engine.Remap(ctx, remapJobID, remapForce)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), []pipeline.RemapResult{*res})
		}
		results, err := env.Engine.RemapAll(ctx, remapForce)
		if perr := printJSON(cmd.OutOrStdout(), results); perr != nil && err == nil {
			err = perr
		}
		return err
	},
}

func init() {
	taxonomyImportCmd.Flags().StringVar(&importName, "name", "", "taxonomy name")
	taxonomyImportCmd.Flags().StringVar(&importVersion, "version", "", "taxonomy version")
	taxonomyImportCmd.Flags().StringVarP(&importOut, "out", "o", "", "write to this file instead of stdout")
	_ = taxonomyImportCmd.MarkFlagRequired("name")
	_ = taxonomyImportCmd.MarkFlagRequired("version")

	taxonomyRemapCmd.Flags().StringVar(&remapJobID, "job", "", "remap only this job")
	taxonomyRemapCmd.Flags().BoolVar(&remapForce, "force", false, "remap jobs already at the current version")

	taxonomyCmd.AddCommand(taxonomyImportCmd, taxonomyRemapCmd)
	rootCmd.AddCommand(taxonomyCmd)
}
