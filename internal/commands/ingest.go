package commands

import (
	"github.com/spf13/cobra"

	"github.com/Capmap-core-v1/server/internal/ingest"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

var ingestSheets string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load the Google Sheets exports into Postgres",
	Long: `Downloads each configured sheet tab as CSV and replaces the matching table.
Cells reading "NO DATA" become NULL; date and money columns are cast afterwards.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		list := cfg.Ingest.Sheets
		if ingestSheets != "" {
			list = ingestSheets
		}
		sheets, err := ingest.ParseSheets(list)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		pool, err := cfg.Postgres.New(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		loader := ingest.NewLoader(pool, ingest.HTTPFetcher{Timeout: cfg.Ingest.Timeout}, cfg.Ingest.SheetsBaseURL)
		if err := loader.Load(ctx, sheets); err != nil {
			return err
		}
		logx.Info().Int("tables", len(sheets)).Msg("Ingest complete")
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSheets, "sheets", "", "table=sheetID[:gid] list (overrides INGEST_SHEETS)")
}
