package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newExportArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-archive",
		Short: "Export archive records as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			records, err := eng.ExportArchive(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
