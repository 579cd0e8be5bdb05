package cmd

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/engramkit/engram/internal/store"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show project statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := eng.Stats(cmd.Context(), projectID)
			if err != nil {
				return err
			}

			fmt.Printf("project:        %s\n", projectID)
			fmt.Printf("current tick:   %d\n", stats.CurrentTick)
			fmt.Printf("last decay:     %d\n", stats.LastDecayTick)
			fmt.Printf("last maint:     %d\n", stats.LastConsolidation)
			fmt.Printf("dimensions:     %d\n", stats.Dimensions)
			fmt.Printf("chunks:         %s\n", humanize.Comma(int64(stats.ChunkCount)))
			fmt.Printf("relationships:  %s\n", humanize.Comma(int64(stats.RelationshipCount)))
			fmt.Printf("co-retrieval:   %s pairs\n", humanize.Comma(int64(stats.CoRetrievalPairs)))
			fmt.Printf("archived:       %s\n", humanize.Comma(int64(stats.ArchiveCount)))
			if stats.DBSizeBytes > 0 {
				fmt.Printf("database size:  %s\n", humanize.Bytes(uint64(stats.DBSizeBytes)))
			}

			statuses := make([]string, 0, len(stats.ByStatus))
			for st := range stats.ByStatus {
				statuses = append(statuses, string(st))
			}
			sort.Strings(statuses)
			for _, st := range statuses {
				fmt.Printf("  %-10s %d\n", st, stats.ByStatus[store.Status(st)])
			}
			return nil
		},
	}
}
