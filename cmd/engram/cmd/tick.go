package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTickCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Advance the project's logical clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			var last int64
			for i := 0; i < n; i++ {
				tick, err := eng.AdvanceTick(cmd.Context(), projectID)
				if err != nil {
					return err
				}
				last = int64(tick)
			}
			fmt.Println(last)
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 1, "number of ticks to advance")
	return cmd
}

func newDecayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decay",
		Short: "Run a decay pass if the interval has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			ran, err := eng.DecayTick(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			if !ran {
				fmt.Println("decay interval not reached, skipped")
				return nil
			}
			fmt.Println("decay pass complete")
			return nil
		},
	}
}

func newMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run consolidation, archival, and tombstone compaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := eng.MaintenanceTick(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			if !report.Ran {
				fmt.Println("maintenance interval not reached, skipped")
				return nil
			}
			fmt.Printf("consolidated=%d archived=%d compacted=%d\n",
				report.Consolidated, report.Archived, report.Compacted)
			return nil
		},
	}
}
