package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/engramkit/engram/internal/search"
)

func newQueryCmd() *cobra.Command {
	var (
		k             int
		minSimilarity float64
		route         string
		historical    bool
		embeddingFile string
		goalID        string
		taskID        string
		phase         string
		skillArea     string
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run a retrieval query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := args[0]

			var queryVec []float32
			if embeddingFile != "" {
				var err error
				if queryVec, err = readEmbedding(embeddingFile); err != nil {
					return err
				}
			}

			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			rctx := search.RetrievalContext{
				GoalID:    goalID,
				TaskID:    taskID,
				Phase:     phase,
				SkillArea: skillArea,
				Query:     query,
			}
			opts := search.Options{
				K:             k,
				MinSimilarity: minSimilarity,
				Route:         search.Route(route),
				Historical:    historical,
			}

			result, err := eng.Query(cmd.Context(), projectID, query, queryVec, rctx, opts)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "limit", "k", 10, "maximum results")
	cmd.Flags().Float64Var(&minSimilarity, "min-similarity", 0, "semantic candidate floor (0 = config default)")
	cmd.Flags().StringVar(&route, "route", "", "force a route (operational|lookup|exploration|connection|hybrid)")
	cmd.Flags().BoolVar(&historical, "historical", false, "include expired chunks")
	cmd.Flags().StringVar(&embeddingFile, "embedding", "", "query embedding JSON array: file path or - for stdin")
	cmd.Flags().StringVar(&goalID, "goal", "", "current goal id")
	cmd.Flags().StringVar(&taskID, "task", "", "current task id")
	cmd.Flags().StringVar(&phase, "phase", "", "current phase")
	cmd.Flags().StringVar(&skillArea, "skill-area", "", "current skill area")
	return cmd
}

func printResult(result *search.Result) {
	if result.Deferred {
		fmt.Printf("route=%s deferred to the working layer\n", result.Route)
		return
	}
	pretty := isatty.IsTerminal(os.Stdout.Fd())
	for _, w := range result.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	if len(result.Chunks) == 0 {
		fmt.Println("no results")
		return
	}
	for i, sc := range result.Chunks {
		flags := ""
		if sc.Contradicted {
			flags = " [contradicted]"
		}
		if pretty {
			fmt.Printf("%2d. %.4f  %s%s\n    %s\n", i+1, sc.Score, sc.Chunk.ID, flags, firstLine(sc.Chunk.Payload))
		} else {
			fmt.Printf("%s\t%.4f%s\n", sc.Chunk.ID, sc.Score, flags)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxLen = 96
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}
