package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/engramkit/engram/internal/engine"
	"github.com/engramkit/engram/internal/search"
	"github.com/engramkit/engram/internal/store"
)

func newIngestCmd() *cobra.Command {
	var (
		kind          string
		confidence    string
		source        string
		tags          []string
		polarity      int
		supersedes    string
		pinned        bool
		validUntil    int64
		embeddingFile string
		goalID        string
		taskID        string
		phase         string
		skillArea     string
	)

	cmd := &cobra.Command{
		Use:   "ingest [payload]",
		Short: "Ingest a knowledge chunk",
		Long: `Ingest stores one chunk. The payload comes from the argument or stdin;
the embedding comes from --embedding (a JSON array of floats, file path or
"-" for stdin). Embeddings are produced outside the engine.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(args)
			if err != nil {
				return err
			}
			embedding, err := readEmbedding(embeddingFile)
			if err != nil {
				return err
			}

			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			in := engine.IngestInput{
				Payload:    payload,
				Embedding:  embedding,
				Kind:       store.Kind(kind),
				Confidence: store.Confidence(confidence),
				Source:     store.Source(source),
				Tags:       tags,
				Polarity:   polarity,
				Supersedes: supersedes,
				Pinned:     pinned,
				Context: search.RetrievalContext{
					GoalID:    goalID,
					TaskID:    taskID,
					Phase:     phase,
					SkillArea: skillArea,
				},
			}
			if validUntil > 0 {
				t := store.Tick(validUntil)
				in.ValidUntil = &t
			}

			res, err := eng.Ingest(cmd.Context(), projectID, in)
			if err != nil {
				return err
			}
			if res.Deduplicated {
				fmt.Printf("duplicate of %s\n", res.ChunkID)
				return nil
			}
			fmt.Println(res.ChunkID)
			for _, c := range res.Contradictions {
				fmt.Fprintf(os.Stderr, "contradiction detected with %s (confidence %.2f)\n", c.ChunkB, c.Confidence)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "research", "chunk kind (research|insight|decision|resource|attempt|user_input)")
	cmd.Flags().StringVar(&confidence, "confidence", "inferred", "confidence (verified|inferred|speculative)")
	cmd.Flags().StringVar(&source, "source", "research", "source (research|user|deduction|experiment)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().IntVar(&polarity, "polarity", 0, "payload polarity for contradiction detection (+1, -1, 0)")
	cmd.Flags().StringVar(&supersedes, "supersedes", "", "chunk id this one replaces")
	cmd.Flags().BoolVar(&pinned, "pin", false, "pin the chunk against decay")
	cmd.Flags().Int64Var(&validUntil, "valid-until", 0, "tick after which the chunk expires")
	cmd.Flags().StringVar(&embeddingFile, "embedding", "-", "embedding JSON array: file path or - for stdin")
	cmd.Flags().StringVar(&goalID, "goal", "", "current goal id for the learning context")
	cmd.Flags().StringVar(&taskID, "task", "", "current task id for the learning context")
	cmd.Flags().StringVar(&phase, "phase", "", "current phase for the learning context")
	cmd.Flags().StringVar(&skillArea, "skill-area", "", "current skill area for the learning context")
	return cmd
}

func readPayload(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read payload from stdin: %w", err)
	}
	return string(data), nil
}

func readEmbedding(src string) ([]float32, error) {
	var data []byte
	var err error
	if src == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return nil, fmt.Errorf("read embedding: %w", err)
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("parse embedding: %w", err)
	}
	return vec, nil
}
