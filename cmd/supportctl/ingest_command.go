package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashureev/rag-support/internal/ingest"
	"github.com/ashureev/rag-support/internal/provider"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var (
		dir       string
		chunkSize int
		overlap   int
		batchSize int
		recreate  bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Chunk, embed and index support documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			embedder := provider.NewEmbeddingClient(cfg.Embedding)
			vectors := provider.NewVectorClient(cfg.VectorDB)
			defer func() {
				if err := vectors.Close(); err != nil {
					slog.Warn("Failed to close vector client", "error", err)
				}
			}()

			n, err := ingest.Run(cmd.Context(), dir, embedder, vectors, ingest.Options{
				ChunkSize:  chunkSize,
				Overlap:    overlap,
				BatchSize:  batchSize,
				Dimensions: cfg.Embedding.Dimensions,
				Recreate:   recreate,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Upserted %d vectors into %s\n", n, cfg.VectorDB.Collection)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "data", "Directory of documents to ingest")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", ingest.DefaultChunkSize, "Words per chunk")
	cmd.Flags().IntVar(&overlap, "overlap", ingest.DefaultOverlap, "Words shared by consecutive chunks")
	cmd.Flags().IntVar(&batchSize, "batch-size", ingest.DefaultBatchSize, "Chunks per embedding request")
	cmd.Flags().BoolVar(&recreate, "recreate", true, "Drop and recreate the collection first")

	return cmd
}
