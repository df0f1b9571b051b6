package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the semantic index and warm the embedding cache",
	RunE:  runRebuild,
}

func runRebuild(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	start := time.Now()
	snap, err := st.ix.ForceRebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	cached, err := st.db.CountEmbeddings(st.ix.EmbedderModel())
	if err != nil {
		return fmt.Errorf("count cached embeddings: %w", err)
	}
	fmt.Printf("indexed %d records in %s (%d embeddings cached for %s)\n",
		snap.Len(), time.Since(start).Round(time.Millisecond), cached, st.ix.EmbedderModel())
	return nil
}
