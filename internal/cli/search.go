package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/originos/memod/internal/memlog"
	"github.com/originos/memod/internal/rank"
)

var (
	searchTopK         int
	searchType         string
	searchMinAuthority int
	searchAsContext    bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories from the command line",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "n", 5, "number of results")
	searchCmd.Flags().StringVarP(&searchType, "type", "t", "", "filter by memory type")
	searchCmd.Flags().IntVarP(&searchMinAuthority, "min-authority", "a", 0, "minimum authority level")
	searchCmd.Flags().BoolVar(&searchAsContext, "context", false, "print as an injectable context block")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	if searchType != "" && !memlog.ValidType(memlog.Type(searchType)) {
		return fmt.Errorf("unknown memory type %q", searchType)
	}

	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.close()

	if st.log.Len() == 0 {
		fmt.Println("No memories stored yet.")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	if _, err := st.ix.ForceRebuild(ctx); err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	filtered := searchType != "" || searchMinAuthority > 0
	results, err := st.ix.Search(ctx, query, rank.CandidateCount(searchTopK, filtered))
	if err != nil {
		return err
	}
	results = rank.Filter(results, searchType, searchMinAuthority)
	rank.Order(results)
	if len(results) > searchTopK {
		results = results[:searchTopK]
	}

	if searchAsContext {
		fmt.Println(rank.AssembleContext(results, 2000*rank.CharsPerToken))
		return nil
	}
	fmt.Print(rank.FormatResults(results))
	return nil
}
