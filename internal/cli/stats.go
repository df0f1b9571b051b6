package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/originos/memod/internal/memlog"
	"github.com/originos/memod/internal/registry"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory and registry totals",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.close()

	reg, err := registry.New(st.db)
	if err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}

	fmt.Printf("memories: %d\n", st.log.Len())
	counts := st.log.CountByType()
	for _, t := range memlog.AllTypes {
		if n := counts[t]; n > 0 {
			fmt.Printf("  %-12s %4d  (authority %d)\n", t, n, memlog.RequiredAuthority(t))
		}
	}
	if sync := st.log.LastSync(); sync != "" {
		fmt.Printf("last sync: %s\n", sync)
	}

	fmt.Printf("agents: %d\n", reg.Count())
	for _, a := range reg.List() {
		fmt.Printf("  %-20s max_authority=%d reads=%d writes=%d\n",
			a.AgentID, a.MaxAuthority, a.TotalReads, a.TotalWrites)
	}
	return nil
}
