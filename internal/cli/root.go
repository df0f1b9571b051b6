// Package cli implements the memod command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "memod",
	Short: "Shared long-term memory for cooperating AI agents",
	Long: "Memod is a memory substrate shared by a fleet of AI agents: an append-only\n" +
		"memory log, a semantic search index, and an admission-control gateway that\n" +
		"weighs every memory by the authority of its type.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.memod)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(statsCmd)
}
