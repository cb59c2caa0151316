package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/shardedup"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "shardedup",
	Short: "Cross-shard near-duplicate flag merging and application",
	Long: `shardedup merges per-shard duplicate detection results into a
globally consistent set of flag files, round by round, and applies the
finalized flags to the corpus content.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func newLogger() (*shardedup.Logger, error) {
	level, err := shardedup.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	return shardedup.NewTextLogger(os.Stderr, level), nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info",
		"log level (off, debug, info, warn, error)")

	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(filterCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(curveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(evalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
