package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/shardedup/internal/fs"
	"github.com/hupe1980/shardedup/ledger"
	"github.com/hupe1980/shardedup/merge"
)

var (
	mergeStart       int
	mergeEnd         int
	mergeOutput      string
	mergeLedgerDir   string
	mergeCompress    bool
	mergeKeepIndexes bool
	mergeParallel    int
)

var mergeCmd = &cobra.Command{
	Use:   "merge [flags] SHARD...",
	Short: "Run merge rounds over a set of shard basenames",
	Long: `Run the merge rounds [start, end) over the given shard basenames.
Each shard basename must have a manifest (SHARD.src), a flag file
(SHARD.dup) and one bucket index per round (SHARD.idx.NNNNN).
Completed rounds are recorded in the ledger and skipped on re-runs.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		if mergeEnd <= mergeStart {
			return fmt.Errorf("end round %d must be greater than start round %d", mergeEnd, mergeStart)
		}

		shards, err := merge.OpenShards(fs.Default, args)
		if err != nil {
			return err
		}

		led, err := ledger.NewFileLedger(fs.Default, mergeLedgerDir)
		if err != nil {
			return err
		}

		eng, err := merge.NewEngine(shards, merge.Config{
			Ledger:      led,
			OutputBase:  mergeOutput,
			Compress:    mergeCompress,
			KeepIndexes: mergeKeepIndexes,
			Parallel:    mergeParallel,
			Logger:      log,
		})
		if err != nil {
			return err
		}

		stats, err := eng.Run(cmd.Context(), mergeStart, mergeEnd)
		if err != nil {
			return err
		}

		var detected uint64
		skipped := 0
		for _, st := range stats {
			if st.Skipped {
				skipped++
				continue
			}
			detected += st.Detected
		}
		log.Info("merge complete",
			"rounds", len(stats),
			"skipped", skipped,
			"num_detected", detected,
		)
		return nil
	},
}

func init() {
	mergeCmd.Flags().IntVarP(&mergeStart, "start", "s", 0, "first round (bucket number)")
	mergeCmd.Flags().IntVarP(&mergeEnd, "end", "e", 0, "one past the last round")
	mergeCmd.Flags().StringVarP(&mergeOutput, "output", "o", "", "basename for merged survivor indexes (omit to skip)")
	mergeCmd.Flags().StringVar(&mergeLedgerDir, "ledger", ".", "directory holding the round ledger")
	mergeCmd.Flags().BoolVar(&mergeCompress, "compress", false, "lz4-compress merged indexes")
	mergeCmd.Flags().BoolVar(&mergeKeepIndexes, "keep-indexes", false, "do not delete consumed bucket indexes")
	mergeCmd.Flags().IntVar(&mergeParallel, "parallel", 0, "concurrent index loads (0 = GOMAXPROCS)")

	_ = mergeCmd.MarkFlagRequired("end")
}
