package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/shardedup/eval"
)

var (
	evalPredSuffix  string
	evalTruthSuffix string
)

var evalCmd = &cobra.Command{
	Use:   "eval SHARD...",
	Short: "Score predicted flag files against a ground truth",
	Long: `For each shard basename, compare SHARD plus the predicted suffix
against SHARD plus the ground-truth suffix and report precision, recall
and F1, per shard and pooled.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs := make(map[string][2]string, len(args))
		for _, shard := range args {
			pairs[shard] = [2]string{shard + evalPredSuffix, shard + evalTruthSuffix}
		}

		reports, agg, err := eval.CompareShards(pairs)
		if err != nil {
			return err
		}
		for _, r := range reports {
			fmt.Printf("%s\t%s\n", r.Shard, r.Report)
		}
		fmt.Printf("pooled\t%s\n", agg)
		return nil
	},
}

func init() {
	evalCmd.Flags().StringVarP(&evalPredSuffix, "pred", "p", ".dup", "predicted flag file suffix")
	evalCmd.Flags().StringVarP(&evalTruthSuffix, "truth", "g", ".truth", "ground-truth flag file suffix")
}
