package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/shardedup/lsh"
)

var (
	curveBuckets   int
	curveRows      int
	curveSamples   int
	curveThreshold float64
)

var curveCmd = &cobra.Command{
	Use:   "curve -b B -r R",
	Short: "Print the candidate-probability curve of a banding scheme",
	Long: `Print a TSV table of similarity vs candidate probability for a
detector configuration of r buckets of b hash values each. With
--threshold, also solve for the similarity at which the candidate
probability crosses the given value.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := lsh.Params{B: curveBuckets, R: curveRows}
		if err := p.Validate(); err != nil {
			return err
		}

		w := bufio.NewWriter(os.Stdout)
		fmt.Fprintf(w, "# %s\n", p)
		fmt.Fprintln(w, "similarity\tprobability")
		for _, pt := range p.Curve(curveSamples) {
			fmt.Fprintf(w, "%.4f\t%.6f\n", pt.Similarity, pt.Probability)
		}

		if curveThreshold > 0 {
			s, err := p.ThresholdSimilarity(curveThreshold)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "# p=%.4f at s=%.6f\n", curveThreshold, s)
		}
		return w.Flush()
	},
}

func init() {
	curveCmd.Flags().IntVarP(&curveBuckets, "b", "b", lsh.Loose.B, "hash values per bucket")
	curveCmd.Flags().IntVarP(&curveRows, "r", "r", lsh.Loose.R, "number of buckets")
	curveCmd.Flags().IntVarP(&curveSamples, "samples", "n", 100, "number of curve samples")
	curveCmd.Flags().Float64Var(&curveThreshold, "threshold", 0, "also solve for this candidate probability")
}
