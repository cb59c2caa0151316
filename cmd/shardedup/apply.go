package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/shardedup/filter"
	"github.com/hupe1980/shardedup/flagstore"
	"github.com/hupe1980/shardedup/manifest"
)

var (
	applyFlags   string
	applySrc     string
	applyStrip   bool
	applyVerbose bool
)

var applyCmd = &cobra.Command{
	Use:   "apply -f FLAG [-s SRC TARGET]",
	Short: "Filter a content stream on stdin against a flag file",
	Long: `Copy the lines of stdin still flagged active to stdout.

Without -s, stdin must hold the whole shard: exactly as many lines as
the flag file has flags. With -s SRC and a TARGET argument, stdin holds
only the lines of the TARGET source named in the manifest; its flag
window is located via the manifest offsets. With -d, TARGET is compared
against source basenames.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}

		v, err := flagstore.OpenView(applyFlags)
		if err != nil {
			return err
		}
		defer v.Close()

		var stats *filter.Stats
		if applySrc != "" {
			if len(args) != 1 {
				return cmd.Usage()
			}
			m, err := manifest.Load(applySrc)
			if err != nil {
				return err
			}
			start, n, err := filter.Window(m, v, args[0], applyStrip)
			if err != nil {
				return err
			}
			stats, err = filter.ApplyRange(v, start, n, os.Stdin, os.Stdout)
			if err != nil {
				return err
			}
		} else {
			stats, err = filter.ApplyWhole(v, os.Stdin, os.Stdout)
			if err != nil {
				return err
			}
		}

		if applyVerbose {
			log.Info("apply complete",
				"lines_read", stats.LinesRead,
				"lines_emitted", stats.LinesEmitted,
			)
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().StringVarP(&applyFlags, "flags", "f", "", "flag file (.dup)")
	applyCmd.Flags().StringVarP(&applySrc, "src", "s", "", "manifest file for single-target mode")
	applyCmd.Flags().BoolVarP(&applyStrip, "strip", "d", false, "match TARGET against source basenames")
	applyCmd.Flags().BoolVarP(&applyVerbose, "verbose", "v", false, "log line counts on completion")

	_ = applyCmd.MarkFlagRequired("flags")
}
