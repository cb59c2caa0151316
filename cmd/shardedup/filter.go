package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/shardedup/filter"
	"github.com/hupe1980/shardedup/flagstore"
	"github.com/hupe1980/shardedup/manifest"
)

var (
	filterSrc      string
	filterDup      string
	filterRewrites []string
	filterTest     bool
	filterOutput   string
)

var filterCmd = &cobra.Command{
	Use:   "filter -s SRC -d DUP",
	Short: "Stream the non-duplicate documents of one shard",
	Long: `Read the manifest (-s) and flag file (-d) of a shard, open every
content source in manifest order and write the lines still flagged
active to stdout (or -o). Rewrite rules (-r PATTERN:REPL) translate
manifest source identifiers into content locations. With -t, only
verify that every resolved source exists.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}

		m, err := manifest.Load(filterSrc)
		if err != nil {
			return err
		}
		v, err := flagstore.OpenView(filterDup)
		if err != nil {
			return err
		}
		defer v.Close()

		rewrites, err := filter.ParseRewrites(filterRewrites)
		if err != nil {
			return err
		}

		p := &filter.Pipeline{
			Manifest: m,
			Flags:    v,
			Rewrites: rewrites,
			Logger:   log,
		}

		if filterTest {
			return p.Test(cmd.Context())
		}

		out := os.Stdout
		if filterOutput != "" {
			f, err := os.Create(filterOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		stats, err := p.Run(cmd.Context(), out)
		if err != nil {
			return err
		}
		log.Info("filter complete",
			"sources", stats.Sources,
			"lines_read", stats.LinesRead,
			"lines_emitted", stats.LinesEmitted,
		)
		if filterOutput != "" {
			return out.Sync()
		}
		return nil
	},
}

func init() {
	filterCmd.Flags().StringVarP(&filterSrc, "src", "s", "", "manifest file (.src)")
	filterCmd.Flags().StringVarP(&filterDup, "dup", "d", "", "flag file (.dup)")
	filterCmd.Flags().StringArrayVarP(&filterRewrites, "rewrite", "r", nil, "source rewrite rule PATTERN:REPL (repeatable)")
	filterCmd.Flags().BoolVarP(&filterTest, "test", "t", false, "only verify that every source exists")
	filterCmd.Flags().StringVarP(&filterOutput, "output", "o", "", "output file (default stdout)")

	_ = filterCmd.MarkFlagRequired("src")
	_ = filterCmd.MarkFlagRequired("dup")
}
