package cli

import (
	"github.com/spf13/cobra"
)

func (c *CLI) cleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Drop stale manifest entries and orphaned files",
		Long: `Verify every manifest entry against its stored tarball, drop entries whose
file is missing or corrupt, delete stored files that no entry points at and
remove abandoned partial downloads.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromContext(cmd.Context())

			cache, err := c.openCache()
			if err != nil {
				return err
			}
			defer c.logStats(cache)

			prog := newProgress(logger)
			report, err := cache.Clean(cmd.Context())
			if err != nil {
				return err
			}
			prog.done("Cleaned cache")

			removed := report.Dangling + report.Orphans + report.StaleTemps
			if removed == 0 {
				printSuccess(c.out(), "Cache is consistent (%s checked)", pluralize(report.Checked, "entry"))
				return nil
			}
			if report.Dangling > 0 {
				printWarning(c.out(), "Dropped %s with missing or corrupt files", pluralize(report.Dangling, "entry"))
			}
			printSuccess(c.out(), "Removed %s and %s",
				pluralize(report.Orphans, "orphaned file"), pluralize(report.StaleTemps, "partial download"))
			printDetail(c.out(), "Freed %s", formatSize(report.Freed))
			return nil
		},
	}
}
