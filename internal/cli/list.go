package cli

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/git-pkgs/pkgcache"
	"github.com/git-pkgs/pkgcache/ledger"
)

func (c *CLI) listCommand() *cobra.Command {
	var purl bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cached packages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lg := ledger.Open(c.cfg.ManifestPath(), ledger.WithLogger(c.logger))
			entries := lg.Entries()
			sortEntries(entries)

			if len(entries) == 0 {
				printInfo(c.out(), "Cache is empty")
				return nil
			}

			for _, e := range entries {
				if purl {
					fmt.Fprintln(c.stdout, e.Ref().PURL())
					continue
				}
				line := formatRef(e.Name, e.Version)
				if e.License != "" {
					line += "  " + styleDim.Render(e.License)
				}
				if e.Size > 0 {
					line += "  " + styleDim.Render(formatSize(e.Size))
				}
				fmt.Fprintln(c.stdout, line)
				printDetail(c.stdout, "%s %s", iconArrow, e.Path)
			}
			if !purl {
				printInfo(c.out(), "%s in %s", pluralize(len(entries), "artifact"), c.cfg.CacheDir)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&purl, "purl", false, "print package URLs only")
	return cmd
}

// sortEntries orders by name, then by semantic version. Versions that do not
// parse sort after the ones that do, lexically.
func sortEntries(entries []pkgcache.Entry) {
	slices.SortFunc(entries, func(a, b pkgcache.Entry) int {
		if n := cmp.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		va, errA := semver.NewVersion(a.Version)
		vb, errB := semver.NewVersion(b.Version)
		switch {
		case errA == nil && errB == nil:
			return va.Compare(vb)
		case errA == nil:
			return -1
		case errB == nil:
			return 1
		}
		return cmp.Compare(a.Version, b.Version)
	})
}
