package cli

import (
	"github.com/spf13/cobra"

	"github.com/git-pkgs/pkgcache/installer"
)

func (c *CLI) uninstallCommand() *cobra.Command {
	var (
		global bool
		purge  bool
	)

	cmd := &cobra.Command{
		Use:     "uninstall <package>...",
		Aliases: []string{"remove", "rm", "un"},
		Short:   "Uninstall packages",
		Long: `Run the installer's uninstall for each package. With --purge every cached
version of the package is also removed from the store and the manifest.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			refs, err := parseRefs(args)
			if err != nil {
				return err
			}
			names := make([]string, len(refs))
			for i, ref := range refs {
				names[i] = ref.Name
			}

			opts := installer.Options{Global: global, Silent: c.silent}
			if err := c.newInstaller().Uninstall(ctx, names, opts); err != nil {
				return err
			}
			printSuccess(c.out(), "Uninstalled %s", pluralize(len(names), "package"))

			if !purge {
				return nil
			}

			cache, err := c.openCache()
			if err != nil {
				return err
			}
			defer c.logStats(cache)

			total := 0
			for _, name := range names {
				n, err := cache.Remove(ctx, name)
				if err != nil {
					return err
				}
				total += n
			}
			printSuccess(c.out(), "Purged %s from the cache", pluralize(total, "artifact"))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&global, "global", "g", false, "uninstall from the global prefix")
	cmd.Flags().BoolVar(&purge, "purge", false, "also remove cached tarballs")
	return cmd
}
