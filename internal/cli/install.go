package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/git-pkgs/pkgcache"
	"github.com/git-pkgs/pkgcache/installer"
)

type installFlags struct {
	global         bool
	force          bool
	legacyPeerDeps bool
}

func (f *installFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.global, "global", "g", false, "install into the global prefix")
	cmd.Flags().BoolVarP(&f.force, "force", "f", false, "refresh registry metadata and pass --force to the installer")
	cmd.Flags().BoolVar(&f.legacyPeerDeps, "legacy-peer-deps", false, "pass --legacy-peer-deps to the installer")
}

func (c *CLI) installOptions(f installFlags) installer.Options {
	return installer.Options{
		Global:         f.global,
		Force:          f.force,
		LegacyPeerDeps: f.legacyPeerDeps,
		Silent:         c.silent,
	}
}

func (c *CLI) installCommand() *cobra.Command {
	var flags installFlags

	cmd := &cobra.Command{
		Use:     "install [package[@version]...]",
		Aliases: []string{"i", "add"},
		Short:   "Cache packages and install them from their tarballs",
		Long: `Resolve each package against the registry, download and verify any tarball
that is not already cached, then install the cached tarballs.

With no arguments the installer runs on the current project.`,
		Example: `  pkgcache install lodash
  pkgcache install @babel/core@7.24.0 react@latest
  pkgcache install -g typescript`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := c.installOptions(flags)

			if len(args) == 0 {
				printInfo(c.out(), "Installing project dependencies")
				if err := c.newInstaller().Install(ctx, nil, opts); err != nil {
					return err
				}
				printSuccess(c.out(), "Installed project dependencies")
				return nil
			}

			refs, err := parseRefs(args)
			if err != nil {
				return err
			}
			return c.acquireAndInstall(cmd, refs, flags.force, opts)
		},
	}
	flags.register(cmd)
	return cmd
}

// acquireAndInstall caches refs and installs the resulting tarballs.
func (c *CLI) acquireAndInstall(cmd *cobra.Command, refs []pkgcache.Ref, forceRefresh bool, opts installer.Options) error {
	ctx := cmd.Context()
	logger := loggerFromContext(ctx)

	cache, err := c.openCache()
	if err != nil {
		return err
	}
	defer c.logStats(cache)

	prog := newProgress(logger)
	results, err := cache.AcquireAll(ctx, refs, forceRefresh)
	if err != nil {
		return err
	}
	prog.done("Acquired " + pluralize(len(results), "package"))

	paths := make([]string, len(results))
	for i, res := range results {
		paths[i] = res.Path
		printInfo(c.out(), "%s %s", formatRef(res.Ref.Name, res.Ref.Version), cacheLabel(res.Cached))
		printDetail(c.out(), "%s %s", iconArrow, res.Path)
	}

	if err := c.newInstaller().Install(ctx, paths, opts); err != nil {
		return err
	}
	printSuccess(c.out(), "Installed %s", pluralize(len(results), "package"))
	return nil
}

func (c *CLI) updateCommand() *cobra.Command {
	var flags installFlags

	cmd := &cobra.Command{
		Use:     "update [package...]",
		Aliases: []string{"up", "upgrade"},
		Short:   "Update packages to their latest versions",
		Long: `Re-resolve each package's latest version against the registry, cache the new
tarball and install it.

With no arguments the installer updates the current project.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := c.installOptions(flags)

			if len(args) == 0 {
				printInfo(c.out(), "Updating project dependencies")
				if err := c.newInstaller().Update(ctx, nil, opts); err != nil {
					return err
				}
				printSuccess(c.out(), "Updated project dependencies")
				return nil
			}

			refs, err := parseRefs(args)
			if err != nil {
				return err
			}
			for i := range refs {
				refs[i].Version = pkgcache.Latest
			}
			return c.acquireAndInstall(cmd, refs, true, opts)
		},
	}
	flags.register(cmd)
	return cmd
}

func pluralize(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	if strings.HasSuffix(word, "y") {
		word = strings.TrimSuffix(word, "y") + "ie"
	}
	return fmt.Sprintf("%d %ss", n, word)
}
