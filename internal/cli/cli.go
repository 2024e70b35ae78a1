package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/git-pkgs/pkgcache"
	"github.com/git-pkgs/pkgcache/installer"
	"github.com/git-pkgs/pkgcache/internal/config"
)

var (
	version = "dev"
	commit  string
	date    string
)

// SetVersion sets the version information displayed by --version. It is
// called from main with values injected via ldflags.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// CLI holds state shared by every command of one invocation.
type CLI struct {
	stdout io.Writer
	stderr io.Writer

	silent   bool
	verbose  bool
	cacheDir string
	registry string

	cfg      *config.Config
	logger   *log.Logger
	logClose io.Closer

	// installer overrides the npm installer built from the config.
	installer installer.Installer
}

// New returns a CLI writing to the process's stdout and stderr.
func New() *CLI {
	return &CLI{stdout: os.Stdout, stderr: os.Stderr}
}

// Execute runs the pkgcache CLI. Failures are printed to stderr and returned
// so main can pick the exit code.
func Execute(ctx context.Context) error {
	c := New()
	err := c.run(ctx, os.Args[1:])
	if err != nil {
		printError(c.stderr, "%v", err)
	}
	return err
}

// run executes one command line. The log file is closed whether or not the
// command succeeds; cobra skips post-run hooks after an error.
func (c *CLI) run(ctx context.Context, args []string) error {
	defer c.teardown()
	root := c.Root()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// Root builds the command tree.
func (c *CLI) Root() *cobra.Command {
	root := &cobra.Command{
		Use:               "pkgcache",
		Short:             "Content-addressed npm package cache",
		Long:              `pkgcache downloads npm packages once, verifies them against the registry's integrity hashes, and installs them from the local store.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.SetVersionTemplate(fmt.Sprintf("pkgcache %s\ncommit: %s\nbuilt: %s\n", version, commit, date))

	flags := root.PersistentFlags()
	flags.BoolVarP(&c.silent, "silent", "s", false, "suppress output except errors")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")
	flags.StringVar(&c.cacheDir, "cache-dir", "", "cache directory (default $PKGCACHE_CACHE_DIR)")
	flags.StringVar(&c.registry, "registry", "", "registry base URL (default $PKGCACHE_REGISTRY)")

	root.AddCommand(c.installCommand())
	root.AddCommand(c.uninstallCommand())
	root.AddCommand(c.listCommand())
	root.AddCommand(c.updateCommand())
	root.AddCommand(c.cleanCommand())

	return root
}

func (c *CLI) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.cacheDir != "" {
		cfg.CacheDir = c.cacheDir
	}
	if c.registry != "" {
		cfg.Registry = strings.TrimSuffix(c.registry, "/")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg

	out, closer, err := logOutput(cfg, c.stderr)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	c.logClose = closer
	c.logger = newLogger(out, logLevel(cfg, c.verbose, c.silent))
	c.logger.Debug("configuration", "cache_dir", cfg.CacheDir, "registry", cfg.Registry, "timeout", cfg.Timeout)

	cmd.SetContext(withLogger(cmd.Context(), c.logger))
	return nil
}

func (c *CLI) teardown() {
	if c.logClose != nil {
		_ = c.logClose.Close()
		c.logClose = nil
	}
}

// out is where user-facing messages go; nothing is printed in silent mode.
func (c *CLI) out() io.Writer {
	if c.silent {
		return io.Discard
	}
	return c.stdout
}

func (c *CLI) openCache() (*pkgcache.Cache, error) {
	return pkgcache.Open(c.cfg.CacheDir,
		pkgcache.WithLogger(c.logger),
		pkgcache.WithRegistry(c.cfg.Registry),
		pkgcache.WithTimeout(c.cfg.Timeout),
		pkgcache.WithConcurrency(c.cfg.Concurrency),
	)
}

func (c *CLI) newInstaller() installer.Installer {
	if c.installer != nil {
		return c.installer
	}
	return installer.NewNPM(
		installer.WithBinary(c.cfg.NPMBin),
		installer.WithGlobalDir(c.cfg.GlobalDir),
		installer.WithTimeout(c.cfg.Timeout),
		installer.WithRetries(uint64(c.cfg.InstallRetries), c.cfg.RetryDelay),
		installer.WithOutput(c.stdout, c.stderr),
		installer.WithLogger(c.logger),
	)
}

// logStats reports cache activity at debug level.
func (c *CLI) logStats(cache *pkgcache.Cache) {
	s := cache.Stats()
	c.logger.Debug("cache stats", "hits", s.Hits, "misses", s.Misses, "fetches", s.Fetches, "evictions", s.Evictions)
}

// parseRefs parses every argument before any network call so one bad name
// fails the whole command up front.
func parseRefs(args []string) ([]pkgcache.Ref, error) {
	refs := make([]pkgcache.Ref, 0, len(args))
	for _, arg := range args {
		ref, err := pkgcache.ParseRef(arg)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
