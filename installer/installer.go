// Package installer runs the external package installer on cached artifacts.
package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/cenk/backoff"
	"github.com/charmbracelet/log"

	"github.com/git-pkgs/pkgcache/internal/core"
)

// Options are the per-invocation installer flags.
type Options struct {
	Global         bool
	Force          bool
	LegacyPeerDeps bool
	Silent         bool
	Dir            string // working directory; empty means the current one
}

// Installer materializes packages into a project or the global prefix.
type Installer interface {
	Install(ctx context.Context, targets []string, opts Options) error
	Uninstall(ctx context.Context, names []string, opts Options) error
	Update(ctx context.Context, targets []string, opts Options) error
}

// ExecError represents a failed installer invocation. It includes the exit
// code, the argv that was run and the captured stderr.
type ExecError struct {
	Args     []string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s failed with exit code %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.TimedOut {
		msg = fmt.Sprintf("%s timed out", strings.Join(e.Args, " "))
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Is reports every ExecError as a subprocess failure.
func (e *ExecError) Is(target error) bool {
	return target == core.ErrSubprocess
}

// NPM drives the npm command line.
type NPM struct {
	bin       string
	globalDir string
	timeout   time.Duration
	retries   uint64
	delay     time.Duration
	stdout    io.Writer
	stderr    io.Writer
	logger    *log.Logger
}

// Option configures an NPM installer.
type Option func(*NPM)

// WithBinary sets the npm executable.
func WithBinary(bin string) Option {
	return func(n *NPM) {
		if bin != "" {
			n.bin = bin
		}
	}
}

// WithGlobalDir sets the prefix used for global installs.
func WithGlobalDir(dir string) Option {
	return func(n *NPM) {
		n.globalDir = dir
	}
}

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option {
	return func(n *NPM) {
		n.timeout = d
	}
}

// WithRetries sets how many times a failed invocation is repeated and the
// fixed delay between attempts.
func WithRetries(n uint64, delay time.Duration) Option {
	return func(i *NPM) {
		i.retries = n
		i.delay = delay
	}
}

// WithOutput sets where the installer's own output goes when not silent.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(n *NPM) {
		n.stdout = stdout
		n.stderr = stderr
	}
}

// WithLogger sets the installer's logger.
func WithLogger(l *log.Logger) Option {
	return func(n *NPM) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNPM creates an installer with the given options.
func NewNPM(opts ...Option) *NPM {
	n := &NPM{
		bin:     "npm",
		timeout: 60 * time.Second,
		retries: 2,
		delay:   2 * time.Second,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		logger:  log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *NPM) Install(ctx context.Context, targets []string, opts Options) error {
	return n.run(ctx, "install", targets, opts)
}

func (n *NPM) Uninstall(ctx context.Context, names []string, opts Options) error {
	if len(names) == 0 {
		return core.New(core.KindInvalidInput, "uninstall needs at least one package")
	}
	return n.run(ctx, "uninstall", names, opts)
}

func (n *NPM) Update(ctx context.Context, targets []string, opts Options) error {
	return n.run(ctx, "update", targets, opts)
}

// Args returns the argv passed to the binary, without the binary itself.
func (n *NPM) Args(command string, targets []string, opts Options) ([]string, error) {
	args := []string{command}
	if opts.Global {
		args = append(args, "--global")
		if n.globalDir != "" {
			args = append(args, "--prefix", n.globalDir)
		}
	}
	if opts.Force {
		args = append(args, "--force")
	}
	if opts.LegacyPeerDeps {
		args = append(args, "--legacy-peer-deps")
	}
	if opts.Silent {
		args = append(args, "--silent")
	}
	for _, t := range targets {
		if t == "" || strings.HasPrefix(t, "-") {
			return nil, core.New(core.KindInvalidInput, "invalid installer target %q", t)
		}
		args = append(args, t)
	}
	return args, nil
}

func (n *NPM) run(ctx context.Context, command string, targets []string, opts Options) error {
	args, err := n.Args(command, targets, opts)
	if err != nil {
		return err
	}

	attempt := 0
	op := func() error {
		attempt++
		err := n.exec(ctx, args, opts)
		if err == nil {
			return nil
		}
		if core.IsKind(err, core.KindInvalidInput) || core.IsKind(err, core.KindNotFound) || errors.Is(err, osexec.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if n.retries > 0 {
		b = backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(n.delay), n.retries), ctx)
	}
	notify := func(err error, next time.Duration) {
		n.logger.Warn("installer failed, retrying", "command", command, "attempt", attempt, "in", next, "err", err)
	}
	return backoff.RetryNotify(op, b, notify)
}

func (n *NPM) exec(ctx context.Context, args []string, opts Options) error {
	actx := ctx
	if n.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	cmd := osexec.CommandContext(actx, n.bin, args...)
	cmd.Dir = opts.Dir

	var stderr bytes.Buffer
	if opts.Silent {
		cmd.Stdout = io.Discard
		cmd.Stderr = &stderr
	} else {
		cmd.Stdout = n.stdout
		cmd.Stderr = io.MultiWriter(&stderr, n.stderr)
	}

	n.logger.Debug("running installer", "bin", n.bin, "args", args, "dir", opts.Dir)
	err := cmd.Run()
	if err == nil {
		return nil
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	return &ExecError{
		Args:     append([]string{n.bin}, args...),
		ExitCode: exitCode,
		Stderr:   stderr.String(),
		TimedOut: errors.Is(actx.Err(), context.DeadlineExceeded),
		Err:      err,
	}
}
