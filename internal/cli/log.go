// Package cli implements the pkgcache command-line interface.
//
// Commands acquire artifacts through the cache and hand the verified tarball
// paths to the external installer:
//   - install: cache packages, then install them from their tarballs
//   - uninstall: remove packages, optionally purging them from the cache
//   - list: show the manifest
//   - update: refresh packages to their latest versions
//   - clean: reconcile the manifest with the store
//
// Settings come from PKGCACHE_* environment variables (see internal/config),
// with --cache-dir and --registry overriding them per invocation. Loggers are
// passed through context.Context.
package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/git-pkgs/pkgcache/internal/config"
)

// newLogger creates a logger with "HH:MM:SS.ms" timestamps that writes to w
// and filters at level.
func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

// logLevel picks the effective level: --verbose wins over --silent, which
// wins over the configured level.
func logLevel(cfg *config.Config, verbose, silent bool) log.Level {
	switch {
	case verbose:
		return log.DebugLevel
	case silent:
		return log.ErrorLevel
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// logOutput returns the rotating log file when one is configured, otherwise
// fallback. The closer is nil when nothing needs closing.
func logOutput(cfg *config.Config, fallback io.Writer) (io.Writer, io.Closer, error) {
	if cfg.LogFile == "" {
		return fallback, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return fallback, nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		LocalTime:  true,
	}
	return rotator, rotator, nil
}

// progress logs completion of an operation with its elapsed time.
type progress struct {
	logger *log.Logger
	start  time.Time
}

func newProgress(l *log.Logger) *progress {
	return &progress{logger: l, start: time.Now()}
}

func (p *progress) done(msg string) {
	p.logger.Infof("%s (%s)", msg, time.Since(p.start).Round(time.Millisecond))
}

type ctxKey int

const loggerKey ctxKey = 0

func withLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// loggerFromContext returns the logger attached by withLogger, or
// log.Default() when there is none.
func loggerFromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}
