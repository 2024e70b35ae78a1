package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/git-pkgs/pkgcache/internal/core"
)

// The test binary doubles as a fake npm when FAKE_NPM_MODE is set.
func TestMain(m *testing.M) {
	if mode := os.Getenv("FAKE_NPM_MODE"); mode != "" {
		os.Exit(fakeNPM(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeNPM(mode string, args []string) int {
	if logPath := os.Getenv("FAKE_NPM_LOG"); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintln(f, strings.Join(args, " "))
			_ = f.Close()
		}
	}

	switch mode {
	case "ok":
		fmt.Println("added 1 package")
		return 0
	case "fail":
		fmt.Fprintln(os.Stderr, "npm ERR! code E404")
		return 3
	case "fail-once":
		marker := os.Getenv("FAKE_NPM_LOG") + ".failed"
		if _, err := os.Stat(marker); err != nil {
			_ = os.WriteFile(marker, nil, 0o644)
			fmt.Fprintln(os.Stderr, "npm ERR! network")
			return 1
		}
		return 0
	case "sleep":
		time.Sleep(5 * time.Second)
		return 0
	}
	return 2
}

func setupFake(t *testing.T, mode string) (logPath string) {
	t.Helper()
	logPath = filepath.Join(t.TempDir(), "calls.log")
	t.Setenv("FAKE_NPM_MODE", mode)
	t.Setenv("FAKE_NPM_LOG", logPath)
	return logPath
}

func calls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func testNPM(opts ...Option) *NPM {
	base := []Option{
		WithBinary(os.Args[0]),
		WithOutput(io.Discard, io.Discard),
		WithRetries(2, 10*time.Millisecond),
	}
	return NewNPM(append(base, opts...)...)
}

func TestArgs(t *testing.T) {
	n := NewNPM(WithGlobalDir("/opt/npm-global"))

	tests := []struct {
		name    string
		command string
		targets []string
		opts    Options
		want    []string
	}{
		{"plain", "install", []string{"/cache/a-1.0.0.tgz"}, Options{}, []string{"install", "/cache/a-1.0.0.tgz"}},
		{"global", "install", []string{"x.tgz"}, Options{Global: true}, []string{"install", "--global", "--prefix", "/opt/npm-global", "x.tgz"}},
		{"all flags", "update", nil, Options{Force: true, LegacyPeerDeps: true, Silent: true}, []string{"update", "--force", "--legacy-peer-deps", "--silent"}},
		{"uninstall scoped", "uninstall", []string{"@babel/core"}, Options{}, []string{"uninstall", "@babel/core"}},
		{"shell metacharacters stay one argument", "install", []string{"a;rm -rf ~"}, Options{}, []string{"install", "a;rm -rf ~"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Args(tt.command, tt.targets, tt.opts)
			if err != nil {
				t.Fatalf("Args failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Args = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := n.Args("install", []string{"--registry=evil"}, Options{}); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("flag-like target should be rejected, got %v", err)
	}

	noPrefix := NewNPM()
	got, _ := noPrefix.Args("install", nil, Options{Global: true})
	if !reflect.DeepEqual(got, []string{"install", "--global"}) {
		t.Errorf("global without dir = %q", got)
	}
}

func TestInstallRunsBinary(t *testing.T) {
	logPath := setupFake(t, "ok")
	n := testNPM()

	if err := n.Install(context.Background(), []string{"/cache/a-1.0.0.tgz"}, Options{LegacyPeerDeps: true}); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	got := calls(t, logPath)
	if len(got) != 1 || got[0] != "install --legacy-peer-deps /cache/a-1.0.0.tgz" {
		t.Errorf("calls = %q", got)
	}
}

func TestFailureCapturesStderr(t *testing.T) {
	logPath := setupFake(t, "fail")
	n := testNPM()

	err := n.Uninstall(context.Background(), []string{"left-pad"}, Options{Silent: true})
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecError, got %v", err)
	}
	if execErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", execErr.ExitCode)
	}
	if !strings.Contains(execErr.Stderr, "npm ERR! code E404") {
		t.Errorf("Stderr = %q", execErr.Stderr)
	}
	if !errors.Is(err, core.ErrSubprocess) || core.KindOf(err) != core.KindSubprocess {
		t.Errorf("expected a subprocess error, got kind %q", core.KindOf(err))
	}
	if n := len(calls(t, logPath)); n != 3 {
		t.Errorf("invocations = %d, want 3 (1 + 2 retries)", n)
	}
}

func TestRetryRecovers(t *testing.T) {
	logPath := setupFake(t, "fail-once")
	n := testNPM()

	if err := n.Update(context.Background(), nil, Options{}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if n := len(calls(t, logPath)); n != 2 {
		t.Errorf("invocations = %d, want 2", n)
	}
}

func TestTimeout(t *testing.T) {
	setupFake(t, "sleep")
	n := testNPM(WithTimeout(100*time.Millisecond), WithRetries(0, 0))

	start := time.Now()
	err := n.Install(context.Background(), nil, Options{})
	var execErr *ExecError
	if !errors.As(err, &execErr) || !execErr.TimedOut {
		t.Fatalf("expected timed out ExecError, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("timeout was not enforced")
	}
}

func TestMissingBinaryIsNotRetried(t *testing.T) {
	n := NewNPM(WithBinary("pkgcache-no-such-npm"), WithRetries(5, time.Hour), WithOutput(io.Discard, io.Discard))

	done := make(chan error, 1)
	go func() {
		done <- n.Install(context.Background(), []string{"x.tgz"}, Options{})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, osexec.ErrNotFound) {
			t.Errorf("expected exec.ErrNotFound, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("missing binary was retried")
	}
}

func TestUninstallNeedsNames(t *testing.T) {
	n := NewNPM()
	if err := n.Uninstall(context.Background(), nil, Options{}); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("Uninstall(nil) = %v, want InvalidInput", err)
	}
}
