package cli

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

func TestExecuteNoArgsPrintsUsageAndFails(t *testing.T) {
	out := captureStdout(t, func() {
		if code := Execute(nil); code != 1 {
			t.Errorf("Execute(nil) = %d, want 1", code)
		}
	})
	if !strings.Contains(out, "vodis - Redis-compatible") {
		t.Errorf("usage not printed, got: %q", out)
	}
}

func TestExecuteUnknownSubcommand(t *testing.T) {
	_ = captureStdout(t, func() {
		if code := Execute([]string{"bogus"}); code != 1 {
			t.Errorf("Execute(bogus) = %d, want 1", code)
		}
	})
}

func TestExecuteVersion(t *testing.T) {
	out := captureStdout(t, func() {
		if code := Execute([]string{"version"}); code != 0 {
			t.Errorf("Execute(version) = %d, want 0", code)
		}
	})
	if !strings.Contains(out, "vodis "+version) {
		t.Errorf("version not printed, got: %q", out)
	}
}

func TestExecuteHelp(t *testing.T) {
	out := captureStdout(t, func() {
		if code := Execute([]string{"help"}); code != 0 {
			t.Errorf("Execute(help) = %d, want 0", code)
		}
	})
	if !strings.Contains(out, "Available commands:") {
		t.Errorf("help not printed, got: %q", out)
	}
}

func TestRunFailsWithoutNatsReachable(t *testing.T) {
	// server.New dials NATS eagerly; with no broker configured/reachable
	// this should fail fast rather than hang, returning a non-zero code.
	t.Setenv("VODIS_NATS_URL", "nats://127.0.0.1:1")
	t.Setenv("VODIS_DIR", t.TempDir())
	code := runRun(nil)
	if code == 0 {
		t.Fatalf("runRun() = 0, want non-zero when NATS is unreachable")
	}
}
