package backend

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunCommandPromptAsArgument(t *testing.T) {
	requireSh(t)

	// Small prompts travel as the final argv entry.
	raw := runCommand(context.Background(), "sh", []string{"-c", `printf '%s' "$1"`, "argv"}, "hello argv", "", 5*time.Second, 0)
	if raw.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", raw.State, raw.Err)
	}
	if raw.Stdout != "hello argv" {
		t.Fatalf("prompt not delivered via argv: %q", raw.Stdout)
	}
}

func TestRunCommandLargePromptViaStdin(t *testing.T) {
	requireSh(t)

	prompt := strings.Repeat("x", 8*1024)
	raw := runCommand(context.Background(), "cat", nil, prompt, "", 5*time.Second, 4*1024)
	if raw.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", raw.State, raw.Err)
	}
	if raw.Stdout != prompt {
		t.Fatalf("stdin delivery lost data: got %d bytes, want %d", len(raw.Stdout), len(prompt))
	}
}

func TestRunCommandNulBytePromptViaStdin(t *testing.T) {
	requireSh(t)

	// Small enough for argv by size, but NUL bytes cannot travel there.
	prompt := "before\x00after"
	raw := runCommand(context.Background(), "cat", nil, prompt, "", 5*time.Second, 0)
	if raw.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", raw.State, raw.Err)
	}
	if raw.Stdout != prompt {
		t.Fatalf("NUL-bearing prompt not delivered intact: %q", raw.Stdout)
	}
}

func TestRunCommandTimeoutKillsProcessGroup(t *testing.T) {
	requireSh(t)

	// The shell forks a background sleep that inherits stdout. If only the
	// direct child died, Wait would block on the surviving grandchild's
	// pipe until the grace period; a fast return proves the whole group
	// was killed.
	start := time.Now()
	raw := runCommand(context.Background(), "sh", []string{"-c", `trap "" TERM; sleep 30 & sleep 30`}, "", "", 200*time.Millisecond, 0)
	elapsed := time.Since(start)

	if raw.State != StateTimedOut {
		t.Fatalf("expected timed_out, got %s", raw.State)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("process group not killed promptly: took %s", elapsed)
	}
}

func TestRunCommandCancellation(t *testing.T) {
	requireSh(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	raw := runCommand(ctx, "sh", []string{"-c", "sleep 30"}, "", "", 10*time.Second, 0)
	if raw.State != StateCancelled {
		t.Fatalf("expected cancelled, got %s", raw.State)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("cancellation did not terminate promptly")
	}
}

func TestRunCommandSpawnFailure(t *testing.T) {
	raw := runCommand(context.Background(), "definitely-not-a-real-binary-xyz", nil, "p", "", time.Second, 0)
	if raw.State != StateSpawnFailed {
		t.Fatalf("expected spawn_failed, got %s", raw.State)
	}
	if raw.Err == nil {
		t.Fatalf("expected spawn error")
	}
}

func TestRunCommandNonZeroExit(t *testing.T) {
	requireSh(t)

	raw := runCommand(context.Background(), "sh", []string{"-c", "echo oops >&2; exit 3"}, "", "", 5*time.Second, 0)
	if raw.State != StateCompleted {
		t.Fatalf("expected completed, got %s", raw.State)
	}
	if raw.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", raw.ExitCode)
	}
	if !strings.Contains(raw.Stderr, "oops") {
		t.Fatalf("stderr not captured: %q", raw.Stderr)
	}
}
