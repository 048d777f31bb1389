package backend

import (
	"bytes"
	"context"
	"io"
	"log"
	"os/exec"
	"strings"
	"time"
)

// promptArgThreshold is the largest prompt delivered as a command-line
// argument. Anything bigger is written to the subprocess's stdin to stay
// clear of OS argv length limits.
const promptArgThreshold = 4 * 1024

// killGracePeriod bounds how long we wait for a killed process tree to be
// reaped before abandoning it.
const killGracePeriod = 5 * time.Second

// rawResult is the low-level outcome of one subprocess run.
type rawResult struct {
	State    State
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Err      error
}

// runCommand spawns command+args in its own process group, delivering the
// prompt via argv or stdin depending on size, and enforces the timeout by
// killing the entire group. Cancellation of ctx uses the same kill path.
func runCommand(ctx context.Context, command string, args []string, prompt string, dir string, timeout time.Duration, promptMax int) rawResult {
	if promptMax <= 0 {
		promptMax = promptArgThreshold
	}

	// Argv cannot carry NUL bytes; those prompts go via stdin regardless
	// of size.
	useStdin := len(prompt) > promptMax || strings.ContainsRune(prompt, 0)
	if !useStdin {
		args = append(args, prompt)
	}

	cmd := exec.Command(command, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var stdin io.WriteCloser
	if useStdin {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return rawResult{State: StateSpawnFailed, Err: err}
		}
		stdin = pipe
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return rawResult{State: StateSpawnFailed, Err: err, Duration: time.Since(start)}
	}

	if stdin != nil {
		go func() {
			_, _ = io.WriteString(stdin, prompt)
			_ = stdin.Close()
		}()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var state State
	var waitErr error
	select {
	case waitErr = <-done:
		state = StateCompleted
	case <-deadline:
		state = StateTimedOut
		waitErr = reap(cmd, done)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			state = StateTimedOut
		} else {
			state = StateCancelled
		}
		waitErr = reap(cmd, done)
	}

	exitCode := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil && state == StateCompleted {
		return rawResult{
			State:    StateSpawnFailed,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
			Err:      waitErr,
		}
	}

	return rawResult{
		State:    state,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: time.Since(start),
		Err:      waitErr,
	}
}

// reap force-kills the process group and waits a bounded grace period for
// the wait goroutine to observe the death.
func reap(cmd *exec.Cmd, done <-chan error) error {
	if err := killTree(cmd); err != nil {
		// Group kill failed; fall back to the direct child and note the
		// degradation since helpers may be left behind.
		log.Printf("[backend] group kill failed (%v), killing direct child only", err)
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}

	select {
	case err := <-done:
		return err
	case <-time.After(killGracePeriod):
		log.Printf("[backend] process %d not reaped within grace period", cmd.Process.Pid)
		return nil
	}
}
