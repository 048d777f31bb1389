package backend

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLIConfig configures one wrapped command-line backend.
type CLIConfig struct {
	// Command is the executable name or path.
	Command string

	// Args are the base arguments; the prompt is appended or piped.
	Args []string

	// PromptArgMax overrides the argv-size threshold for prompt delivery.
	PromptArgMax int

	// CostPerRequest is the fixed quota cost of one invocation. Backends
	// with daily request caps meter quota in request units.
	CostPerRequest float64

	// CostPer1K prices token usage for metered backends. Zero means the
	// backend carries no marginal token cost (subscription-included).
	CostPer1K float64
}

// cliRunner is the shared execution core for CLI-wrapping adapters. The
// per-backend pieces - command defaults, the fatal-stderr predicate, and the
// cost model - are supplied by the concrete adapter types.
type cliRunner struct {
	typ         Type
	cfg         CLIConfig
	tokens      *TokenEstimator
	fatalStderr func(line string) bool
}

func (r *cliRunner) execute(ctx context.Context, req ExecutionRequest) ExecutionResult {
	prompt := buildPrompt(req)

	raw := runCommand(ctx, r.cfg.Command, r.cfg.Args, prompt, req.WorkingDir, req.Timeout, r.cfg.PromptArgMax)

	res := ExecutionResult{
		Backend:   r.typ,
		State:     raw.State,
		ExitCode:  raw.ExitCode,
		Duration:  raw.Duration,
		Timestamp: time.Now().UTC(),
	}
	// Cost is computed even on failure, from whatever sizes are known.
	res.EstimatedCost = r.cfg.CostPerRequest + meteredCost(r.tokens, r.cfg.CostPer1K, prompt, raw.Stdout)

	switch raw.State {
	case StateSpawnFailed:
		res.Error = fmt.Sprintf("spawn failed: %v", raw.Err)
	case StateTimedOut:
		res.Error = fmt.Sprintf("timed out after %s; process group killed", req.Timeout)
	case StateCancelled:
		res.Error = "cancelled by caller; process group killed"
	case StateCompleted:
		if raw.ExitCode != 0 {
			res.Error = fmt.Sprintf("backend reported failure: exit %d: %s", raw.ExitCode, stderrTail(raw.Stderr))
			break
		}
		if line, fatal := r.firstFatalLine(raw.Stderr); fatal {
			res.Error = fmt.Sprintf("backend reported failure: %s", line)
			break
		}
		parsed, err := parseOutput(req.OutputFormat, raw.Stdout)
		if err != nil {
			res.Error = fmt.Sprintf("malformed output: %v", err)
			break
		}
		res.Success = true
		res.Output = strings.TrimSpace(raw.Stdout)
		res.Parsed = parsed
	}
	return res
}

func (r *cliRunner) available() bool {
	_, err := exec.LookPath(r.cfg.Command)
	return err == nil
}

func (r *cliRunner) estimateCost(req ExecutionRequest) float64 {
	return r.cfg.CostPerRequest + meteredCost(r.tokens, r.cfg.CostPer1K, buildPrompt(req), "")
}

// firstFatalLine scans stderr with the adapter's own predicate. What counts
// as fatal versus progress chatter differs per backend.
func (r *cliRunner) firstFatalLine(stderr string) (string, bool) {
	if r.fatalStderr == nil {
		return "", false
	}
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r.fatalStderr(line) {
			return line, true
		}
	}
	return "", false
}

// buildPrompt prepends the context file list so backends that take a single
// prompt still see which files the task concerns.
func buildPrompt(req ExecutionRequest) string {
	if len(req.ContextFiles) == 0 {
		return req.Prompt
	}
	var sb strings.Builder
	sb.WriteString("Context files:\n")
	for _, f := range req.ContextFiles {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(req.Prompt)
	return sb.String()
}

func stderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) == 0 {
		return ""
	}
	tail := lines[len(lines)-1]
	if len(tail) > 300 {
		tail = tail[:300]
	}
	return tail
}
