package backend

import (
	"context"
	"strings"
)

// ReasoningCLIAdapter wraps the slow, high-quality reasoning agent CLI. It
// is the designated backend for security-critical work and carries the
// highest metered rate.
type ReasoningCLIAdapter struct {
	run cliRunner
}

// NewReasoningCLIAdapter creates the adapter. Zero-value config fields get
// the backend's defaults.
func NewReasoningCLIAdapter(cfg CLIConfig) *ReasoningCLIAdapter {
	if cfg.Command == "" {
		cfg.Command = "codex"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"exec"}
	}
	if cfg.CostPerRequest == 0 {
		cfg.CostPerRequest = 1
	}
	if cfg.CostPer1K == 0 {
		cfg.CostPer1K = 0.06
	}
	return &ReasoningCLIAdapter{run: cliRunner{
		typ:         ReasoningCLI,
		cfg:         cfg,
		tokens:      &TokenEstimator{},
		fatalStderr: reasoningCLIFatal,
	}}
}

func (a *ReasoningCLIAdapter) Type() Type { return ReasoningCLI }

func (a *ReasoningCLIAdapter) Execute(ctx context.Context, req ExecutionRequest) ExecutionResult {
	return a.run.execute(ctx, req)
}

func (a *ReasoningCLIAdapter) IsAvailable() bool { return a.run.available() }

func (a *ReasoningCLIAdapter) EstimateCost(req ExecutionRequest) float64 {
	return a.run.estimateCost(req)
}

// reasoningCLIFatal matches this backend's convention: uppercase ERROR
// lines and stream failures are fatal; token-by-token progress is not.
func reasoningCLIFatal(line string) bool {
	return strings.HasPrefix(line, "ERROR") ||
		strings.Contains(line, "stream error") ||
		strings.Contains(line, "unexpected status")
}
