package backend

import (
	"context"
	"strings"
)

// CodeCLIAdapter wraps the metered coding agent CLI. Cost scales with token
// usage on top of a per-request unit.
type CodeCLIAdapter struct {
	run cliRunner
}

// NewCodeCLIAdapter creates the adapter. Zero-value config fields get the
// backend's defaults.
func NewCodeCLIAdapter(cfg CLIConfig) *CodeCLIAdapter {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"-p"}
	}
	if cfg.CostPerRequest == 0 {
		cfg.CostPerRequest = 1
	}
	if cfg.CostPer1K == 0 {
		cfg.CostPer1K = 0.015
	}
	return &CodeCLIAdapter{run: cliRunner{
		typ:         CodeCLI,
		cfg:         cfg,
		tokens:      &TokenEstimator{},
		fatalStderr: codeCLIFatal,
	}}
}

func (a *CodeCLIAdapter) Type() Type { return CodeCLI }

func (a *CodeCLIAdapter) Execute(ctx context.Context, req ExecutionRequest) ExecutionResult {
	return a.run.execute(ctx, req)
}

func (a *CodeCLIAdapter) IsAvailable() bool { return a.run.available() }

func (a *CodeCLIAdapter) EstimateCost(req ExecutionRequest) float64 {
	return a.run.estimateCost(req)
}

// codeCLIFatal matches this backend's convention: API errors and lowercase
// "error:" diagnostics are fatal; bracketed progress lines ("[tool] ...")
// and permission prompts are not.
func codeCLIFatal(line string) bool {
	if strings.HasPrefix(line, "[") {
		return false
	}
	return strings.Contains(line, "API Error") ||
		strings.HasPrefix(line, "error:") ||
		strings.Contains(line, "overloaded_error")
}
