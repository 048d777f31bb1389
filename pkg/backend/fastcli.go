package backend

import (
	"context"
	"strings"
)

// FastCLIAdapter wraps the fast, subscription-included agent CLI. Quota is
// metered in request units against the daily request cap; token usage has
// no marginal cost.
type FastCLIAdapter struct {
	run cliRunner
}

// NewFastCLIAdapter creates the adapter. Zero-value config fields get the
// backend's defaults.
func NewFastCLIAdapter(cfg CLIConfig) *FastCLIAdapter {
	if cfg.Command == "" {
		cfg.Command = "gemini"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"--prompt-mode"}
	}
	if cfg.CostPerRequest == 0 {
		cfg.CostPerRequest = 1
	}
	return &FastCLIAdapter{run: cliRunner{
		typ:         FastCLI,
		cfg:         cfg,
		tokens:      &TokenEstimator{},
		fatalStderr: fastCLIFatal,
	}}
}

func (a *FastCLIAdapter) Type() Type { return FastCLI }

func (a *FastCLIAdapter) Execute(ctx context.Context, req ExecutionRequest) ExecutionResult {
	return a.run.execute(ctx, req)
}

func (a *FastCLIAdapter) IsAvailable() bool { return a.run.available() }

func (a *FastCLIAdapter) EstimateCost(req ExecutionRequest) float64 {
	return a.run.estimateCost(req)
}

// fastCLIFatal matches this backend's error convention: fatal lines carry an
// "Error:" prefix or a quota refusal. Credential-cache and progress lines on
// stderr are informational.
func fastCLIFatal(line string) bool {
	if strings.HasPrefix(line, "Error:") {
		return true
	}
	lower := strings.ToLower(line)
	return strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "status 429")
}
