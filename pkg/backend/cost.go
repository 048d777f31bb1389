package backend

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator counts tokens with the cl100k_base encoding, falling back
// to a character heuristic when the encoding cannot be loaded (offline).
type TokenEstimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// Count returns the token count for text.
func (e *TokenEstimator) Count(text string) int {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens is the heuristic fallback: max(runes/4, words), minimum 1
// for non-empty text.
func estimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// meteredCost prices token usage for pay-per-use backends. Computed even for
// failed attempts so partial cost can be accounted.
func meteredCost(est *TokenEstimator, per1K float64, prompt, output string) float64 {
	if per1K <= 0 {
		return 0
	}
	tokens := est.Count(prompt) + est.Count(output)
	return float64(tokens) / 1000.0 * per1K
}
