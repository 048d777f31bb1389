// Package classify turns task descriptions into structured classifications
// used by the router.
package classify

import "strings"

// Complexity buckets a task's expected difficulty.
type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

// Category is the closed set of task categories.
type Category string

const (
	Documentation     Category = "documentation"
	TestGeneration    Category = "test-generation"
	Boilerplate       Category = "boilerplate"
	BugFix            Category = "bug-fix"
	APIImplementation Category = "api-implementation"
	Refactoring       Category = "refactoring"
	Architecture      Category = "architecture"
	Security          Category = "security"
	Algorithm         Category = "algorithm"
	Research          Category = "research"
	Unknown           Category = "unknown"
)

// Classification is the classifier's structured assessment of a task.
// Immutable once produced; consumed only by the router.
type Classification struct {
	Category         Category   `json:"category"`
	Complexity       Complexity `json:"complexity"`
	FilesAffected    int        `json:"files_affected"`
	EstimatedLines   int        `json:"estimated_lines"`
	SecurityCritical bool       `json:"security_critical"`
	Confidence       float64    `json:"confidence"`
}

// Hints are optional caller-supplied overrides. A set field is trusted over
// the corresponding heuristic. SecurityCritical can only raise the flag,
// never clear it.
type Hints struct {
	Category         Category
	FilesAffected    *int
	EstimatedLines   *int
	SecurityCritical bool
}

// categoryPriority is the fixed tie-break order: when two categories score
// the same number of keyword hits, the earlier one wins.
var categoryPriority = []Category{
	Security,
	Architecture,
	Algorithm,
	APIImplementation,
	Refactoring,
	BugFix,
	Research,
	TestGeneration,
	Boilerplate,
	Documentation,
	Unknown,
}

var categoryKeywords = map[Category][]string{
	Documentation: {"document", "documentation", "readme", "docs", "docstring", "changelog", "comment"},
	TestGeneration: {"test", "tests", "unit test", "integration test", "coverage", "assertion", "test case"},
	Boilerplate: {"boilerplate", "scaffold", "template", "starter", "stub", "skeleton", "generate code"},
	BugFix: {"fix", "bug", "error", "crash", "broken", "regression", "null", "failing", "defect", "panic"},
	APIImplementation: {"api", "endpoint", "rest", "http", "handler", "grpc", "webhook", "middleware"},
	Refactoring: {"refactor", "cleanup", "restructure", "rename", "extract", "simplify", "migrate", "rewrite"},
	Architecture: {"architecture", "architect", "system design", "redesign", "microservice", "scalability", "design review"},
	Security: {"security", "auth", "authentication", "token", "secret", "encrypt", "permission", "injection", "vulnerability", "jwt", "password", "oauth"},
	Algorithm: {"algorithm", "optimize", "optimization", "complexity", "data structure", "sorting", "graph", "performance"},
	Research: {"research", "investigate", "explore", "compare", "evaluate", "analyze", "spike", "look up"},
}

// securityKeywords is scanned independently of category classification.
// Either a hit here or a security category is sufficient to mark a task
// security-critical.
var securityKeywords = []string{
	"auth", "authentication", "authorization", "password", "token", "secret",
	"credential", "encrypt", "decrypt", "permission", "injection", "jwt",
	"oauth", "csrf", "xss", "sanitize", "vulnerability", "cve", "signing",
	"certificate", "tls", "private key",
}

// Classify produces a best-effort classification of a task description.
// It is a pure function of its inputs and cannot fail: an unrecognized
// description degrades to {unknown, medium, confidence 0.5}.
func Classify(description string, hints *Hints) Classification {
	lower := strings.ToLower(description)

	category, matches := classifyCategory(lower)
	hinted := false
	if hints != nil && hints.Category != "" {
		category = hints.Category
		hinted = true
	}

	securityCritical := category == Security || matchesAny(lower, securityKeywords)
	if hints != nil && hints.SecurityCritical {
		securityCritical = true
	}

	files, lines := estimateFootprint(lower)
	explicitFootprint := false
	if hints != nil && hints.FilesAffected != nil {
		files = max(*hints.FilesAffected, 0)
		explicitFootprint = true
	}
	if hints != nil && hints.EstimatedLines != nil {
		lines = max(*hints.EstimatedLines, 0)
		explicitFootprint = true
	}

	return Classification{
		Category:         category,
		Complexity:       deriveComplexity(category, files, lines, securityCritical),
		FilesAffected:    files,
		EstimatedLines:   lines,
		SecurityCritical: securityCritical,
		Confidence:       confidence(matches, hinted, explicitFootprint),
	}
}

// classifyCategory scores every category's keyword set against the
// description and returns the best match. Ties go to the category that
// appears earlier in categoryPriority.
func classifyCategory(lower string) (Category, int) {
	best := Unknown
	bestScore := 0
	for _, cat := range categoryPriority {
		score := 0
		for _, kw := range categoryKeywords[cat] {
			if containsKeyword(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best = cat
			bestScore = score
		}
	}
	return best, bestScore
}

// estimateFootprint derives coarse file/line defaults from the description.
// These are rough priors, not claims of precision.
func estimateFootprint(lower string) (files, lines int) {
	files, lines = 1, 50
	for _, kw := range []string{"multiple", "across", "several", "various", "all files"} {
		if containsKeyword(lower, kw) {
			files = 4
			break
		}
	}
	for _, kw := range []string{"complete", "entire", "whole", "full", "end-to-end"} {
		if containsKeyword(lower, kw) {
			lines = 300
			break
		}
	}
	return files, lines
}

// complexityRule maps a category group plus footprint ceilings to a
// complexity. Rules are evaluated in order; the first match wins.
type complexityRule struct {
	categories []Category
	maxFiles   int
	maxLines   int
	result     Complexity
}

// complexityRules is the explicit complexity lookup. Boundary behavior is
// inclusive: exactly maxFiles/maxLines still matches the rule.
var complexityRules = []complexityRule{
	// Low-risk categories: small footprint stays simple.
	{[]Category{Documentation, TestGeneration, Boilerplate}, 2, 100, Simple},
	{[]Category{Documentation, TestGeneration, Boilerplate}, 6, 400, Medium},

	// Code-change categories: same simple band, wider medium band.
	{[]Category{BugFix, Refactoring, APIImplementation}, 2, 100, Simple},
	{[]Category{BugFix, Refactoring, APIImplementation}, 8, 800, Medium},

	// Open-ended work defaults to medium until the footprint says otherwise.
	{[]Category{Research, Unknown}, 8, 800, Medium},
}

// deriveComplexity applies the complexity lookup. Security-critical work and
// the architecture/algorithm categories are always complex; anything that
// exceeds its rule ceilings falls through to complex.
func deriveComplexity(category Category, files, lines int, securityCritical bool) Complexity {
	if securityCritical || category == Security || category == Architecture || category == Algorithm {
		return Complex
	}
	for _, rule := range complexityRules {
		if !containsCategory(rule.categories, category) {
			continue
		}
		if files <= rule.maxFiles && lines <= rule.maxLines {
			return rule.result
		}
	}
	return Complex
}

// confidence combines signal strength into [0,1]. A description with no
// keyword hits and no hints sits at the degraded baseline of 0.5.
func confidence(matches int, hintedCategory, explicitFootprint bool) float64 {
	c := 0.5
	if matches > 0 {
		c += 0.1 * float64(min(matches, 3))
	}
	if hintedCategory {
		c += 0.2
	}
	if explicitFootprint {
		c += 0.1
	}
	return min(c, 1.0)
}

func matchesAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if containsKeyword(lower, kw) {
			return true
		}
	}
	return false
}

// containsKeyword checks for the keyword as a word or phrase boundary match.
// Every occurrence is examined: an embedded hit ("token" in "tokenizer")
// must not hide a standalone one later in the text.
func containsKeyword(text, keyword string) bool {
	for start := 0; start < len(text); {
		idx := strings.Index(text[start:], keyword)
		if idx == -1 {
			return false
		}
		idx += start
		end := idx + len(keyword)
		if (idx == 0 || !isWordChar(text[idx-1])) && (end == len(text) || !isWordChar(text[end])) {
			return true
		}
		start = idx + 1
	}
	return false
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

func containsCategory(cats []Category, c Category) bool {
	for _, cat := range cats {
		if cat == c {
			return true
		}
	}
	return false
}
