// Package route turns a classification plus a live quota view into an
// ordered execution plan with ranked fallbacks.
package route

import (
	"fmt"
	"strings"

	"github.com/zen-systems/taskmux/pkg/backend"
	"github.com/zen-systems/taskmux/pkg/classify"
)

// Plan is the router's ordered choice for one task. Produced fresh per task
// and not persisted beyond its ledger entry.
type Plan struct {
	Primary   backend.Type   `json:"primary"`
	Fallbacks []backend.Type `json:"fallbacks,omitempty"`
	Reason    string         `json:"reason"`
}

// Candidates returns the primary followed by the fallbacks.
func (p Plan) Candidates() []backend.Type {
	out := make([]backend.Type, 0, 1+len(p.Fallbacks))
	out = append(out, p.Primary)
	out = append(out, p.Fallbacks...)
	return out
}

// QuotaView is the router's read-only look at quota state. It is advisory:
// the authoritative check-and-reserve lives in the quota pool, immediately
// before execution.
type QuotaView interface {
	HasAvailable(backend string) bool
}

// Preferences holds the static routing tables.
type Preferences struct {
	// Category maps each task category to its preferred backend order.
	Category map[classify.Category][]backend.Type

	// Complexity maps each complexity bucket to its preferred backend
	// order; it fills in behind the category table.
	Complexity map[classify.Complexity][]backend.Type

	// SecurityBackend is the only backend approved for security-critical
	// tasks. A forced plan carries no fallbacks.
	SecurityBackend backend.Type

	// Default is named when every backend's quota is exhausted, so routing
	// always produces something to attempt.
	Default backend.Type
}

// Router merges static preference tables with the live quota view.
type Router struct {
	prefs    Preferences
	backends []backend.Type
}

// NewRouter creates a router over the given backend set. The set comes from
// the adapter registry and is fixed configuration.
func NewRouter(prefs Preferences, backends []backend.Type) (*Router, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}
	if prefs.SecurityBackend == "" {
		return nil, fmt.Errorf("no security backend designated")
	}
	if prefs.Default == "" {
		prefs.Default = backends[0]
	}
	return &Router{prefs: prefs, backends: backends}, nil
}

// Route produces the plan for one classification. Routing never fails: when
// every pool is exhausted it still names the default backend and defers the
// hard failure to execution time.
func (r *Router) Route(c classify.Classification, quota QuotaView) Plan {
	if c.SecurityCritical {
		return r.securityPlan(quota)
	}

	order := mergePreferences(r.prefs.Category[c.Category], r.prefs.Complexity[c.Complexity])
	order = appendMissing(order, r.backends)

	var available []backend.Type
	for _, b := range order {
		if quota.HasAvailable(string(b)) {
			available = append(available, b)
		}
	}

	if len(available) == 0 {
		return Plan{
			Primary: r.prefs.Default,
			Reason: fmt.Sprintf("quota exhausted on every backend; naming default %s for category %s",
				r.prefs.Default, c.Category),
		}
	}

	return Plan{
		Primary:   available[0],
		Fallbacks: available[1:],
		Reason: fmt.Sprintf("category %s (complexity %s) prefers [%s]; %s has quota",
			c.Category, c.Complexity, joinTypes(order), available[0]),
	}
}

// securityPlan is the hard policy boundary: security-critical work runs on
// the designated backend or not at all. Substituting a non-approved backend
// silently is never acceptable, so an exhausted pool only changes the
// reason, not the target.
func (r *Router) securityPlan(quota QuotaView) Plan {
	sec := r.prefs.SecurityBackend
	reason := fmt.Sprintf("security-critical task forced to %s", sec)
	if !quota.HasAvailable(string(sec)) {
		reason = fmt.Sprintf("security-critical task forced to %s despite exhausted quota", sec)
	}
	return Plan{Primary: sec, Reason: reason}
}

func joinTypes(types []backend.Type) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, " > ")
}
