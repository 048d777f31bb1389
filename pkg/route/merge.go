package route

import "github.com/zen-systems/taskmux/pkg/backend"

// mergePreferences combines two ordered preference lists into one ordered,
// deduplicated sequence. The category list wins: its order is kept intact,
// and complexity entries not already present are appended in their own
// order. The merge is stable and deterministic for identical inputs.
func mergePreferences(category, complexity []backend.Type) []backend.Type {
	merged := make([]backend.Type, 0, len(category)+len(complexity))
	seen := make(map[backend.Type]bool, len(category)+len(complexity))

	for _, b := range category {
		if seen[b] {
			continue
		}
		seen[b] = true
		merged = append(merged, b)
	}
	for _, b := range complexity {
		if seen[b] {
			continue
		}
		seen[b] = true
		merged = append(merged, b)
	}
	return merged
}

// appendMissing extends order with any backend from all that it does not
// already contain, keeping the result total over the backend set.
func appendMissing(order []backend.Type, all []backend.Type) []backend.Type {
	seen := make(map[backend.Type]bool, len(order))
	for _, b := range order {
		seen[b] = true
	}
	for _, b := range all {
		if seen[b] {
			continue
		}
		seen[b] = true
		order = append(order, b)
	}
	return order
}
