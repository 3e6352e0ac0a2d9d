// Package scope implements OAuth scope-string parsing and the
// always-allowed/permitted-set authorization rule.
package scope

import "strings"

// AlwaysAllowed is the scope set every authenticated user may request
// regardless of administrator grants.
var AlwaysAllowed = map[string]bool{
	"openid":  true,
	"profile": true,
	"email":   true,
}

// ManageScope is required to administer clients, constant access tokens and
// other users' permitted scopes.
const ManageScope = "wilford.manage"

// Parse tokenizes a space-separated scope string, deduplicating entries.
func Parse(raw string) []string {
	fields := strings.Fields(raw)
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Join renders a scope set back to its space-separated wire form.
func Join(scopes []string) string {
	return strings.Join(scopes, " ")
}

// Contains reports whether scopes includes target.
func Contains(scopes []string, target string) bool {
	for _, s := range scopes {
		if s == target {
			return true
		}
	}
	return false
}

// Permitted reports whether requested is a subset of AlwaysAllowed ∪
// permitted.
func Permitted(requested []string, permitted []string) bool {
	allowed := make(map[string]bool, len(permitted)+len(AlwaysAllowed))
	for s := range AlwaysAllowed {
		allowed[s] = true
	}
	for _, s := range permitted {
		allowed[s] = true
	}
	for _, s := range requested {
		if !allowed[s] {
			return false
		}
	}
	return true
}
