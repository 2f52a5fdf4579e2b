package auth

import "strings"

// Allowlist gates which origin domains may register sessions. A single
// "*" entry allows every origin.
type Allowlist struct {
	allowAll bool
	domains  map[string]bool
}

// NewAllowlist parses a comma-separated allowlist.
func NewAllowlist(spec string) *Allowlist {
	a := &Allowlist{domains: make(map[string]bool)}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" {
			a.allowAll = true
			continue
		}
		a.domains[NormalizeOrigin(part)] = true
	}
	return a
}

// Allows reports whether a registration from domain is permitted.
func (a *Allowlist) Allows(domain string) bool {
	if a.allowAll {
		return true
	}
	return a.domains[NormalizeOrigin(domain)]
}

// NormalizeOrigin strips scheme and trailing slash so "https://a.example/"
// and "a.example" compare equal. The session store uses the same
// normalization for its domain index, so a browser Origin header matches
// whatever form the domain was registered under.
func NormalizeOrigin(domain string) string {
	domain = strings.TrimSpace(strings.ToLower(domain))
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	return strings.TrimSuffix(domain, "/")
}
