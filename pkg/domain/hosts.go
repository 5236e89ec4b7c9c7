package domain

import "strings"

// NormalizeHost lowercases host and strips a port and trailing dot.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			return host[1:end]
		}
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && strings.Count(host, ":") == 1 {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}

// MatchDomain reports whether host matches pattern. A pattern "*.example.com" matches
// subdomains only; "example.com" itself must be listed separately.
func MatchDomain(pattern, host string) bool {
	pattern = NormalizeHost(pattern)
	host = NormalizeHost(host)
	if pattern == "" || host == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return pattern == host
}

// DomainAllowed reports whether host is permitted by allowlist. An empty list allows everything.
func DomainAllowed(allowlist []string, host string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, pattern := range allowlist {
		if MatchDomain(pattern, host) {
			return true
		}
	}
	return false
}
