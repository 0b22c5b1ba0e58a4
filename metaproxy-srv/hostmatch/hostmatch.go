// Package hostmatch matches request hosts against domain lists such as the
// blocked-hosts and direct-hosts settings.
package hostmatch

import (
	"net"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// Matcher reports whether a host equals, or is a subdomain of, any domain in
// its list. A nil or empty Matcher matches nothing.
type Matcher struct {
	trie    *ahocorasick.Trie
	domains []string
}

// New builds a matcher from domains. Entries are lower-cased; a leading "*."
// or "." and a trailing "." are ignored.
func New(domains []string) *Matcher {
	cleaned := make([]string, 0, len(domains))
	seen := make(map[string]bool, len(domains))
	for _, d := range domains {
		d = Normalize(d)
		d = strings.TrimPrefix(d, "*.")
		d = strings.TrimPrefix(d, ".")
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		cleaned = append(cleaned, d)
	}

	m := &Matcher{domains: cleaned}
	if len(cleaned) > 0 {
		m.trie = ahocorasick.NewTrieBuilder().AddStrings(cleaned).Build()
	}
	return m
}

// Match accepts a bare host or host:port.
func (m *Matcher) Match(host string) bool {
	if m == nil || m.trie == nil {
		return false
	}
	host = Normalize(host)
	if host == "" {
		return false
	}

	for _, match := range m.trie.MatchString(host) {
		domain := m.domains[match.Pattern()]
		if host == domain {
			return true
		}
		// subdomain: host ends with "." + domain
		if len(host) > len(domain) && strings.HasSuffix(host, domain) && host[len(host)-len(domain)-1] == '.' {
			return true
		}
	}
	return false
}

// Len returns the number of distinct domains.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.domains)
}

// Normalize lower-cases host and strips a port, IPv6 brackets and a trailing dot.
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
