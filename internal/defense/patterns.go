package defense

import (
	"net/url"
	"strings"
	"sync"

	"cinegate/internal/config"
)

// Verdict is the outcome of evaluating a destination against the pattern
// table.
type Verdict struct {
	Allow  bool
	Reason string
}

// PatternTable is the versioned, data-driven rule set applied by the open
// guard and the link sanitizer. Matching is mechanical; all tuning happens
// in the config lists.
type PatternTable struct {
	mu         sync.RWMutex
	version    int
	allowed    []string
	substrings []string
	suffixes   []string
	schemes    map[string]struct{}
}

func NewPatternTable(cfg config.DefenseConfig) *PatternTable {
	t := &PatternTable{}
	t.Update(cfg)
	return t
}

// Update swaps in a new rule set, normalizing everything to lower case.
func (t *PatternTable) Update(cfg config.DefenseConfig) {
	allowed := make([]string, 0, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		allowed = append(allowed, strings.ToLower(strings.TrimSpace(d)))
	}
	subs := make([]string, 0, len(cfg.BlockedSubstrings))
	for _, s := range cfg.BlockedSubstrings {
		subs = append(subs, strings.ToLower(strings.TrimSpace(s)))
	}
	sufs := make([]string, 0, len(cfg.BlockedSuffixes))
	for _, s := range cfg.BlockedSuffixes {
		sufs = append(sufs, strings.ToLower(strings.TrimSpace(s)))
	}
	schemes := make(map[string]struct{}, len(cfg.BlockedSchemes))
	for _, s := range cfg.BlockedSchemes {
		schemes[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}

	t.mu.Lock()
	t.version = cfg.PatternsVersion
	t.allowed = allowed
	t.substrings = subs
	t.suffixes = sufs
	t.schemes = schemes
	t.mu.Unlock()
}

func (t *PatternTable) Version() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// IsAllowedDomain reports whether host belongs to a known-legitimate
// destination (exact match or subdomain).
func (t *PatternTable) IsAllowedDomain(host string) bool {
	host = strings.ToLower(host)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, d := range t.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Evaluate classifies a destination URL and window target. Empty and blank
// destinations, blocked schemes, ad-network substrings, and download-bait
// suffixes are all denied; allow-listed domains pass regardless of the
// remaining rules.
func (t *PatternTable) Evaluate(rawURL, target string) Verdict {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" || strings.EqualFold(trimmed, "about:blank") {
		return Verdict{Allow: false, Reason: "empty_destination"}
	}

	lower := strings.ToLower(trimmed)

	u, err := url.Parse(trimmed)
	if err != nil {
		return Verdict{Allow: false, Reason: "unparsable_url"}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, bad := t.schemes[u.Scheme]; bad {
		return Verdict{Allow: false, Reason: "blocked_scheme"}
	}

	host := strings.ToLower(u.Hostname())
	for _, d := range t.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return Verdict{Allow: true, Reason: "allowlisted"}
		}
	}

	for _, s := range t.substrings {
		if strings.Contains(lower, s) {
			return Verdict{Allow: false, Reason: "blocked_substring"}
		}
	}

	path := strings.ToLower(u.Path)
	for _, s := range t.suffixes {
		if strings.HasSuffix(path, s) {
			return Verdict{Allow: false, Reason: "blocked_suffix"}
		}
	}

	// Nameless window targets are the popunder signature.
	if target == "" || strings.EqualFold(target, "_blank") {
		return Verdict{Allow: false, Reason: "blank_target"}
	}

	return Verdict{Allow: true, Reason: "unmatched"}
}

// IsSuspiciousHref is the sanitizer-side check: it flags hrefs the open
// guard would block, without considering window targets.
func (t *PatternTable) IsSuspiciousHref(href string) bool {
	trimmed := strings.TrimSpace(href)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)

	u, err := url.Parse(trimmed)
	if err != nil {
		return true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, bad := t.schemes[u.Scheme]; bad {
		return true
	}

	host := strings.ToLower(u.Hostname())
	for _, d := range t.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return false
		}
	}
	for _, s := range t.substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	path := strings.ToLower(u.Path)
	for _, s := range t.suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}
