package defense

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cinegate/internal/config"
)

func testPatterns() *PatternTable {
	return NewPatternTable(config.Default().Defense)
}

func TestEvaluateVerdicts(t *testing.T) {
	pt := testPatterns()

	cases := []struct {
		name   string
		url    string
		target string
		allow  bool
		reason string
	}{
		{"empty url", "", "player", false, "empty_destination"},
		{"about blank", "about:blank", "player", false, "empty_destination"},
		{"blob scheme", "blob:https://evil.example/x", "player", false, "blocked_scheme"},
		{"data scheme", "data:text/html,hi", "player", false, "blocked_scheme"},
		{"allowlisted", "https://vidsrc.net/embed/123", "_blank", true, "allowlisted"},
		{"allowlisted subdomain", "https://cdn.vidsrc.to/x", "", true, "allowlisted"},
		{"ad substring", "https://popunder.example/click", "player", false, "blocked_substring"},
		{"betting substring", "https://promo.1xbet.example/", "player", false, "blocked_substring"},
		{"download bait", "https://files.example/setup.exe", "player", false, "blocked_suffix"},
		{"blank target", "https://benign.example/page", "_blank", false, "blank_target"},
		{"empty target", "https://benign.example/page", "", false, "blank_target"},
		{"named target", "https://benign.example/page", "player", true, "unmatched"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := pt.Evaluate(tc.url, tc.target)
			assert.Equal(t, tc.allow, v.Allow)
			assert.Equal(t, tc.reason, v.Reason)
		})
	}
}

func TestAllowedDomainMatching(t *testing.T) {
	pt := testPatterns()

	assert.True(t, pt.IsAllowedDomain("vidsrc.net"))
	assert.True(t, pt.IsAllowedDomain("VIDSRC.NET"))
	assert.True(t, pt.IsAllowedDomain("cdn.vidsrc.net"))
	assert.False(t, pt.IsAllowedDomain("notvidsrc.net"))
	assert.False(t, pt.IsAllowedDomain("vidsrc.net.evil.example"))
}

func TestUpdateSwapsRules(t *testing.T) {
	pt := testPatterns()

	cfg := config.Default().Defense
	cfg.PatternsVersion = 2
	cfg.BlockedSubstrings = []string{"newbadword"}
	pt.Update(cfg)

	assert.Equal(t, 2, pt.Version())
	assert.Equal(t, "unmatched", pt.Evaluate("https://popunder.example/x", "player").Reason)
	assert.Equal(t, "blocked_substring", pt.Evaluate("https://newbadword.example/", "player").Reason)
}

func TestSuspiciousHref(t *testing.T) {
	pt := testPatterns()

	assert.True(t, pt.IsSuspiciousHref("https://popads.example/go"))
	assert.True(t, pt.IsSuspiciousHref("blob:https://x/y"))
	assert.True(t, pt.IsSuspiciousHref("https://files.example/payload.apk"))
	assert.False(t, pt.IsSuspiciousHref("https://vidsrc.net/embed/1"))
	assert.False(t, pt.IsSuspiciousHref("https://benign.example/page"))
	assert.False(t, pt.IsSuspiciousHref(""))
}
