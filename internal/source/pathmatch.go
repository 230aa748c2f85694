package source

import (
	"regexp"
	"strings"
)

// Path patterns come in three forms:
//
//   - exact string equality (case-insensitive)
//   - "prefix/*", matching the prefix itself and anything under "prefix/"
//   - general "*" wildcards, compiled to an anchored case-insensitive regexp
//
// "/news/*" matches "/news" and "/news/launch" but not "/newsletter".

type compiledPattern struct {
	raw    string
	prefix string         // set for the "prefix/*" form
	re     *regexp.Regexp // set for the general wildcard form
}

func compilePattern(raw string) compiledPattern {
	p := compiledPattern{raw: raw}
	if trimmed, ok := strings.CutSuffix(raw, "/*"); ok && !strings.Contains(trimmed, "*") {
		p.prefix = trimmed
		return p
	}
	if strings.Contains(raw, "*") {
		expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(raw), `\*`, ".*") + "$"
		if re, err := regexp.Compile("(?i)" + expr); err == nil {
			p.re = re
		}
	}
	return p
}

func (p compiledPattern) matches(path string) bool {
	switch {
	case p.prefix != "":
		return strings.EqualFold(path, p.prefix) ||
			hasPrefixFold(path, p.prefix+"/")
	case p.re != nil:
		return p.re.MatchString(path)
	default:
		return strings.EqualFold(path, p.raw)
	}
}

// PathMatcher holds a precompiled pattern set.
type PathMatcher struct {
	patterns []compiledPattern
}

// NewPathMatcher compiles patterns once for repeated matching.
func NewPathMatcher(patterns []string) *PathMatcher {
	m := &PathMatcher{patterns: make([]compiledPattern, 0, len(patterns))}
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		m.patterns = append(m.patterns, compilePattern(raw))
	}
	return m
}

// Empty reports whether the matcher has no patterns.
func (m *PathMatcher) Empty() bool { return len(m.patterns) == 0 }

// Matches reports whether path matches any pattern.
func (m *PathMatcher) Matches(path string) bool {
	for _, p := range m.patterns {
		if p.matches(path) {
			return true
		}
	}
	return false
}

// MatchesPattern checks one path against one pattern.
func MatchesPattern(path, pattern string) bool {
	return compilePattern(pattern).matches(path)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
