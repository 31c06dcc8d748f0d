package grant

import (
	"fmt"
	"regexp"
	"strings"
)

// Granted entries may be exact strings, glob patterns, or carry named
// placeholders. ** matches anything including spaces; * matches a
// non-whitespace run; {uuid} and {date} match their shapes and every other
// placeholder name falls back to a non-whitespace run.
var placeholderFragments = map[string]string{
	"uuid":   `[0-9a-f][0-9a-f\-]{10,34}[0-9a-f]`,
	"date":   `\d{4}-\d{2}-\d{2}`,
	"any":    `\S+`,
	"bucket": `\S+`,
	"key":    `\S+`,
	"name":   `\S+`,
}

const defaultPlaceholderFragment = `\S+`

var (
	placeholderRe      = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
	anyPlaceholderRe   = regexp.MustCompile(`\{[^}]*\}`)
	patternLengthLimit = 256
	wildcardLimit      = 10
)

// Normalize prepares a command for grant comparison: trimmed, whitespace
// runs collapsed, lowercased.
func Normalize(command string) string {
	return strings.ToLower(strings.Join(strings.Fields(command), " "))
}

// IsPattern reports whether the entry carries pattern syntax at all. Plain
// entries compare with ==.
func IsPattern(s string) bool {
	return strings.Contains(s, "*") || (strings.Contains(s, "{") && strings.Contains(s, "}"))
}

// CompilePattern turns a granted pattern into an anchored case-insensitive
// regexp. Length and wildcard counts are capped so an approver cannot be
// talked into a pattern that backtracks forever.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > patternLengthLimit {
		return nil, fmt.Errorf("pattern exceeds %d characters (%d)", patternLengthLimit, len(pattern))
	}
	if strings.Contains(pattern, "***") {
		return nil, fmt.Errorf("pattern contains invalid wildcard run (***)")
	}
	withoutPlaceholders := anyPlaceholderRe.ReplaceAllString(pattern, "")
	if n := strings.Count(withoutPlaceholders, "*"); n > wildcardLimit {
		return nil, fmt.Errorf("pattern has too many wildcards (%d, limit %d)", n, wildcardLimit)
	}

	var b strings.Builder
	last := 0
	for _, m := range placeholderRe.FindAllStringSubmatchIndex(pattern, -1) {
		b.WriteString(globToRegex(pattern[last:m[0]]))
		name := strings.ToLower(pattern[m[2]:m[3]])
		frag, ok := placeholderFragments[name]
		if !ok {
			frag = defaultPlaceholderFragment
		}
		b.WriteString("(?:" + frag + ")")
		last = m[1]
	}
	b.WriteString(globToRegex(pattern[last:]))

	re, err := regexp.Compile(`(?i)^` + b.String() + `$`)
	if err != nil {
		return nil, fmt.Errorf("pattern compile: %w", err)
	}
	return re, nil
}

// globToRegex escapes a literal fragment and then re-opens its wildcards:
// escaped ** becomes .* and a remaining escaped * becomes \S*.
func globToRegex(text string) string {
	if text == "" {
		return ""
	}
	escaped := regexp.QuoteMeta(text)
	escaped = strings.ReplaceAll(escaped, `\*\*`, `.*`)
	return strings.ReplaceAll(escaped, `\*`, `\S*`)
}

// MatchPattern reports whether the normalized command satisfies the granted
// entry. Bad patterns never match.
func MatchPattern(pattern, normalized string) bool {
	if !IsPattern(pattern) {
		return pattern == normalized
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(normalized)
}
