// Package classify answers the three pre-approval questions about an AWS CLI
// command: is it blocked outright, is it dangerous enough for the warning
// approval card, and is it safe enough to run without asking anyone. It also
// owns the shell-free tokenizer the executor consumes.
package classify

import (
	"regexp"
	"strings"
)

// queryValueRe matches the value of a --query argument. JMESPath expressions
// carry back-ticks and dollar signs that would trip the blocklist scan, so
// the value is excised before matching.
var (
	queryQuotedRe = regexp.MustCompile(`--query\s+(['"]).*?(['"])`)
	queryBareRe   = regexp.MustCompile(`--query\s+[^\s'"]+`)
)

// Normalize collapses whitespace runs to single spaces and trims the ends.
// Comparison is done on a lower-cased copy; the original string is preserved
// by callers for execution and display.
func Normalize(command string) string {
	return strings.Join(strings.Fields(command), " ")
}

// redactQuery replaces any --query value so pattern scanning does not trip
// over JMESPath syntax.
func redactQuery(command string) string {
	out := queryQuotedRe.ReplaceAllString(command, "--query REDACTED")
	return queryBareRe.ReplaceAllString(out, "--query REDACTED")
}

// IsBlocked reports whether the command is unconditionally rejected, and the
// reason when it is. Flags are checked before pattern scanning; file-scheme
// arguments are rejected because they would read broker-local files.
func IsBlocked(command string) (bool, string) {
	lower := strings.ToLower(Normalize(command))

	for _, flag := range blockedFlags {
		if strings.Contains(lower, strings.TrimRight(flag, " ")) {
			return true, "dangerous flag not permitted: " + strings.TrimSpace(flag)
		}
	}

	if strings.Contains(lower, "file://") || strings.Contains(lower, "fileb://") {
		return true, "local file references (file://, fileb://) are not permitted"
	}

	scanned := strings.ToLower(redactQuery(Normalize(command)))
	for _, pattern := range blockedPatterns {
		if strings.Contains(scanned, pattern) {
			return true, "blocked pattern: " + pattern
		}
	}
	return false, ""
}

// IsDangerous reports whether the command matches the high-risk table.
// Dangerous commands still go through approval; they get a warning card and
// no trust shortcut.
func IsDangerous(command string) bool {
	lower := strings.ToLower(command)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// s3ToS3CopyRe matches "aws s3 cp s3://... s3://..." — a cross-bucket copy
// that must not ride the download safelist entry.
var s3ToS3CopyRe = regexp.MustCompile(`^aws s3 cp s3://\S+\s+s3://`)

// IsAutoApprove reports whether the normalized command starts with a safelist
// prefix and no disqualifying override applies.
func IsAutoApprove(command string) bool {
	lower := strings.ToLower(Normalize(command))

	matched := false
	for _, prefix := range autoApprovePrefixes {
		if strings.HasPrefix(lower, prefix) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	// Overrides: safelisted prefixes that stop being safe with certain
	// arguments.
	if strings.Contains(lower, "--with-decryption") {
		return false
	}
	if s3ToS3CopyRe.MatchString(lower) {
		return false
	}
	return true
}
