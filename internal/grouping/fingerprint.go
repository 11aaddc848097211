package grouping

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Normalization regexes compiled once at package init.
var (
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reLineNumber = regexp.MustCompile(`:\d+`)
	reGoroutine  = regexp.MustCompile(`goroutine \d+`)
	reBracketNum = regexp.MustCompile(`\[\d+\]`)
	reParenNum   = regexp.MustCompile(`\(\d+\)`)
	reWhitespace = regexp.MustCompile(`[ \t]+`)
)

// maxNormalizedBytes bounds the input of the hash.
const maxNormalizedBytes = 8000

// StackTraceHash computes a stable SHA-256 hash of a stack trace that ignores
// addresses, ids and line numbers. Empty traces hash to "".
func StackTraceHash(stackTrace string) string {
	normalized := NormalizeStackTrace(stackTrace)
	if normalized == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}

// NormalizeStackTrace applies all normalization rules line by line and drops
// empty lines.
func NormalizeStackTrace(trace string) string {
	lines := strings.Split(trace, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = reHexAddr.ReplaceAllString(line, "0xADDR")
		line = reUUID.ReplaceAllString(line, "UUID")
		line = reGoroutine.ReplaceAllString(line, "goroutine N")
		line = reLineNumber.ReplaceAllString(line, ":N")
		line = reBracketNum.ReplaceAllString(line, "[N]")
		line = reParenNum.ReplaceAllString(line, "(N)")
		line = reWhitespace.ReplaceAllString(line, " ")
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return truncateString(strings.Join(out, "\n"), maxNormalizedBytes)
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
