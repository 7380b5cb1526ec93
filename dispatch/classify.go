package dispatch

import (
	"regexp"
	"strings"
)

var failurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)loading (css )?chunk \S+ failed|chunkloaderror`),
	regexp.MustCompile(`(?i)\bloading\b.*\bfailed\b`),
	regexp.MustCompile(`(?i)network\s*error`),
	regexp.MustCompile(`(?i)script error`),
	regexp.MustCompile(`(?i)failed to fetch`),
}

// IsCritical reports whether info should send the page to the error route.
// Every promise rejection is critical, as is any message mentioning "test"
// or matching one of the failure patterns.
func IsCritical(info Info) bool {
	if info == nil {
		return false
	}
	msg, _ := describe(info)
	return isCritical(info.Category(), msg)
}

func isCritical(category Category, msg string) bool {
	if category == CategoryPromiseRejection {
		return true
	}
	if strings.Contains(strings.ToLower(msg), "test") {
		return true
	}
	for _, p := range failurePatterns {
		if p.MatchString(msg) {
			return true
		}
	}
	return false
}
