// Package security masks broker credentials before they reach logs,
// errors or command output.
package security

import (
	"regexp"
	"strings"
)

// sensitivePatterns match credential key/value pairs in JSON bodies,
// query strings and headers. Group 1 is kept, group 2 is masked.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)("(?:appkey|appsecret|secretkey|app_key|app_secret|approval_key|access_token)"\s*:\s*")([^"]+)`),
	regexp.MustCompile(`(?i)((?:appkey|appsecret|secretkey|approval_key|access_token)=)([^&\s]+)`),
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._\-]+)`),
}

// MaskCredential keeps the first and last four characters of long values
// and masks everything else.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// Redact masks every credential value found in input.
func Redact(input string) string {
	for _, pattern := range sensitivePatterns {
		input = pattern.ReplaceAllStringFunc(input, func(match string) string {
			parts := pattern.FindStringSubmatch(match)
			return parts[1] + MaskCredential(parts[2])
		})
	}
	return input
}

// ContainsCredential reports whether input carries an unmasked credential.
func ContainsCredential(input string) bool {
	for _, pattern := range sensitivePatterns {
		for _, m := range pattern.FindAllStringSubmatch(input, -1) {
			if !strings.Contains(m[2], "*") {
				return true
			}
		}
	}
	return false
}
