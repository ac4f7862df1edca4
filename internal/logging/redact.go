package logging

import "regexp"

// Patterns for secrets that must never reach the log output. Event server
// URLs in particular tend to carry access tokens as query parameters.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(access_token=)[^&\s"']+`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{16,}`),
	regexp.MustCompile(`(?i)(token|secret|password|api_key)[=:]["']?[a-zA-Z0-9+/=_-]{16,}["']?`),
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces sensitive information in a string before it is logged.
func Redact(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, RedactedValue)
	}
	return result
}
