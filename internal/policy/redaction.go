package policy

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)
	queryPattern  = regexp.MustCompile(`(?i)\b((?:access_)?token|api[_-]?key|password|secret)=[^&\s"']+`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// RedactSecrets masks credentials and addresses in text that came from a
// remote peer before it reaches logs or callers.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	changed = changed || next != out
	out = next

	next = queryPattern.ReplaceAllString(out, "$1=[REDACTED]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	return out, changed
}
