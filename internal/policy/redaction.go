package policy

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	cinPattern    = regexp.MustCompile(`\b\d{8}\b`)
	fiscalPattern = regexp.MustCompile(`\b\d{7}[A-Za-z]\b`)
)

type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: longer digit runs first so a card is never half-masked as a
// CIN, and identity numbers before phones.
var redactions = []redaction{
	{pattern: emailPattern, marker: "[REDACTED_EMAIL]"},
	{pattern: cardPattern, marker: "[REDACTED_CARD]"},
	{pattern: fiscalPattern, marker: "[REDACTED_FISCAL_ID]"},
	{pattern: cinPattern, marker: "[REDACTED_CIN]"},
	{pattern: phonePattern, marker: "[REDACTED_PHONE]"},
}

// RedactPII masks visitor identity numbers and common contact PII before a
// turn is archived.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactions {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
