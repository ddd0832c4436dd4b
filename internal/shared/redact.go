package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// redactRule masks the value group of re. Rules with a prefix group keep
// the prefix so the redacted text stays readable.
type redactRule struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var redactRules = []redactRule{
	// Bot API URLs and bare bot tokens: <bot id>:<secret>.
	{regexp.MustCompile(`\d{6,12}:[A-Za-z0-9_\-]{30,}`), false},
	// Mini App init data hash and challenge signatures.
	{regexp.MustCompile(`(?i)((?:hash|signature)=)([0-9a-f]{32,})`), true},
	// Turnstile siteverify form fields and JSON bodies.
	{regexp.MustCompile(`(?i)((?:secret|response|turnstile_token)"?\s*[:=]\s*"?)([A-Za-z0-9_\-.]{16,})`), true},
	{regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), true},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|secret[_-]?key|auth[_-]?token|signing[_-]?secret)\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{16,})`), true},
}

// Redact masks bot tokens, init data hashes, challenge signatures and
// Turnstile secrets in free text headed for logs or the audit trail.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range redactRules {
		if !rule.keepPrefix {
			out = rule.re.ReplaceAllString(out, redactedPlaceholder)
			continue
		}
		out = rule.re.ReplaceAllString(out, "${1}"+redactedPlaceholder)
	}
	return out
}
