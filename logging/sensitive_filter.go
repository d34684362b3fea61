package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces any detected secret.
const RedactedPlaceholder = "[REDACTED]"

// secretPatterns match credential shapes that can leak into messages:
// worker URLs with tokens, error strings echoing headers, and so on.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`hf_[A-Za-z0-9]{20,}`),                   // Hugging Face tokens
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`), // Authorization headers
	regexp.MustCompile(`\$2[aby]?\$\d{2}\$[./A-Za-z0-9]{53}`),   // bcrypt hashes of API keys
	regexp.MustCompile(`(?i)(x-api-key|apikey|api_key)\s*[:=]\s*[^\s,;&"]{6,}`),
	regexp.MustCompile(`(?i)(token|secret|password)\s*[:=]\s*[^\s,;&"]{8,}`),
	regexp.MustCompile(`(?i)([?&](apiKey|token)=)[^&\s]+`),
}

// sensitiveKeys are field-name fragments whose values are always redacted.
var sensitiveKeys = []string{
	"api_key",
	"apikey",
	"api_keys",
	"token",
	"secret",
	"password",
	"authorization",
}

// RedactString removes recognised secrets from a free-form string.
func RedactString(s string) string {
	if s == "" {
		return s
	}
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, RedactedPlaceholder)
	}
	return s
}

// IsSensitiveKey reports whether a field name should never be logged verbatim.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, frag := range sensitiveKeys {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// ContainsSecret reports whether RedactString would change s.
func ContainsSecret(s string) bool {
	for _, p := range secretPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
