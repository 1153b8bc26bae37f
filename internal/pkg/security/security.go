// Package security provides helpers that keep untrusted telemetry and
// request data safe to write to logs.
package security

import (
	"net/http"
	"strings"
	"unicode"
)

// Redacted replaces masked values.
const Redacted = "[REDACTED]"

// DefaultLogLength bounds sanitized log values.
const DefaultLogLength = 200

// SanitizeForLog escapes line breaks, drops other control characters and
// truncates to DefaultLogLength, so client supplied keys cannot forge log lines.
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, DefaultLogLength)
}

// SanitizeForLogWithLength sanitizes a string for logging with a custom max length.
func SanitizeForLogWithLength(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(min(len(s), maxLen+10))

	count := 0
	for _, r := range s {
		if count >= maxLen {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
			count += 2
		case '\r':
			b.WriteString("\\r")
			count += 2
		case '\t':
			b.WriteString("\\t")
			count += 2
		default:
			if !unicode.IsControl(r) {
				b.WriteRune(r)
				count++
			}
		}
	}

	return b.String()
}

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"api-key":             true,
	"x-auth-token":        true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
}

// Substrings of a key name that mark its value as secret.
var sensitiveFieldPatterns = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"credential",
	"auth",
}

// MaskSensitiveHeaders returns a copy of headers with secret values masked.
func MaskSensitiveHeaders(headers http.Header) http.Header {
	if headers == nil {
		return nil
	}

	masked := make(http.Header, len(headers))
	for key, values := range headers {
		if sensitiveHeaders[strings.ToLower(key)] || IsSensitiveKey(key) {
			masked[key] = []string{Redacted}
			continue
		}
		masked[key] = append([]string(nil), values...)
	}
	return masked
}

// MaskMetadata returns a copy of record metadata with secret looking values
// masked, descending into nested objects and arrays. Token counts such as
// "prompt_tokens" are left alone.
func MaskMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = maskValue(v)
	}
	return out
}

func maskValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return MaskMetadata(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = maskValue(e)
		}
		return out
	default:
		return v
	}
}

// IsSensitiveKey reports whether a key name likely holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasSuffix(lower, "_tokens") || strings.HasSuffix(lower, "token_count") {
		return false
	}
	for _, pattern := range sensitiveFieldPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
