// Package redact provides helpers for stripping sensitive values from log
// output and structured data before it leaves the process boundary.
//
// # Threat model
//
// Secrets (vendor API keys, channel bot tokens, session and proxy bearers,
// the keyring master key) must never appear in:
//   - Log lines emitted by botmaker or keyring
//   - Audit payloads stored in SQLite
//   - HTTP error bodies returned to the UI or to workers
//
// Redaction is best-effort: it operates on string representations and relies
// on callers to pass the right set of sensitive terms.  It is NOT a
// substitute for keeping secrets out of log call-sites in the first place.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// tokenShapes match credential formats that may leak through upstream error
// messages even when the caller did not know a secret was embedded: vendor
// key prefixes, Telegram bot tokens, bearer header values, and long hex
// strings (master keys, token hashes are fine to log but raw keys are not).
var tokenShapes = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`\bxox[a-z]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{30,}`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{16,}`),
	regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`),
}

// String replaces every occurrence of each sensitive value in s with
// [REDACTED], then scrubs any substring matching a known credential shape.
// Values shorter than 4 characters are skipped to avoid spurious redaction
// of common substrings.
//
// Example:
//
//	safe := redact.String(upstreamErr.Error(), apiKey, channelToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	for _, re := range tokenShapes {
		s = re.ReplaceAllString(s, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for
// every key whose name suggests it contains a secret (password, token, key,
// secret, credential, auth).  Non-string values are left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "bearer"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
