// Package redact provides helpers to avoid exposing credential values in API
// responses, audit records, or logs.
package redact

const redactedValue = "***REDACTED***"

// Token returns a loggable form of a credential: the first 8 characters
// followed by "...". Short values are fully redacted so nothing useful leaks.
func Token(tok string) string {
	if tok == "" {
		return ""
	}
	if len(tok) <= 8 {
		return redactedValue
	}
	return tok[:8] + "..."
}

// APIKey returns a loggable form of an API key. Keys carry no structure worth
// preserving, so only the first 4 characters survive.
func APIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return redactedValue
	}
	return key[:4] + "..."
}
