package logging

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys logged verbatim by MaskField.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"error":     {},
	"operation": {},
	"listen":    {},
	"backend":   {},
	"driver":    {},
	"asset":     {},
	"user":      {},
}

// Keys masked by every handler built with Setup, whoever logs them.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"jwt_secret":    {},
	"password":      {},
	"secret":        {},
	"token":         {},
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsAllowlisted reports whether MaskField passes key through.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[normalizeKey(key)]
	return ok
}

// RedactionAllowlist returns the allowlisted keys in sorted order.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue redacts non-empty values and leaves blanks untouched.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField redacts value unless key is allowlisted.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// MaskDSN keeps scheme, host and path of a connection URL, dropping
// credentials and query. Anything else, file paths included, is masked.
func MaskDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return RedactedValue
	}
	parsed.User = nil
	parsed.RawQuery = ""
	return parsed.String()
}

// redactAttr masks string attributes under sensitive keys. It runs inside
// the handlers' ReplaceAttr hook.
func redactAttr(attr slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[normalizeKey(attr.Key)]; !ok {
		return attr
	}
	if attr.Value.Kind() != slog.KindString {
		return slog.String(attr.Key, RedactedValue)
	}
	return slog.String(attr.Key, MaskValue(attr.Value.String()))
}
