package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are log keys whose values never appear verbatim: signed
// tokens are replay material, and key paths point at secrets on disk.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"task_token":    {},
	"escrow_token":  {},
	"authorization": {},
	"private_key":   {},
}

// IsSensitive reports whether the provided log key carries replayable or
// secret material.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// SensitiveKeys returns a sorted copy of the keys that are always masked.
// Tests use this to ensure signing material never reaches the log stream.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr carrying the value verbatim unless the key is
// sensitive, in which case the placeholder is logged instead.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// TokenDigest renders a short stable fingerprint of a compact token so
// operators can correlate retries without the log ever carrying the token
// itself.
func TokenDigest(token string) string {
	if strings.TrimSpace(token) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
