package errors

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Redaction rules applied to anything the core serializes: field names that
// are secrets by convention, and values that look like phone numbers or
// email addresses.

const redactedPlaceholder = "[REDACTED]"

var sensitiveKeyFragments = []string{"password", "token", "secret"}

var (
	// Seven or more digits, allowing common separators between them.
	phonePattern = regexp.MustCompile(`\+?\d(?:[\s\-.()]*\d){6,}`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// SensitiveKey reports whether a field name must never be serialized in
// clear text.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// RedactString removes phone and email shaped substrings from s.
func RedactString(s string) string {
	s = emailPattern.ReplaceAllString(s, redactedPlaceholder)
	s = phonePattern.ReplaceAllString(s, redactedPlaceholder)
	return s
}

// RedactValue redacts a single value, recursing into maps and slices.
func RedactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case map[string]interface{}:
		return RedactFields(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = RedactValue(item)
		}
		return out
	default:
		return v
	}
}

// RedactFields returns a copy of fields with sensitive keys masked and
// phone/email shaped values removed. The input map is not mutated.
func RedactFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if SensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = RedactValue(v)
	}
	return out
}

// MarshalJSON serializes the error with redaction applied to the message and
// context. Raw store errors and user identifiers never reach serialized form.
func (e *ServiceError) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type       Type                   `json:"type"`
		Code       string                 `json:"code"`
		Message    string                 `json:"message"`
		Retryable  bool                   `json:"retryable"`
		RetryAfter int64                  `json:"retry_after_ms,omitempty"`
		Context    map[string]interface{} `json:"context,omitempty"`
	}
	return json.Marshal(wire{
		Type:       e.Type,
		Code:       e.Code,
		Message:    RedactString(e.Message),
		Retryable:  e.Retryable,
		RetryAfter: e.RetryAfter.Milliseconds(),
		Context:    RedactFields(e.Context),
	})
}
