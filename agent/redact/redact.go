// Package redact implements the sensitive-field redaction rules applied to
// both structured request metadata (headers, query/form params, custom
// context maps) and raw SQL text before a profiling payload ever leaves the
// host process.
package redact

import (
	"regexp"
	"strings"
)

// SensitiveKeys is the canonical sensitive-key pattern set from spec.md §4.2,
// matched case-insensitively.
var SensitiveKeys = []string{
	"password", "passwd", "pwd", "pass", "token", "auth_token", "access_token",
	"refresh_token", "api_key", "secret", "private_key", "credit_card",
	"card_number", "cvv", "cvc", "ssn",
}

// AlwaysRedactedHeaders lists header names that are redacted unconditionally,
// regardless of the sensitive-key pattern match.
var AlwaysRedactedHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"x-auth-token":  true,
	"cookie":        true,
}

const (
	maxRecursionDepth = 5
	maxStringLength   = 1000
	maxHeaderValueLen = 500
	redactedMarker    = "[REDACTED]"
	maxDepthMarker    = "[MAX_DEPTH_EXCEEDED]"
)

var sensitiveKeySet map[string]bool

func init() {
	sensitiveKeySet = make(map[string]bool, len(SensitiveKeys))
	for _, k := range SensitiveKeys {
		sensitiveKeySet[strings.ToLower(k)] = true
	}
}

func isSensitiveKey(key string) bool {
	return sensitiveKeySet[strings.ToLower(key)]
}

// Value recursively redacts a JSON-shaped value (map[string]any, []any, or a
// scalar), matching map keys against the sensitive set and truncating long
// strings. Recursion deeper than maxRecursionDepth is replaced with a marker
// rather than walked further.
func Value(v any) any {
	return redactValue(v, 0)
}

func redactValue(v any, depth int) any {
	if depth > maxRecursionDepth {
		return maxDepthMarker
	}

	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if isSensitiveKey(k) {
				out[k] = redactedMarker
				continue
			}
			out[k] = redactValue(vv, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = redactValue(vv, depth+1)
		}
		return out
	case string:
		return truncateString(val, maxStringLength)
	default:
		return val
	}
}

// Header redacts a single HTTP header value. Headers on the always-redacted
// list are fully masked; others are truncated if overlong.
func Header(name, value string) string {
	if AlwaysRedactedHeaders[strings.ToLower(name)] {
		return redactedMarker
	}
	return truncateString(value, maxHeaderValueLen)
}

// Headers redacts an entire header map.
func Headers(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, vs := range headers {
		if len(vs) == 0 {
			continue
		}
		out[k] = Header(k, strings.Join(vs, ", "))
	}
	return out
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[TRUNCATED]"
}

// keyValuePattern matches `key=value` or `key='value'` assignments inside SQL
// text for a given sensitive key name.
func keyValuePattern(key string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(key)
	return regexp.MustCompile(`(?i)(\b` + escaped + `\s*=\s*)('[^']*'|"[^"]*"|[^\s,)]+)`)
}

var cardNumberPattern = regexp.MustCompile(`\b(?:\d[ -]?){16}\b`)

// cardKeys names the key=value rules whose value is a card number: once the
// digit pattern above has already replaced that value with [CARD-REDACTED],
// these keys must not run again and wrap it in a second, key=value-style
// [REDACTED] marker.
var cardKeys = map[string]bool{
	"card_number": true,
	"credit_card": true,
}

var sqlPatterns []*regexp.Regexp

func init() {
	for _, k := range SensitiveKeys {
		if cardKeys[k] {
			continue
		}
		sqlPatterns = append(sqlPatterns, keyValuePattern(k))
	}
}

// SQL redacts 16-digit card-number-shaped sequences and sensitive
// key=value / key='value' assignments out of a raw SQL statement. The card
// pattern runs first, since a quoted card number (e.g. card_number='4111
// 1111 1111 1111') would otherwise be masked by the card_number key=value
// rule before the digit pattern ever sees it, losing the distinct
// [CARD-REDACTED] marker spec.md §4.2/S5 requires. It preserves the
// surrounding quote style for non-card keys (e.g. password='s3cret!'
// becomes password='[REDACTED]').
func SQL(statement string) string {
	out := cardNumberPattern.ReplaceAllString(statement, "[CARD-REDACTED]")
	for _, p := range sqlPatterns {
		out = p.ReplaceAllStringFunc(out, func(match string) string {
			loc := p.FindStringSubmatchIndex(match)
			if loc == nil {
				return match
			}
			prefix := match[loc[2]:loc[3]]
			value := match[loc[4]:loc[5]]
			if len(value) > 0 && (value[0] == '\'' || value[0] == '"') {
				q := string(value[0])
				return prefix + q + redactedMarker + q
			}
			return prefix + redactedMarker
		})
	}
	return out
}
