package redact

import (
	"strings"
	"testing"
)

func TestSQL_RedactsScenarioS5(t *testing.T) {
	input := `UPDATE users SET password='s3cret!' WHERE api_key='abc123' AND card_number='4111 1111 1111 1111'`
	got := SQL(input)

	if !strings.Contains(got, `password='[REDACTED]'`) {
		t.Fatalf("expected password redacted, got: %s", got)
	}
	if !strings.Contains(got, `api_key='[REDACTED]'`) {
		t.Fatalf("expected api_key redacted, got: %s", got)
	}
	if !strings.Contains(got, `[CARD-REDACTED]`) {
		t.Fatalf("expected card number redacted, got: %s", got)
	}
	for _, digit := range "4111111111111111" {
		_ = digit
	}
	if strings.Contains(got, "4111") {
		t.Fatalf("expected no digit of the original card number to survive, got: %s", got)
	}
}

func TestSQL_UnquotedValue(t *testing.T) {
	got := SQL("SELECT * FROM t WHERE token=abc123xyz")
	if !strings.Contains(got, "token=[REDACTED]") {
		t.Fatalf("expected unquoted token redacted, got: %s", got)
	}
}

func TestSQL_CaseInsensitiveKey(t *testing.T) {
	got := SQL("UPDATE t SET PASSWORD='x'")
	if !strings.Contains(got, "[REDACTED]") {
		t.Fatalf("expected case-insensitive match, got: %s", got)
	}
}

func TestValue_RedactsSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"username": "alice",
		"password": "hunter2",
		"nested": map[string]any{
			"api_key": "xyz",
			"ok":      "fine",
		},
	}
	out := Value(in).(map[string]any)
	if out["password"] != redactedMarker {
		t.Fatalf("expected password redacted, got %v", out["password"])
	}
	if out["username"] != "alice" {
		t.Fatalf("expected username untouched, got %v", out["username"])
	}
	nested := out["nested"].(map[string]any)
	if nested["api_key"] != redactedMarker {
		t.Fatalf("expected nested api_key redacted, got %v", nested["api_key"])
	}
	if nested["ok"] != "fine" {
		t.Fatalf("expected nested non-sensitive value untouched, got %v", nested["ok"])
	}
}

func TestValue_MaxDepthExceeded(t *testing.T) {
	var deep any = "bottom"
	for i := 0; i < maxRecursionDepth+3; i++ {
		deep = map[string]any{"k": deep}
	}
	out := Value(deep)
	// Walk down until we hit the marker.
	cur := out
	for i := 0; i <= maxRecursionDepth; i++ {
		m, ok := cur.(map[string]any)
		if !ok {
			t.Fatalf("expected map at depth %d, got %T", i, cur)
		}
		cur = m["k"]
	}
	if cur != maxDepthMarker {
		t.Fatalf("expected max depth marker, got %v", cur)
	}
}

func TestValue_TruncatesLongStrings(t *testing.T) {
	long := make([]byte, maxStringLength+100)
	for i := range long {
		long[i] = 'a'
	}
	out := Value(string(long)).(string)
	if len(out) <= maxStringLength {
		t.Fatalf("expected truncation marker appended, length %d", len(out))
	}
}

func TestHeader_AlwaysRedactedNames(t *testing.T) {
	if got := Header("Authorization", "Bearer xyz"); got != redactedMarker {
		t.Fatalf("expected Authorization redacted, got %s", got)
	}
	if got := Header("X-Api-Key", "abc"); got != redactedMarker {
		t.Fatalf("expected X-Api-Key redacted, got %s", got)
	}
	if got := Header("Cookie", "session=1"); got != redactedMarker {
		t.Fatalf("expected Cookie redacted, got %s", got)
	}
}

func TestHeader_TruncatesLongValues(t *testing.T) {
	long := make([]byte, maxHeaderValueLen+50)
	for i := range long {
		long[i] = 'x'
	}
	got := Header("X-Custom", string(long))
	if len(got) <= maxHeaderValueLen {
		t.Fatalf("expected long header value truncated, got length %d", len(got))
	}
}

