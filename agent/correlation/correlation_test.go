package correlation

import (
	"regexp"
	"testing"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestNewID_IsCanonicalV4(t *testing.T) {
	id := NewID()
	if !uuidPattern.MatchString(id) {
		t.Fatalf("expected canonical v4 UUID, got %q", id)
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestFormatAndParseComment_RoundTrip(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := NewID()
		comment := FormatComment(id)
		got, ok := ParseComment(comment)
		if !ok {
			t.Fatalf("expected comment to parse: %s", comment)
		}
		if got != id {
			t.Fatalf("round trip mismatch: want %s got %s", id, got)
		}
	}
}

func TestParseComment_EmbeddedInQuery(t *testing.T) {
	id := NewID()
	sql := FormatComment(id) + " SELECT * FROM users WHERE id = 1"
	got, ok := ParseComment(sql)
	if !ok || got != id {
		t.Fatalf("expected to parse id %s from embedded query, got %s ok=%v", id, got, ok)
	}
}

func TestParseComment_NoTag(t *testing.T) {
	if _, ok := ParseComment("SELECT 1"); ok {
		t.Fatal("expected no correlation tag to be found")
	}
}
