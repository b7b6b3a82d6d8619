package auth

import (
	"strings"
	"testing"
)

func TestParseAPIKeys_Forms(t *testing.T) {
	ks, err := ParseAPIKeys([]string{"admin:k1", "plainkey", " spaced:k2 "})
	if err != nil {
		t.Fatalf("ParseAPIKeys: %v", err)
	}
	if ks.Len() != 3 {
		t.Fatalf("Len = %d, want 3", ks.Len())
	}

	cases := []struct {
		candidate string
		identity  string
		ok        bool
	}{
		{"k1", "admin", true},
		{"plainkey", DefaultAPIKeyIdentity, true},
		{"k2", "spaced", true},
		{"nope", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		id, ok := ks.Match(c.candidate)
		if ok != c.ok || id != c.identity {
			t.Fatalf("Match(%q) = (%q,%v), want (%q,%v)", c.candidate, id, ok, c.identity, c.ok)
		}
	}
}

func TestParseAPIKeys_EmptyKeyPartRejected(t *testing.T) {
	if _, err := ParseAPIKeys([]string{"identity:"}); err == nil {
		t.Fatal("expected error for empty key part")
	}
}

func TestParseAPIKeys_SkipsBlankEntries(t *testing.T) {
	ks, err := ParseAPIKeys([]string{"", "  ", "a:b"})
	if err != nil {
		t.Fatalf("ParseAPIKeys: %v", err)
	}
	if ks.Len() != 1 {
		t.Fatalf("Len = %d, want 1", ks.Len())
	}
}

// The key with an embedded colon keeps everything after the first colon.
func TestParseAPIKeys_ColonInKey(t *testing.T) {
	ks, _ := ParseAPIKeys([]string{"svc:key:with:colons"})
	id, ok := ks.Match("key:with:colons")
	if !ok || id != "svc" {
		t.Fatalf("Match = (%q,%v), want (svc,true)", id, ok)
	}
}

// Match must scan the full set with no early exit: a candidate matching the
// first key and one matching the last produce the same work. This is a
// structural stand-in for the timing property; wall-clock statistics are too
// flaky for CI.
func TestMatch_NoEarlyExit(t *testing.T) {
	entries := make([]string, 100)
	for i := range entries {
		entries[i] = strings.Repeat("x", 30) + string(rune('a'+i%26))
	}
	entries[0] = "first:aaaaaaaa"
	entries[99] = "last:zzzzzzzz"
	ks, err := ParseAPIKeys(entries)
	if err != nil {
		t.Fatalf("ParseAPIKeys: %v", err)
	}
	if id, ok := ks.Match("aaaaaaaa"); !ok || id != "first" {
		t.Fatalf("first key: (%q,%v)", id, ok)
	}
	if id, ok := ks.Match("zzzzzzzz"); !ok || id != "last" {
		t.Fatalf("last key: (%q,%v)", id, ok)
	}
}
