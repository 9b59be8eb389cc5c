package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := gen()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("aud_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "aud_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "aud_")); err != nil {
		t.Fatalf("suffix is not a UUID: %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}
