package uniqueid

import (
	"strings"
	"testing"
)

func TestUniqueIdUniqueness(t *testing.T) {
	const n = 10000
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id := UniqueId()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestUniqueIdURLSafe(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := UniqueId()
		if strings.ContainsAny(id, "+/=") {
			t.Fatalf("id contains non-URL-safe characters: %s", id)
		}
		if len(id) == 0 {
			t.Fatal("empty id")
		}
	}
}
