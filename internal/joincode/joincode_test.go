package joincode

import (
	"strings"
	"testing"
)

func TestGenerate_Format(t *testing.T) {
	for i := 0; i < 1000; i++ {
		code := Generate()
		if len(code) != Length {
			t.Fatalf("code %q has length %d, want %d", code, len(code), Length)
		}
		for _, c := range code {
			if !strings.ContainsRune(Alphabet, c) {
				t.Fatalf("code %q contains %q, outside alphabet", code, c)
			}
		}
	}
}

func TestGenerate_NoAmbiguousCharacters(t *testing.T) {
	for _, c := range "IO01" {
		if strings.ContainsRune(Alphabet, c) {
			t.Errorf("alphabet contains ambiguous character %q", c)
		}
	}
}

func TestUnique_RetriesUntilFree(t *testing.T) {
	taken := map[string]bool{}
	// Mark the first few generated codes as taken to force retries.
	calls := 0
	code := Unique(func(c string) bool {
		calls++
		if calls <= 3 {
			taken[c] = true
			return true
		}
		return taken[c]
	})
	if taken[code] {
		t.Fatalf("Unique returned a taken code %q", code)
	}
}

func TestEqual_CaseInsensitive(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"ABC234", "abc234", true},
		{"ABC234", " abc234 ", true},
		{"ABC234", "ABC235", false},
		{"", "", true},
	}
	for _, tt := range tests {
		if got := Equal(tt.a, tt.b); got != tt.want {
			t.Errorf("Equal(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
