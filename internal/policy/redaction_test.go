package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +216 (71) 123-987 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIVisitorIdentifiers(t *testing.T) {
	out, changed := RedactPII("Dupont Jean, CIN 01234567, matricule 1234567A")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if strings.Contains(out, "01234567") || strings.Contains(out, "1234567A") {
		t.Fatalf("identifiers leaked: %q", out)
	}
	for _, marker := range []string{"[REDACTED_CIN]", "[REDACTED_FISCAL_ID]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if !strings.Contains(out, "Dupont Jean") {
		t.Fatalf("names should be kept: %q", out)
	}
}

func TestRedactPIILeavesPlainQueries(t *testing.T) {
	in := "how many visitors this week"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII(%q) = (%q, %v), want unchanged", in, out, changed)
	}
}
