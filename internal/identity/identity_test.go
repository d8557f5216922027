package identity

import (
	"testing"

	"github.com/orgloop/orgloop/internal/envelope"
)

func TestClassifyDefaultsToUnknownBeforeSync(t *testing.T) {
	r := &Roster{members: make(map[string]struct{})}
	if got := r.Classify("nobody@example.com"); got != envelope.AuthorUnknown {
		t.Fatalf("Classify() = %v, want AuthorUnknown", got)
	}
}

func TestClassifyMatchesCaseInsensitively(t *testing.T) {
	r := &Roster{members: map[string]struct{}{"alice@example.com": {}}}

	if got := r.Classify("Alice@Example.com"); got != envelope.AuthorTeamMember {
		t.Fatalf("Classify() = %v, want AuthorTeamMember", got)
	}
	if got := r.Classify("  alice@example.com  "); got != envelope.AuthorTeamMember {
		t.Fatalf("Classify() with whitespace = %v, want AuthorTeamMember", got)
	}
}

func TestClassifyUnlistedEmailIsUnknown(t *testing.T) {
	r := &Roster{members: map[string]struct{}{"alice@example.com": {}}}
	if got := r.Classify("bob@example.com"); got != envelope.AuthorUnknown {
		t.Fatalf("Classify() = %v, want AuthorUnknown", got)
	}
}

func TestNormalizeLowercasesAndTrims(t *testing.T) {
	if got := normalize(" Bob@Example.COM "); got != "bob@example.com" {
		t.Fatalf("normalize() = %q", got)
	}
}
