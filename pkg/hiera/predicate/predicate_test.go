package predicate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPredicateKey(t *testing.T) {
	p := New("near", "agent", "key")
	if got, want := p.Key(), "near(agent,key)"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
	if got, want := New("alive").Key(), "alive()"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestIdentityIgnoresConfidence(t *testing.T) {
	a := New("near", "agent", "key")
	b := a
	b.Confidence = 0.3
	if a.Key() != b.Key() {
		t.Error("identity must not depend on confidence")
	}
}

func TestEpisodeFactsDeduplicates(t *testing.T) {
	low := New("near", "a", "k")
	low.Confidence = 0.4
	high := New("near", "a", "k")
	high.Confidence = 0.9
	ep := Episode{Predicates: []Predicate{low, high, New("open", "d")}}

	facts := ep.Facts()
	if len(facts) != 2 {
		t.Fatalf("expected 2 unique facts, got %d", len(facts))
	}
	if got := facts["near(a,k)"].Confidence; got != 0.9 {
		t.Errorf("merge should keep max confidence, got %f", got)
	}
}

func TestParseTemplate(t *testing.T) {
	tests := []struct {
		in      string
		want    Template
		wantErr bool
	}{
		{in: "near(?x,?y)", want: Template{Name: "near", Args: []string{"?x", "?y"}}},
		{in: " unlocked( ?k ) ", want: Template{Name: "unlocked", Args: []string{"?k"}}},
		{in: "holds(box,?x)", want: Template{Name: "holds", Args: []string{"box", "?x"}}},
		{in: "alive", want: Template{Name: "alive"}},
		{in: "alive()", want: Template{Name: "alive"}},
		{in: "", wantErr: true},
		{in: "(?x)", wantErr: true},
		{in: "near(?x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTemplate(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTemplate(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTemplate(%q): %v", tt.in, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseTemplate(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestTemplateVariablesAndMatches(t *testing.T) {
	tmpl := Template{Name: "near", Args: []string{"?x", "box", "?x", "?y"}}
	if diff := cmp.Diff([]string{"?x", "?y"}, tmpl.Variables()); diff != "" {
		t.Errorf("Variables mismatch (-want +got):\n%s", diff)
	}

	if !tmpl.Matches(New("near", "a", "box", "c", "d")) {
		t.Error("template should match on name, arity, and ground args")
	}
	if tmpl.Matches(New("near", "a", "crate", "c", "d")) {
		t.Error("ground arg mismatch should not match")
	}
	if tmpl.Matches(New("near", "a", "box")) {
		t.Error("arity mismatch should not match")
	}
}

func TestTemplateSubstitute(t *testing.T) {
	tmpl := Template{Name: "near", Args: []string{"?x", "?y"}}
	sub := tmpl.Substitute(map[string]string{"?x": "agent"})
	if got, want := sub.Key(), "near(agent,?y)"; got != want {
		t.Errorf("Substitute = %q, want %q", got, want)
	}
	if sub.Ground() {
		t.Error("partially substituted template must not be ground")
	}
}

func TestNegationPairs(t *testing.T) {
	if !IsNegationPair("open", "not_open") {
		t.Error("open / not_open should be a negation pair")
	}
	if !IsNegationPair("not_open", "open") {
		t.Error("negation pairing should be symmetric")
	}
	if IsNegationPair("open", "open") {
		t.Error("a predicate is not its own negation")
	}
	if IsNegationPair("open", "not_shut") {
		t.Error("unrelated names are not a negation pair")
	}
}

func TestFingerprintInvariance(t *testing.T) {
	a := Template{Name: "near", Args: []string{"?p", "?q"}}
	b := Template{Name: "unlocked", Args: []string{"?q"}}

	fp1 := Fingerprint(OpAnd, []Template{a, b})
	fp2 := Fingerprint(OpAnd, []Template{b, a})
	if fp1 != fp2 {
		t.Errorf("AND fingerprint should ignore component order: %q vs %q", fp1, fp2)
	}

	// Renamed variables, same structure.
	a2 := Template{Name: "near", Args: []string{"?s", "?t"}}
	b2 := Template{Name: "unlocked", Args: []string{"?t"}}
	if fp1 != Fingerprint(OpAnd, []Template{a2, b2}) {
		t.Error("fingerprint should be invariant under variable renaming")
	}

	// Different variable topology is a different concept.
	b3 := Template{Name: "unlocked", Args: []string{"?p"}}
	if fp1 == Fingerprint(OpAnd, []Template{a, b3}) {
		t.Error("different variable sharing must change the fingerprint")
	}
}

func TestFingerprintRepeatedComponentNames(t *testing.T) {
	qa := Template{Name: "q", Args: []string{"?a"}}
	qb := Template{Name: "q", Args: []string{"?b"}}
	ra := Template{Name: "r", Args: []string{"?a"}}
	fp1 := Fingerprint(OpAnd, []Template{qa, qb, ra})

	// The same rule with ?a and ?b swapped. Repeated component names make
	// the spelled keys sort differently, which must not leak into the
	// fingerprint.
	rb := Template{Name: "r", Args: []string{"?b"}}
	fp2 := Fingerprint(OpAnd, []Template{qb, qa, rb})
	if fp1 != fp2 {
		t.Errorf("renaming changed the fingerprint: %q vs %q", fp1, fp2)
	}

	// r over a third variable is a different sharing structure.
	rc := Template{Name: "r", Args: []string{"?c"}}
	if fp1 == Fingerprint(OpAnd, []Template{qa, qb, rc}) {
		t.Error("unshared variable must change the fingerprint")
	}
}

func TestFingerprintSequenceKeepsOrder(t *testing.T) {
	a := Template{Name: "press", Args: []string{"?x"}}
	b := Template{Name: "open", Args: []string{"?x"}}
	fpAB := Fingerprint(OpSequence, []Template{a, b})
	fpBA := Fingerprint(OpSequence, []Template{b, a})
	if fpAB == fpBA {
		t.Error("SEQUENCE fingerprint must preserve temporal order")
	}
}

func TestRuleVariablesAndDeps(t *testing.T) {
	r := Rule{
		Produces: "goal",
		Op:       OpAnd,
		Components: []Template{
			{Name: "near", Args: []string{"?x", "?y"}},
			{Name: "unlocked", Args: []string{"?y"}},
			{Name: "near", Args: []string{"?x", "?z"}},
		},
	}
	if diff := cmp.Diff([]string{"?x", "?y", "?z"}, r.Variables()); diff != "" {
		t.Errorf("Variables mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"near", "unlocked"}, r.DependsOn()); diff != "" {
		t.Errorf("DependsOn mismatch (-want +got):\n%s", diff)
	}
}
