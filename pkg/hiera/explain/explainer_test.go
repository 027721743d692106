package explain

import (
	"strings"
	"testing"

	"github.com/conceptmesh/hiera/pkg/hiera/hierarchy"
	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
)

func tmpl(t *testing.T, s string) predicate.Template {
	t.Helper()
	parsed, err := predicate.ParseTemplate(s)
	if err != nil {
		t.Fatalf("parse template %q: %v", s, err)
	}
	return parsed
}

func insert(t *testing.T, h *hierarchy.Hierarchy, name string, level int, comps ...predicate.Template) {
	t.Helper()
	p := predicate.Predicate{
		Name:       name,
		Args:       []string{"?v0", "?v1"},
		Confidence: 1.0,
		Level:      level,
		Source:     predicate.SourceComposed,
	}
	r := predicate.Rule{Produces: name, Op: predicate.OpAnd, Components: comps, Confidence: 1.0}
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert %s: %v", name, err)
	}
}

func twoLevel(t *testing.T) *hierarchy.Hierarchy {
	t.Helper()
	h, err := hierarchy.New(hierarchy.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	insert(t, h, "goal", 1, tmpl(t, "near(?v0,?v1)"), tmpl(t, "unlocked(?v1)"))
	insert(t, h, "carry_goal", 2, tmpl(t, "goal(?v0,?v1)"), tmpl(t, "holds(?v0)"))
	return h
}

func level0() []predicate.Predicate {
	return []predicate.Predicate{
		predicate.New("near", "box", "key"),
		predicate.New("unlocked", "key"),
		predicate.New("holds", "box"),
	}
}

func TestExplainDerivedPredicate(t *testing.T) {
	e := New(twoLevel(t))
	target := predicate.Predicate{Name: "goal", Args: []string{"box", "key"}}

	trace, ok := e.Explain(target, level0())
	if !ok {
		t.Fatal("goal(box,key) is derivable and must be explainable")
	}
	root := trace.Root
	if root.Rule == nil || root.Rule.Produces != "goal" {
		t.Fatalf("root rule = %+v, want the goal rule", root.Rule)
	}
	if len(root.Consumed) != 2 {
		t.Fatalf("root consumed %d steps, want 2", len(root.Consumed))
	}
	for _, child := range root.Consumed {
		if child.Rule != nil {
			t.Errorf("level-0 fact %s must have no rule", child.Predicate.Key())
		}
	}
	if got := root.Binding["?v1"]; got != "key" {
		t.Errorf("binding ?v1 = %q, want key", got)
	}
}

func TestExplainNestedDerivation(t *testing.T) {
	e := New(twoLevel(t))
	target := predicate.Predicate{Name: "carry_goal", Args: []string{"box", "key"}}

	trace, ok := e.Explain(target, level0())
	if !ok {
		t.Fatal("carry_goal(box,key) is derivable and must be explainable")
	}
	var inner *Step
	for i := range trace.Root.Consumed {
		if trace.Root.Consumed[i].Predicate.Name == "goal" {
			inner = &trace.Root.Consumed[i]
		}
	}
	if inner == nil {
		t.Fatal("nested trace must contain the level-1 step")
	}
	if inner.Rule == nil || len(inner.Consumed) != 2 {
		t.Errorf("level-1 step should carry its own rule and inputs, got %+v", inner)
	}
}

func TestExplainNotDerivable(t *testing.T) {
	e := New(twoLevel(t))
	target := predicate.Predicate{Name: "goal", Args: []string{"box", "door"}}
	if _, ok := e.Explain(target, level0()); ok {
		t.Error("goal(box,door) has no witness and must not be explainable")
	}
}

func TestTraceString(t *testing.T) {
	e := New(twoLevel(t))
	target := predicate.Predicate{Name: "carry_goal", Args: []string{"box", "key"}}
	trace, ok := e.Explain(target, level0())
	if !ok {
		t.Fatal("expected a trace")
	}
	s := trace.String()
	for _, want := range []string{"carry_goal(box,key)", "goal(box,key)", "near(box,key)", "?v1=key"} {
		if !strings.Contains(s, want) {
			t.Errorf("rendered trace missing %q:\n%s", want, s)
		}
	}
	if !strings.Contains(s, "\n  ") {
		t.Error("rendered trace should indent consumed steps")
	}
}
