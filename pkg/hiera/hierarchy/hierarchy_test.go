package hierarchy

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/conceptmesh/hiera/pkg/hiera/internalerr"
	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
)

func composite(name string, level int, args ...string) predicate.Predicate {
	return predicate.Predicate{
		Name:       name,
		Args:       args,
		Confidence: 1.0,
		Level:      level,
		Source:     predicate.SourceComposed,
	}
}

func mustTemplate(t *testing.T, s string) predicate.Template {
	t.Helper()
	parsed, err := predicate.ParseTemplate(s)
	if err != nil {
		t.Fatalf("parse template %q: %v", s, err)
	}
	return parsed
}

// nearUnlocked returns the canonical test rule: goal(?v0,?v1) :-
// near(?v0,?v1) AND unlocked(?v1).
func nearUnlocked(t *testing.T) (predicate.Predicate, predicate.Rule) {
	t.Helper()
	rule := predicate.Rule{
		Produces: "goal",
		Op:       predicate.OpAnd,
		Components: []predicate.Template{
			mustTemplate(t, "near(?v0,?v1)"),
			mustTemplate(t, "unlocked(?v1)"),
		},
		Confidence: 1.0,
	}
	return composite("goal", 1, "?v0", "?v1"), rule
}

func newHierarchy(t *testing.T) *Hierarchy {
	t.Helper()
	h, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestInsertAndGetActive(t *testing.T) {
	h := newHierarchy(t)
	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := len(h.GetActive(1)); got != 1 {
		t.Errorf("GetActive(1) = %d predicates, want 1", got)
	}
	if got := len(h.GetActive(2)); got != 0 {
		t.Errorf("GetActive(2) = %d predicates, want 0", got)
	}
	if got := len(h.GetActive(-1)); got != 1 {
		t.Errorf("GetActive(-1) = %d predicates, want 1", got)
	}
	if level, ok := h.LevelOf("goal"); !ok || level != 1 {
		t.Errorf("LevelOf(goal) = (%d, %v), want (1, true)", level, ok)
	}
}

func TestDefinition(t *testing.T) {
	h := newHierarchy(t)
	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, rule, err := h.Definition("goal")
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	if got.Name != "goal" || rule.Op != predicate.OpAnd || len(rule.Components) != 2 {
		t.Errorf("Definition = (%+v, %+v)", got, rule)
	}
	if _, _, err := h.Definition("near"); !errors.Is(err, internalerr.ErrNotFound) {
		t.Errorf("Definition(near) = %v, want ErrNotFound for level-0 vocabulary", err)
	}
}

func TestInsertDuplicateName(t *testing.T) {
	h := newHierarchy(t)
	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	version := h.Version()
	if err := h.Insert(p, r); !errors.Is(err, internalerr.ErrDuplicateName) {
		t.Errorf("second Insert = %v, want ErrDuplicateName", err)
	}
	if h.Version() != version {
		t.Error("failed insert must leave the version unchanged")
	}
}

func TestInsertCycleDetected(t *testing.T) {
	h := newHierarchy(t)

	a := composite("a_pred", 1, "?x")
	ruleA := predicate.Rule{
		Produces:   "a_pred",
		Op:         predicate.OpAnd,
		Components: []predicate.Template{mustTemplate(t, "b_pred(?x)"), mustTemplate(t, "base(?x)")},
		Confidence: 1.0,
	}
	if err := h.Insert(a, ruleA); err != nil {
		t.Fatalf("Insert a_pred: %v", err)
	}

	b := composite("b_pred", 2, "?x")
	ruleB := predicate.Rule{
		Produces:   "b_pred",
		Op:         predicate.OpAnd,
		Components: []predicate.Template{mustTemplate(t, "a_pred(?x)"), mustTemplate(t, "base(?x)")},
		Confidence: 1.0,
	}
	err := h.Insert(b, ruleB)
	if !errors.Is(err, internalerr.ErrCycleDetected) {
		t.Fatalf("Insert b_pred = %v, want ErrCycleDetected", err)
	}
	if _, ok := h.LevelOf("b_pred"); ok {
		t.Error("rejected insert must not leave partial state")
	}
}

func TestInsertLevelInversion(t *testing.T) {
	h := newHierarchy(t)
	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert goal: %v", err)
	}

	meta := composite("meta", 1, "?x", "?y")
	ruleMeta := predicate.Rule{
		Produces:   "meta",
		Op:         predicate.OpAnd,
		Components: []predicate.Template{mustTemplate(t, "goal(?x,?y)"), mustTemplate(t, "near(?x,?y)")},
		Confidence: 1.0,
	}
	if err := h.Insert(meta, ruleMeta); !errors.Is(err, internalerr.ErrLevelInversion) {
		t.Errorf("Insert meta = %v, want ErrLevelInversion", err)
	}
}

func TestInsertNameMismatch(t *testing.T) {
	h := newHierarchy(t)
	p, r := nearUnlocked(t)
	p.Name = "other"
	if err := h.Insert(p, r); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Errorf("Insert = %v, want ErrInvalidInput", err)
	}
}

func TestEvaluateDerivesComposite(t *testing.T) {
	h := newHierarchy(t)
	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	level0 := []predicate.Predicate{
		predicate.New("near", "box", "key"),
		predicate.New("unlocked", "key"),
	}
	out := h.Evaluate(level0)
	if len(out) != 3 {
		t.Fatalf("Evaluate returned %d predicates, want 3 (2 inputs + 1 derived)", len(out))
	}
	derived := findByKey(out, "goal(box,key)")
	if derived == nil {
		t.Fatalf("goal(box,key) not derived, got %v", out)
	}
	if derived.Level != 1 || derived.Source != predicate.SourceComposed {
		t.Errorf("derived = %+v, want level 1, composed", derived)
	}
}

func TestEvaluateMultiLevel(t *testing.T) {
	h := newHierarchy(t)
	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert goal: %v", err)
	}

	p2 := composite("carry_goal", 2, "?v0", "?v1")
	r2 := predicate.Rule{
		Produces:   "carry_goal",
		Op:         predicate.OpAnd,
		Components: []predicate.Template{mustTemplate(t, "goal(?v0,?v1)"), mustTemplate(t, "holds(?v0)")},
		Confidence: 1.0,
	}
	if err := h.Insert(p2, r2); err != nil {
		t.Fatalf("Insert carry_goal: %v", err)
	}

	out := h.Evaluate([]predicate.Predicate{
		predicate.New("near", "box", "key"),
		predicate.New("unlocked", "key"),
		predicate.New("holds", "box"),
	})
	if findByKey(out, "goal(box,key)") == nil {
		t.Fatal("level-1 predicate missing")
	}
	derived := findByKey(out, "carry_goal(box,key)")
	if derived == nil {
		t.Fatalf("level-2 predicate missing, got %v", out)
	}
	if derived.Level != 2 {
		t.Errorf("level = %d, want 2", derived.Level)
	}
}

// Evaluate is idempotent: feeding its own output back yields no new
// predicates.
func TestEvaluateIdempotent(t *testing.T) {
	h := newHierarchy(t)
	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	level0 := []predicate.Predicate{
		predicate.New("near", "box", "key"),
		predicate.New("unlocked", "key"),
	}
	first := h.Evaluate(level0)
	second := h.Evaluate(first)
	if len(first) != len(second) {
		t.Fatalf("closure not stable: %d then %d predicates", len(first), len(second))
	}
	for i := range first {
		if first[i].Key() != second[i].Key() {
			t.Errorf("closure changed at %d: %s vs %s", i, first[i].Key(), second[i].Key())
		}
	}
}

func TestEvaluateOrRule(t *testing.T) {
	h := newHierarchy(t)
	p := composite("passable", 1, "?v0")
	r := predicate.Rule{
		Produces:   "passable",
		Op:         predicate.OpOr,
		Components: []predicate.Template{mustTemplate(t, "door_open(?v0)"), mustTemplate(t, "door_broken(?v0)")},
		Confidence: 1.0,
	}
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	out := h.Evaluate([]predicate.Predicate{predicate.New("door_broken", "east")})
	if findByKey(out, "passable(east)") == nil {
		t.Errorf("OR rule should fire on a single component, got %v", out)
	}
}

func TestEvaluateCacheInvalidatedByInsert(t *testing.T) {
	h := newHierarchy(t)
	level0 := []predicate.Predicate{
		predicate.New("near", "box", "key"),
		predicate.New("unlocked", "key"),
	}
	if got := len(h.Evaluate(level0)); got != 2 {
		t.Fatalf("empty hierarchy evaluation = %d predicates, want 2", got)
	}

	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if findByKey(h.Evaluate(level0), "goal(box,key)") == nil {
		t.Error("post-insert evaluation must see the new rule, not the cached result")
	}
}

func newCachedHierarchy(t *testing.T) *Hierarchy {
	t.Helper()
	h, err := New(Config{CacheSize: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestEvaluateCacheKeyedByConfidence(t *testing.T) {
	h := newCachedHierarchy(t)
	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	strong := []predicate.Predicate{
		predicate.New("near", "box", "key"),
		predicate.New("unlocked", "key"),
	}
	derived := findByKey(h.Evaluate(strong), "goal(box,key)")
	if derived == nil {
		t.Fatal("goal(box,key) not derived from full-confidence inputs")
	}
	if derived.Confidence != 1.0 {
		t.Fatalf("confidence = %g, want 1.0", derived.Confidence)
	}

	// Same identities, weaker confidences. The memoized full-confidence
	// result must not be reused: the derived confidence is damped by the
	// weakest consumed fact.
	weak := make([]predicate.Predicate, len(strong))
	for i, f := range strong {
		f.Confidence = 0.5
		weak[i] = f
	}
	derived = findByKey(h.Evaluate(weak), "goal(box,key)")
	if derived == nil {
		t.Fatal("goal(box,key) not derived from weak inputs")
	}
	if derived.Confidence != 0.5 {
		t.Errorf("confidence = %g, want 0.5 from half-confidence inputs", derived.Confidence)
	}
}

func TestEvaluateCachedResultIsolated(t *testing.T) {
	h := newCachedHierarchy(t)
	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	level0 := []predicate.Predicate{
		predicate.New("near", "box", "key"),
		predicate.New("unlocked", "key"),
	}
	first := h.Evaluate(level0)
	if len(first) != 3 {
		t.Fatalf("Evaluate returned %d predicates, want 3", len(first))
	}
	for i := range first {
		first[i] = predicate.New("clobbered")
	}

	second := h.Evaluate(level0)
	if findByKey(second, "goal(box,key)") == nil {
		t.Error("mutating a returned result must not corrupt later evaluations")
	}
	if findByKey(second, "clobbered()") != nil {
		t.Error("caller mutation leaked into the memoized result")
	}
}

func TestEvaluateEmptyInput(t *testing.T) {
	h := newHierarchy(t)
	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if out := h.Evaluate(nil); len(out) != 0 {
		t.Errorf("no level-0 facts, nothing derivable; got %v", out)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	h := newHierarchy(t)
	p, r := nearUnlocked(t)
	if err := h.Insert(p, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	snap := h.Snapshot()
	snap.Deps["goal"] = append(snap.Deps["goal"], "injected")
	snap.Levels["goal"] = 9

	fresh := h.Snapshot()
	if len(fresh.Deps["goal"]) != 2 || fresh.Levels["goal"] != 1 {
		t.Error("mutating a snapshot must not affect the hierarchy")
	}
}

func TestConcurrentReadsDuringInsert(t *testing.T) {
	h := newHierarchy(t)
	level0 := []predicate.Predicate{
		predicate.New("near", "box", "key"),
		predicate.New("unlocked", "key"),
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				out := h.Evaluate(level0)
				// Readers see either the pre- or post-insert state.
				if n := len(out); n != 2 && n != 3 {
					t.Errorf("evaluation saw partial state: %d predicates", n)
					return
				}
				h.GetActive(-1)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p, r := nearUnlocked(t)
		if err := h.Insert(p, r); err != nil {
			t.Errorf("Insert: %v", err)
		}
	}()
	wg.Wait()
}

func TestVersionAdvancesPerInsert(t *testing.T) {
	h := newHierarchy(t)
	if h.Version() != 0 {
		t.Fatalf("fresh hierarchy version = %d, want 0", h.Version())
	}
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("pred_%d", i)
		p := composite(name, 1, "?x")
		r := predicate.Rule{
			Produces:   name,
			Op:         predicate.OpAnd,
			Components: []predicate.Template{mustTemplate(t, "p(?x)"), mustTemplate(t, "q(?x)")},
			Confidence: 1.0,
		}
		if err := h.Insert(p, r); err != nil {
			t.Fatalf("Insert %s: %v", name, err)
		}
	}
	if h.Version() != 3 {
		t.Errorf("version = %d, want 3", h.Version())
	}
}

func findByKey(preds []predicate.Predicate, key string) *predicate.Predicate {
	for i := range preds {
		if preds[i].Key() == key {
			return &preds[i]
		}
	}
	return nil
}
