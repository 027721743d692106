// Package explain reconstructs the derivation chain behind a composite
// predicate's truth value.
package explain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conceptmesh/hiera/pkg/hiera/hierarchy"
	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
	"github.com/conceptmesh/hiera/pkg/hiera/unify"
)

// Step is one node of a derivation: the predicate, the rule that
// produced it (nil for level-0 facts), the binding the rule fired
// under, and the lower-level steps it consumed.
type Step struct {
	Predicate predicate.Predicate
	Rule      *predicate.Rule
	Binding   unify.Binding
	Consumed  []Step
}

// Trace is the full derivation of one predicate.
type Trace struct {
	Root Step
}

// String renders the derivation as an indented chain.
func (t Trace) String() string {
	var sb strings.Builder
	renderStep(&sb, t.Root, 0)
	return sb.String()
}

func renderStep(sb *strings.Builder, s Step, depth int) {
	indent := strings.Repeat("  ", depth)
	if s.Rule == nil {
		fmt.Fprintf(sb, "%s%s [%s, confidence %.2f]\n",
			indent, s.Predicate.Key(), s.Predicate.Source, s.Predicate.Confidence)
		return
	}
	fmt.Fprintf(sb, "%s%s via %s rule%s [confidence %.2f]\n",
		indent, s.Predicate.Key(), s.Rule.Op, bindingString(s.Binding), s.Predicate.Confidence)
	for _, child := range s.Consumed {
		renderStep(sb, child, depth+1)
	}
}

func bindingString(b unify.Binding) string {
	if len(b) == 0 {
		return ""
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + b[k]
	}
	return " {" + strings.Join(parts, ", ") + "}"
}

// Explainer reads the hierarchy on demand.
type Explainer struct {
	h *hierarchy.Hierarchy
}

// New creates an Explainer over a hierarchy.
func New(h *hierarchy.Hierarchy) *Explainer {
	return &Explainer{h: h}
}

// Explain re-runs evaluation over the level-0 facts with
// instrumentation and reconstructs how target was derived: which rules
// fired, under which bindings, consuming which lower-level predicates.
// Returns false when the target is not among the evaluation's output.
func (e *Explainer) Explain(target predicate.Predicate, level0 []predicate.Predicate) (Trace, bool) {
	facts, derivations := e.h.EvaluateTrace(level0)

	byKey := make(map[string]hierarchy.Derivation, len(derivations))
	for _, d := range derivations {
		key := d.Produced.Key()
		if _, ok := byKey[key]; !ok {
			byKey[key] = d
		}
	}
	factByKey := make(map[string]predicate.Predicate, len(facts))
	for _, f := range facts {
		factByKey[f.Key()] = f
	}

	key := target.Key()
	if _, ok := factByKey[key]; !ok {
		return Trace{}, false
	}
	return Trace{Root: buildStep(key, byKey, factByKey)}, true
}

func buildStep(key string, byKey map[string]hierarchy.Derivation, factByKey map[string]predicate.Predicate) Step {
	d, derived := byKey[key]
	if !derived {
		return Step{Predicate: factByKey[key]}
	}
	rule := d.Rule
	step := Step{Predicate: d.Produced, Rule: &rule, Binding: d.Binding}
	for _, consumed := range d.Consumed {
		step.Consumed = append(step.Consumed, buildStep(consumed.Key(), byKey, factByKey))
	}
	return step
}
