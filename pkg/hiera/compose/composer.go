// Package compose turns mined patterns and external proposals into
// candidate composite predicates with their evaluation rules.
package compose

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
)

// LevelFunc reports the hierarchy level of a predicate name. Names the
// hierarchy does not own are level-0 vocabulary.
type LevelFunc func(name string) (int, bool)

// Proposal is an externally proposed composition, e.g. from a neural
// candidate proposer. This is the only path that may request OR: plain
// co-occurrence evidences conjunction, never disjunction.
type Proposal struct {
	Components []predicate.Template
	Op         predicate.Op
	Confidence float64
	Utility    float64
}

// Composer builds candidates. Stateless; safe for concurrent use.
type Composer struct{}

// New creates a Composer.
func New() *Composer { return &Composer{} }

// Compose builds a candidate from a mined pattern. The operator is AND
// for plain co-occurrence and SEQUENCE when the miner flagged a
// temporal ordering. Returns false when the pattern is not composable:
// fewer than two components, or no variable shared between components.
func (c *Composer) Compose(p predicate.Pattern, levelOf LevelFunc) (predicate.Predicate, predicate.Rule, bool) {
	op := predicate.OpAnd
	if p.Sequential {
		op = predicate.OpSequence
	}
	return c.build(op, p.Components, p.Confidence, p.Support, levelOf)
}

// ComposeProposal builds a candidate from an external proposal,
// honoring its explicit operator.
func (c *Composer) ComposeProposal(p Proposal, levelOf LevelFunc) (predicate.Predicate, predicate.Rule, bool) {
	return c.build(p.Op, p.Components, p.Confidence, p.Utility, levelOf)
}

func (c *Composer) build(op predicate.Op, components []predicate.Template, confidence, support float64, levelOf LevelFunc) (predicate.Predicate, predicate.Rule, bool) {
	if len(components) < 2 {
		return predicate.Predicate{}, predicate.Rule{}, false
	}
	if !sharesVariable(components) {
		return predicate.Predicate{}, predicate.Rule{}, false
	}

	canonical := canonicalize(op, components)
	name := predicate.Fingerprint(op, canonical)

	// Argument list: the free variables after unification, in
	// first-occurrence order over the canonical components.
	var args []string
	seen := make(map[string]struct{})
	for _, comp := range canonical {
		for _, v := range comp.Variables() {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			args = append(args, v)
		}
	}

	level := 0
	for _, comp := range canonical {
		if l, ok := levelOf(comp.Name); ok && l > level {
			level = l
		}
	}
	level++

	cand := predicate.Predicate{
		Name:       name,
		Args:       args,
		Confidence: confidence,
		Level:      level,
		Source:     predicate.SourceComposed,
		Metadata: map[string]string{
			"support": strconv.FormatFloat(support, 'f', -1, 64),
		},
	}
	rule := predicate.Rule{
		Produces:   name,
		Op:         op,
		Components: canonical,
		Confidence: confidence,
	}
	return cand, rule, true
}

// sharesVariable reports whether at least one variable links two
// components. Without a shared variable there is nothing to unify and
// no meaningful composition.
func sharesVariable(components []predicate.Template) bool {
	counts := make(map[string]int)
	for _, comp := range components {
		for _, v := range comp.Variables() {
			counts[v]++
			if counts[v] > 1 {
				return true
			}
		}
	}
	return false
}

// canonicalize reorders the components (except under SEQUENCE, whose
// order is temporal) and renames their variables to ?v0, ?v1, ... in
// first-occurrence order, so that logically identical candidates mined
// twice come out byte-identical. The renaming matches the one
// predicate.Fingerprint applies internally.
func canonicalize(op predicate.Op, components []predicate.Template) []predicate.Template {
	order := make([]int, len(components))
	for i := range order {
		order[i] = i
	}
	if op != predicate.OpSequence {
		sort.Slice(order, func(i, j int) bool {
			return components[order[i]].Key() < components[order[j]].Key()
		})
	}
	rename := make(map[string]string)
	out := make([]predicate.Template, len(components))
	for i, idx := range order {
		src := components[idx]
		t := predicate.Template{Name: src.Name, Args: make([]string, len(src.Args))}
		for j, a := range src.Args {
			if !predicate.IsVariable(a) {
				t.Args[j] = a
				continue
			}
			canon, ok := rename[a]
			if !ok {
				canon = fmt.Sprintf("%sv%d", predicate.VariablePrefix, len(rename))
				rename[a] = canon
			}
			t.Args[j] = canon
		}
		out[i] = t
	}
	return out
}
