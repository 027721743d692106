// Package predicate defines the symbolic value types shared by the
// discovery pipeline: ground predicates, episode snapshots, mined
// patterns, and composition rules.
package predicate

import (
	"fmt"
	"sort"
	"strings"
)

// Source records how a predicate came into existence.
type Source int

const (
	// SourceExtracted marks a level-0 fact produced by the external extractor.
	SourceExtracted Source = iota
	// SourceComposed marks a predicate produced by the composition engine.
	SourceComposed
)

// String returns the source label.
func (s Source) String() string {
	if s == SourceComposed {
		return "composed"
	}
	return "extracted"
}

// Predicate is an immutable symbolic fact. Identity is (Name, Args);
// confidence never participates in identity.
type Predicate struct {
	Name       string
	Args       []string
	Confidence float64
	Level      int
	Source     Source
	Metadata   map[string]string
}

// New creates a level-0 extracted predicate with full confidence.
func New(name string, args ...string) Predicate {
	return Predicate{Name: name, Args: args, Confidence: 1.0}
}

// Key returns the canonical identity form "name(a,b)".
func (p Predicate) Key() string {
	return formatKey(p.Name, p.Args)
}

// Arity returns the argument count.
func (p Predicate) Arity() int { return len(p.Args) }

// NegationPrefix marks a predicate name as the explicit negation of the
// unprefixed name: not_open(d) is the negation of open(d).
const NegationPrefix = "not_"

// NegationOf returns the name of the explicit negation of name.
func NegationOf(name string) string {
	if strings.HasPrefix(name, NegationPrefix) {
		return strings.TrimPrefix(name, NegationPrefix)
	}
	return NegationPrefix + name
}

// IsNegationPair reports whether a and b are a predicate and its
// explicit negation.
func IsNegationPair(a, b string) bool {
	return a != b && NegationOf(a) == b
}

// VariablePrefix marks a template argument as a free variable.
const VariablePrefix = "?"

// IsVariable reports whether a template argument is a free variable
// rather than a ground symbol.
func IsVariable(arg string) bool {
	return strings.HasPrefix(arg, VariablePrefix)
}

// Template is a predicate schema whose arguments may be free variables.
type Template struct {
	Name string
	Args []string
}

// Key returns the canonical form "name(?x,a)".
func (t Template) Key() string {
	return formatKey(t.Name, t.Args)
}

// Arity returns the argument count.
func (t Template) Arity() int { return len(t.Args) }

// Variables returns the template's free variables in first-occurrence order.
func (t Template) Variables() []string {
	var vars []string
	seen := make(map[string]struct{}, len(t.Args))
	for _, a := range t.Args {
		if !IsVariable(a) {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		vars = append(vars, a)
	}
	return vars
}

// Matches reports whether the ground predicate could instantiate this
// template: same name, same arity, and every ground template argument
// equal to the predicate's argument at that position.
func (t Template) Matches(p Predicate) bool {
	if t.Name != p.Name || len(t.Args) != len(p.Args) {
		return false
	}
	for i, a := range t.Args {
		if !IsVariable(a) && a != p.Args[i] {
			return false
		}
	}
	return true
}

// Substitute applies a variable binding and returns the resulting
// template. Unbound variables are left in place.
func (t Template) Substitute(binding map[string]string) Template {
	out := Template{Name: t.Name, Args: make([]string, len(t.Args))}
	for i, a := range t.Args {
		if IsVariable(a) {
			if v, ok := binding[a]; ok {
				out.Args[i] = v
				continue
			}
		}
		out.Args[i] = a
	}
	return out
}

// Ground reports whether the template has no remaining free variables.
func (t Template) Ground() bool {
	for _, a := range t.Args {
		if IsVariable(a) {
			return false
		}
	}
	return true
}

// ParseTemplate parses the "name(?x,a)" form. Whitespace around the
// name and arguments is ignored; a bare "name" parses as arity 0.
func ParseTemplate(s string) (Template, error) {
	s = strings.TrimSpace(s)
	open := strings.Index(s, "(")
	if open == -1 {
		if s == "" {
			return Template{}, fmt.Errorf("empty template")
		}
		return Template{Name: s}, nil
	}
	close := strings.LastIndex(s, ")")
	if close < open {
		return Template{}, fmt.Errorf("missing ')': %s", s)
	}
	name := strings.TrimSpace(s[:open])
	if name == "" {
		return Template{}, fmt.Errorf("missing predicate name: %s", s)
	}
	t := Template{Name: name}
	inner := strings.TrimSpace(s[open+1 : close])
	if inner == "" {
		return t, nil
	}
	for _, part := range strings.Split(inner, ",") {
		t.Args = append(t.Args, strings.TrimSpace(part))
	}
	return t, nil
}

// Episode is a read-only snapshot of one timestep: the facts holding,
// the action taken, the reward received, and a link to the next step.
type Episode struct {
	Predicates []Predicate
	Action     string
	Reward     float64
	Next       *Episode
}

// Facts returns the snapshot's predicates deduplicated by identity.
// When the same identity appears twice the higher confidence wins.
func (e Episode) Facts() map[string]Predicate {
	facts := make(map[string]Predicate, len(e.Predicates))
	for _, p := range e.Predicates {
		key := p.Key()
		if prev, ok := facts[key]; ok && prev.Confidence >= p.Confidence {
			continue
		}
		facts[key] = p
	}
	return facts
}

// Pattern is a mined set of templated predicates with its association
// statistics. Sequential marks patterns whose components were observed
// in a consistent temporal order across supporting transactions; for
// those the component order is the temporal order.
type Pattern struct {
	Components []Template
	Support    float64
	Confidence float64
	Sequential bool
}

// Key returns a canonical identity for the pattern: sorted component keys.
func (p Pattern) Key() string {
	keys := make([]string, len(p.Components))
	for i, c := range p.Components {
		keys[i] = c.Key()
	}
	sort.Strings(keys)
	return strings.Join(keys, "+")
}

// Op is the composition operator of a rule.
type Op int

const (
	// OpAnd requires every component to hold under one binding.
	OpAnd Op = iota
	// OpOr requires any single component to hold.
	OpOr
	// OpSequence requires the components to have held in temporal order.
	// A single-snapshot evaluation treats it conjunctively; the temporal
	// evidence gates discovery, not per-step truth.
	OpSequence
)

// String returns the operator token used in canonical names.
func (o Op) String() string {
	switch o {
	case OpOr:
		return "or"
	case OpSequence:
		return "seq"
	default:
		return "and"
	}
}

// Rule is the evaluation rule of a composite predicate: a pure function
// from variable bindings to truth. Owned by the hierarchy once accepted.
type Rule struct {
	Produces   string
	Op         Op
	Components []Template
	Confidence float64
}

// Variables returns the rule's free variables in first-occurrence order
// across its components.
func (r Rule) Variables() []string {
	var vars []string
	seen := make(map[string]struct{})
	for _, c := range r.Components {
		for _, v := range c.Variables() {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			vars = append(vars, v)
		}
	}
	return vars
}

// DependsOn returns the distinct component predicate names.
func (r Rule) DependsOn() []string {
	var names []string
	seen := make(map[string]struct{}, len(r.Components))
	for _, c := range r.Components {
		if _, ok := seen[c.Name]; ok {
			continue
		}
		seen[c.Name] = struct{}{}
		names = append(names, c.Name)
	}
	return names
}

// Fingerprint returns a canonical identity for (op, components) that is
// invariant under variable renaming, and under component ordering for
// the commutative operators (AND, OR). SEQUENCE keeps its temporal
// component order, which is semantic. Two rules with equal fingerprints
// are logically equivalent compositions; the composer derives candidate
// names from it and the validator's redundancy check compares against
// it.
func Fingerprint(op Op, components []Template) string {
	order := make([]int, len(components))
	for i := range order {
		order[i] = i
	}
	if op == OpSequence || len(components) < 2 {
		return renderFingerprint(op, components, order)
	}
	// Variable renaming depends on the traversal order, so sorting by
	// spelled keys is not rename-invariant when a predicate name repeats
	// within the rule. The canonical form is the smallest rendering over
	// all component orderings; component counts are bounded by the
	// complexity checks, so the enumeration stays tiny.
	if len(components) > maxCanonicalComponents {
		keys := make([]string, len(components))
		for i, c := range components {
			keys[i] = c.Key()
		}
		sort.Slice(order, func(i, j int) bool { return keys[order[i]] < keys[order[j]] })
		return renderFingerprint(op, components, order)
	}
	best := ""
	var permute func(k int)
	permute = func(k int) {
		if k == len(order) {
			if s := renderFingerprint(op, components, order); best == "" || s < best {
				best = s
			}
			return
		}
		for i := k; i < len(order); i++ {
			order[k], order[i] = order[i], order[k]
			permute(k + 1)
			order[k], order[i] = order[i], order[k]
		}
	}
	permute(0)
	return best
}

const maxCanonicalComponents = 8

func renderFingerprint(op Op, components []Template, order []int) string {
	rename := make(map[string]string)
	parts := make([]string, 0, len(components)+1)
	parts = append(parts, op.String())
	for _, idx := range order {
		c := components[idx]
		spec := make([]string, len(c.Args))
		for i, a := range c.Args {
			if !IsVariable(a) {
				spec[i] = a
				continue
			}
			canon, ok := rename[a]
			if !ok {
				canon = fmt.Sprintf("v%d", len(rename))
				rename[a] = canon
			}
			spec[i] = canon
		}
		part := c.Name
		if len(spec) > 0 {
			part += "." + strings.Join(spec, ".")
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "__")
}

// Check identifies a validation stage.
type Check int

const (
	// CheckNone means no check failed.
	CheckNone Check = iota
	// CheckCircularDependency rejects candidates that would close a
	// cycle in the dependency graph.
	CheckCircularDependency
	// CheckComplexityBound rejects candidates past the depth, variable,
	// or grounding-cost ceilings.
	CheckComplexityBound
	// CheckContradiction rejects candidates whose components can be
	// mutually exclusive under one binding.
	CheckContradiction
	// CheckRedundancy rejects candidates equivalent to an accepted one.
	CheckRedundancy
	// CheckEmpiricalUtility rejects candidates without reward signal.
	CheckEmpiricalUtility
)

// String returns the check label used in reports and persistence.
func (c Check) String() string {
	switch c {
	case CheckCircularDependency:
		return "circular_dependency"
	case CheckComplexityBound:
		return "complexity_bound"
	case CheckContradiction:
		return "contradiction"
	case CheckRedundancy:
		return "redundancy"
	case CheckEmpiricalUtility:
		return "empirical_utility"
	default:
		return "none"
	}
}

// ValidationResult is the outcome of running a candidate through the
// validation pipeline.
type ValidationResult struct {
	Accepted     bool
	FailingCheck Check
	Detail       string
	UtilityScore float64
}

func formatKey(name string, args []string) string {
	if len(args) == 0 {
		return name + "()"
	}
	return name + "(" + strings.Join(args, ",") + ")"
}
