// Package unify grounds variable-bearing rule templates against concrete
// predicate instances. Grounding is a finite-domain constraint
// satisfaction search: variables are the free placeholders of the
// templates, domains are the symbols observed at those positions, and
// each template contributes an n-ary support constraint (some ground
// instance must witness the assignment). Equality between repeated
// variables is enforced by domain intersection (arc consistency), search
// is backtracking with forward checking under most-constrained-variable
// ordering, and a caller-supplied backtrack budget bounds worst-case
// cost.
package unify

import (
	"sort"
	"strings"

	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
)

// Binding maps a free variable to the concrete symbol it was bound to.
type Binding map[string]string

// Result is the outcome of a grounding search. Exhausted distinguishes
// "budget ran out before the search space was covered" from "provably
// no further bindings exist": an empty, non-exhausted result means the
// constraints are unsatisfiable.
type Result struct {
	Bindings  []Binding
	Exhausted bool
}

// Satisfiable reports whether at least one complete binding was found.
func (r Result) Satisfiable() bool { return len(r.Bindings) > 0 }

const estimateCap = 1 << 30

// DomainEstimate returns the worst-case size of the grounding search
// space for the templates over the given instances: the product of the
// per-variable domain sizes before any propagation, capped to avoid
// overflow. The validator uses it as the grounding cost ceiling.
func DomainEstimate(templates []predicate.Template, available []predicate.Predicate) int {
	p := newProblem(templates, available)
	est := 1
	for _, v := range p.vars {
		n := len(p.domains[v])
		if n == 0 {
			return 0
		}
		if est >= estimateCap/n {
			return estimateCap
		}
		est *= n
	}
	return est
}

// Ground enumerates every variable binding under which all templates are
// simultaneously witnessed by the available predicates. budget bounds
// the number of backtrack steps; zero or negative means unbounded. On
// budget exhaustion the bindings found so far are returned with
// Exhausted set.
func Ground(templates []predicate.Template, available []predicate.Predicate, budget int) Result {
	if len(templates) == 0 {
		return Result{}
	}
	p := newProblem(templates, available)
	for i := range p.templates {
		if len(p.instances[i]) == 0 {
			// Some template has no matching ground instance at all.
			return Result{}
		}
	}
	if !p.propagate() {
		return Result{}
	}

	s := &searcher{problem: p, budget: budget}
	s.search(make(Binding, len(p.vars)), p.domains)

	sort.Slice(s.solutions, func(i, j int) bool {
		return bindingKey(s.solutions[i]) < bindingKey(s.solutions[j])
	})
	return Result{Bindings: s.solutions, Exhausted: s.exhausted}
}

// Check reports whether a complete binding satisfies every template:
// each substituted component is ground and witnessed by an available
// predicate. It re-validates search output independently of the search.
func Check(templates []predicate.Template, available []predicate.Predicate, b Binding) bool {
	facts := make(map[string]struct{}, len(available))
	for _, p := range available {
		facts[p.Key()] = struct{}{}
	}
	for _, t := range templates {
		sub := t.Substitute(b)
		if !sub.Ground() {
			return false
		}
		if _, ok := facts[sub.Key()]; !ok {
			return false
		}
	}
	return true
}

type domain map[string]struct{}

func (d domain) clone() domain {
	out := make(domain, len(d))
	for v := range d {
		out[v] = struct{}{}
	}
	return out
}

type problem struct {
	templates []predicate.Template
	// instances[i] holds the ground predicates that could instantiate
	// templates[i] (name, arity, ground args, and repeated-variable
	// positions all consistent).
	instances [][]predicate.Predicate
	vars      []string
	domains   map[string]domain
	// varTemplates[v] lists the template indexes mentioning v.
	varTemplates map[string][]int
}

func newProblem(templates []predicate.Template, available []predicate.Predicate) *problem {
	p := &problem{
		templates:    templates,
		instances:    make([][]predicate.Predicate, len(templates)),
		domains:      make(map[string]domain),
		varTemplates: make(map[string][]int),
	}
	for i, t := range templates {
		for _, inst := range available {
			if matchesConsistently(t, inst) {
				p.instances[i] = append(p.instances[i], inst)
			}
		}
		for _, v := range t.Variables() {
			if _, ok := p.domains[v]; !ok {
				p.domains[v] = make(domain)
				p.vars = append(p.vars, v)
			}
			p.varTemplates[v] = append(p.varTemplates[v], i)
		}
	}
	// Initial domains: per variable, the union of witnessed symbols
	// within each template, intersected across templates that share the
	// variable. The occurs check drops any symbol that embeds the
	// variable itself, so recursive bindings can never enter a domain.
	for _, v := range p.vars {
		var dom domain
		for _, ti := range p.varTemplates[v] {
			local := make(domain)
			for _, inst := range p.instances[ti] {
				for pos, a := range p.templates[ti].Args {
					if a == v && !occurs(v, inst.Args[pos]) {
						local[inst.Args[pos]] = struct{}{}
					}
				}
			}
			if dom == nil {
				dom = local
				continue
			}
			for val := range dom {
				if _, ok := local[val]; !ok {
					delete(dom, val)
				}
			}
		}
		p.domains[v] = dom
	}
	return p
}

// matchesConsistently extends Template.Matches with the repeated-variable
// constraint: if the same variable appears at two positions, the
// instance must carry the same symbol at both.
func matchesConsistently(t predicate.Template, inst predicate.Predicate) bool {
	if !t.Matches(inst) {
		return false
	}
	seen := make(map[string]string, len(t.Args))
	for i, a := range t.Args {
		if !predicate.IsVariable(a) {
			continue
		}
		if prev, ok := seen[a]; ok && prev != inst.Args[i] {
			return false
		}
		seen[a] = inst.Args[i]
	}
	return true
}

// occurs reports whether binding v to value would make the binding
// contain itself: the value is a variable, or a structured symbol
// embedding v.
func occurs(v, value string) bool {
	return predicate.IsVariable(value) || strings.Contains(value, v)
}

// propagate enforces generalized arc consistency: for every template, a
// domain value of one of its variables survives only if some instance
// witnesses it together with still-available values for the template's
// other variables. Returns false when a domain empties.
func (p *problem) propagate() bool {
	changed := true
	for changed {
		changed = false
		for ti := range p.templates {
			for _, v := range p.templates[ti].Variables() {
				if p.reviseDomain(ti, v, nil) {
					changed = true
				}
				if len(p.domains[v]) == 0 {
					return false
				}
			}
		}
	}
	return true
}

// reviseDomain prunes values of v unsupported by template ti given the
// partial assignment. Returns true when the domain shrank.
func (p *problem) reviseDomain(ti int, v string, assigned Binding) bool {
	t := p.templates[ti]
	dom := p.domains[v]
	shrank := false
	for val := range dom {
		if !p.valueSupported(ti, t, v, val, assigned) {
			delete(dom, val)
			shrank = true
		}
	}
	return shrank
}

func (p *problem) valueSupported(ti int, t predicate.Template, v, val string, assigned Binding) bool {
instances:
	for _, inst := range p.instances[ti] {
		for pos, a := range t.Args {
			if !predicate.IsVariable(a) {
				continue
			}
			sym := inst.Args[pos]
			switch {
			case a == v:
				if sym != val {
					continue instances
				}
			default:
				if bound, ok := assigned[a]; ok {
					if sym != bound {
						continue instances
					}
				} else if _, ok := p.domains[a][sym]; !ok {
					continue instances
				}
			}
		}
		return true
	}
	return false
}

type searcher struct {
	*problem
	budget     int
	backtracks int
	exhausted  bool
	solutions  []Binding
	seen       map[string]struct{}
}

// search runs backtracking with forward checking. domains holds the
// live pruned domains of unassigned variables.
func (s *searcher) search(assigned Binding, domains map[string]domain) {
	if s.exhausted {
		return
	}
	if len(assigned) == len(s.vars) {
		s.record(assigned)
		return
	}

	v := s.pickVariable(assigned, domains)
	values := make([]string, 0, len(domains[v]))
	for val := range domains[v] {
		values = append(values, val)
	}
	sort.Strings(values)

	for _, val := range values {
		// Spend the budget only when unexplored work remains. A search
		// whose final backtrack lands exactly on the budget has still
		// covered the whole space and must not report exhaustion.
		if s.budget > 0 && s.backtracks >= s.budget {
			s.exhausted = true
			return
		}
		assigned[v] = val
		if next, ok := s.forwardCheck(v, assigned, domains); ok {
			s.search(assigned, next)
		}
		delete(assigned, v)
		s.backtracks++
		if s.exhausted {
			return
		}
	}
}

// pickVariable chooses the unassigned variable with the smallest live
// domain, breaking ties by degree (number of templates it constrains).
func (s *searcher) pickVariable(assigned Binding, domains map[string]domain) string {
	best := ""
	for _, v := range s.vars {
		if _, ok := assigned[v]; ok {
			continue
		}
		if best == "" {
			best = v
			continue
		}
		dv, db := len(domains[v]), len(domains[best])
		if dv < db || (dv == db && len(s.varTemplates[v]) > len(s.varTemplates[best])) {
			best = v
		}
	}
	return best
}

// forwardCheck prunes the domains of variables sharing a template with
// the just-assigned one. Reports false on a wiped-out domain.
func (s *searcher) forwardCheck(v string, assigned Binding, domains map[string]domain) (map[string]domain, bool) {
	next := make(map[string]domain, len(domains))
	for name, d := range domains {
		next[name] = d
	}
	saved := s.domains
	s.domains = next
	defer func() { s.domains = saved }()

	for _, ti := range s.varTemplates[v] {
		for _, other := range s.templates[ti].Variables() {
			if _, ok := assigned[other]; ok {
				continue
			}
			pruned := next[other].clone()
			next[other] = pruned
			s.domains = next
			s.reviseDomain(ti, other, assigned)
			if len(next[other]) == 0 {
				return nil, false
			}
		}
	}
	return next, true
}

func (s *searcher) record(assigned Binding) {
	// Final guard: the complete assignment must be witnessed per
	// template, independent of how pruning got us here.
	for ti, t := range s.templates {
		if !s.valueWitnessed(ti, t, assigned) {
			return
		}
	}
	key := bindingKey(assigned)
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	out := make(Binding, len(assigned))
	for k, v := range assigned {
		out[k] = v
	}
	s.solutions = append(s.solutions, out)
}

func (s *searcher) valueWitnessed(ti int, t predicate.Template, assigned Binding) bool {
instances:
	for _, inst := range s.instances[ti] {
		for pos, a := range t.Args {
			if predicate.IsVariable(a) && inst.Args[pos] != assigned[a] {
				continue instances
			}
		}
		return true
	}
	return false
}

func bindingKey(b Binding) string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(b[k])
		sb.WriteByte(';')
	}
	return sb.String()
}
