// Package validate gates candidate predicates before hierarchy
// insertion. Five checks run in a fixed order (circular dependency,
// complexity bound, contradiction, redundancy, empirical utility) and
// the first failure short-circuits. Validation never mutates the
// hierarchy; insertion is the caller's separate step.
package validate

import (
	"fmt"
	"math"

	"github.com/conceptmesh/hiera/pkg/hiera/hierarchy"
	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
	"github.com/conceptmesh/hiera/pkg/hiera/unify"
)

// Config holds the validation ceilings and thresholds.
type Config struct {
	// MaxDepth is the maximum hierarchy level a candidate may occupy.
	MaxDepth int
	// MaxVariables caps the free variables of a candidate's rule.
	MaxVariables int
	// MaxDomainEstimate caps the worst-case grounding search space.
	MaxDomainEstimate int
	// GroundBudget bounds each evidence grounding during validation.
	GroundBudget int
	// MinUtility is the minimum absolute reward separation between
	// evidence where the candidate grounds and evidence where it fails.
	MinUtility float64
}

// DefaultConfig returns the validation defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:          5,
		MaxVariables:      6,
		MaxDomainEstimate: 10000,
		GroundBudget:      2000,
		MinUtility:        0.05,
	}
}

// Validator runs the check pipeline.
type Validator struct {
	cfg Config
}

// New creates a Validator, applying defaults for unset fields.
func New(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxVariables <= 0 {
		cfg.MaxVariables = def.MaxVariables
	}
	if cfg.MaxDomainEstimate <= 0 {
		cfg.MaxDomainEstimate = def.MaxDomainEstimate
	}
	if cfg.GroundBudget <= 0 {
		cfg.GroundBudget = def.GroundBudget
	}
	if cfg.MinUtility <= 0 {
		cfg.MinUtility = def.MinUtility
	}
	return &Validator{cfg: cfg}
}

func reject(check predicate.Check, detail string) predicate.ValidationResult {
	return predicate.ValidationResult{FailingCheck: check, Detail: detail}
}

// Validate runs the pipeline against a snapshot of the hierarchy and a
// window of evidence episodes.
func (v *Validator) Validate(cand predicate.Predicate, rule predicate.Rule, snap hierarchy.Snapshot, evidence []predicate.Episode) predicate.ValidationResult {
	if detail, bad := v.circular(cand, rule, snap); bad {
		return reject(predicate.CheckCircularDependency, detail)
	}
	if detail, bad := v.complexity(cand, rule, evidence); bad {
		return reject(predicate.CheckComplexityBound, detail)
	}
	if detail, bad := v.contradiction(rule, evidence); bad {
		return reject(predicate.CheckContradiction, detail)
	}
	if detail, bad := v.redundancy(cand, rule, snap); bad {
		return reject(predicate.CheckRedundancy, detail)
	}
	utility := v.utility(rule, evidence)
	if utility < v.cfg.MinUtility {
		r := reject(predicate.CheckEmpiricalUtility,
			fmt.Sprintf("utility %.4f below threshold %.4f", utility, v.cfg.MinUtility))
		r.UtilityScore = utility
		return r
	}
	return predicate.ValidationResult{Accepted: true, UtilityScore: utility}
}

// circular adds the candidate's dependency edges to a copy of the
// dependency graph and searches for a cycle reachable from the
// candidate.
func (v *Validator) circular(cand predicate.Predicate, rule predicate.Rule, snap hierarchy.Snapshot) (string, bool) {
	deps := rule.DependsOn()
	next := func(name string) []string {
		if name == cand.Name {
			return deps
		}
		return snap.Deps[name]
	}
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var cycleAt string
	var dfs func(name string) bool
	dfs = func(name string) bool {
		if onStack[name] {
			cycleAt = name
			return true
		}
		if visited[name] {
			return false
		}
		visited[name] = true
		onStack[name] = true
		for _, dep := range next(name) {
			if dfs(dep) {
				return true
			}
		}
		onStack[name] = false
		return false
	}
	if dfs(cand.Name) {
		return fmt.Sprintf("dependency cycle through %s", cycleAt), true
	}
	return "", false
}

func (v *Validator) complexity(cand predicate.Predicate, rule predicate.Rule, evidence []predicate.Episode) (string, bool) {
	if cand.Level > v.cfg.MaxDepth {
		return fmt.Sprintf("level %d exceeds max depth %d", cand.Level, v.cfg.MaxDepth), true
	}
	if n := len(rule.Variables()); n > v.cfg.MaxVariables {
		return fmt.Sprintf("%d free variables exceed ceiling %d", n, v.cfg.MaxVariables), true
	}
	if est := unify.DomainEstimate(rule.Components, evidenceFacts(evidence)); est > v.cfg.MaxDomainEstimate {
		return fmt.Sprintf("grounding estimate %d exceeds ceiling %d", est, v.cfg.MaxDomainEstimate), true
	}
	return "", false
}

// contradiction rejects rules whose components can be mutually
// exclusive: a negation pair over identical template arguments, or any
// evidence grounding under which two components become a negation pair
// over the same symbols.
func (v *Validator) contradiction(rule predicate.Rule, evidence []predicate.Episode) (string, bool) {
	for i := 0; i < len(rule.Components); i++ {
		for j := i + 1; j < len(rule.Components); j++ {
			if negationPair(rule.Components[i], rule.Components[j]) {
				return fmt.Sprintf("components %s and %s are contradictory",
					rule.Components[i].Key(), rule.Components[j].Key()), true
			}
		}
	}
	for _, ep := range evidence {
		facts := episodeFacts(ep)
		res := unify.Ground(rule.Components, facts, v.cfg.GroundBudget)
		for _, b := range res.Bindings {
			for i := 0; i < len(rule.Components); i++ {
				for j := i + 1; j < len(rule.Components); j++ {
					gi := rule.Components[i].Substitute(b)
					gj := rule.Components[j].Substitute(b)
					if negationPair(gi, gj) {
						return fmt.Sprintf("binding grounds contradictory pair %s / %s",
							gi.Key(), gj.Key()), true
					}
				}
			}
		}
	}
	return "", false
}

func negationPair(a, b predicate.Template) bool {
	if !predicate.IsNegationPair(a.Name, b.Name) || len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	return true
}

// redundancy rejects a candidate whose canonical name already exists or
// whose rule is logically equivalent (same operator, same component
// multiset after canonicalization) to an accepted rule. The second
// form subsumes rediscovering the same concept via a different mining
// path.
func (v *Validator) redundancy(cand predicate.Predicate, rule predicate.Rule, snap hierarchy.Snapshot) (string, bool) {
	if _, ok := snap.Rules[cand.Name]; ok {
		return fmt.Sprintf("predicate %s already accepted", cand.Name), true
	}
	fp := predicate.Fingerprint(rule.Op, rule.Components)
	for name, existing := range snap.Rules {
		if predicate.Fingerprint(existing.Op, existing.Components) == fp {
			return fmt.Sprintf("logically equivalent to accepted predicate %s", name), true
		}
	}
	return "", false
}

// utility measures the absolute difference in mean reward between
// evidence snapshots where the rule grounds and snapshots where it does
// not. Budget-exhausted groundings count as not firing. A rule that
// fires everywhere or nowhere separates nothing and scores zero.
func (v *Validator) utility(rule predicate.Rule, evidence []predicate.Episode) float64 {
	var hit, miss []float64
	for _, ep := range evidence {
		if len(ep.Predicates) == 0 {
			continue
		}
		if v.grounds(rule, episodeFacts(ep)) {
			hit = append(hit, ep.Reward)
		} else {
			miss = append(miss, ep.Reward)
		}
	}
	if len(hit) == 0 || len(miss) == 0 {
		return 0
	}
	return math.Abs(mean(hit) - mean(miss))
}

func (v *Validator) grounds(rule predicate.Rule, facts []predicate.Predicate) bool {
	if rule.Op == predicate.OpOr {
		for _, comp := range rule.Components {
			if unify.Ground([]predicate.Template{comp}, facts, v.cfg.GroundBudget).Satisfiable() {
				return true
			}
		}
		return false
	}
	return unify.Ground(rule.Components, facts, v.cfg.GroundBudget).Satisfiable()
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func episodeFacts(ep predicate.Episode) []predicate.Predicate {
	facts := ep.Facts()
	out := make([]predicate.Predicate, 0, len(facts))
	for _, p := range facts {
		out = append(out, p)
	}
	return out
}

func evidenceFacts(evidence []predicate.Episode) []predicate.Predicate {
	seen := make(map[string]struct{})
	var out []predicate.Predicate
	for _, ep := range evidence {
		for _, p := range ep.Predicates {
			key := p.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
