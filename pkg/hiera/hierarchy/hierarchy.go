// Package hierarchy owns the authoritative set of accepted composite
// predicates: their levels, composition rules, and dependency graph.
// The graph is acyclic at all times and a predicate's level strictly
// exceeds the maximum level of its dependencies; Insert re-checks both
// even though the validator should already have enforced them.
package hierarchy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/conceptmesh/hiera/pkg/hiera/internalerr"
	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
	"github.com/conceptmesh/hiera/pkg/hiera/unify"
)

// Config sizes the hierarchy.
type Config struct {
	// MaxDepth bounds hierarchy levels and Evaluate passes.
	MaxDepth int
	// GroundBudget is the backtrack budget per rule grounding during
	// Evaluate. Exhaustion means the rule does not fire this step.
	GroundBudget int
	// CacheSize is the number of Evaluate results memoized per
	// hierarchy version. Zero disables the cache.
	CacheSize int
}

// DefaultConfig returns the hierarchy defaults.
func DefaultConfig() Config {
	return Config{MaxDepth: 5, GroundBudget: 2000, CacheSize: 128}
}

// Hierarchy is the versioned predicate store. Evaluate and GetActive
// are safe to run concurrently with each other and with Insert; a
// reader sees either the pre- or post-insert state, never a partial
// one. Confidence merge policy: when the same identity is derived
// twice, the higher confidence wins.
type Hierarchy struct {
	mu        sync.RWMutex
	cfg       Config
	preds     map[string]predicate.Predicate // accepted, by produced name
	rules     map[string]predicate.Rule      // by produced name
	deps      map[string][]string            // name -> names it depends on
	byLevel   map[int][]string               // level -> produced names, sorted
	version   uint64
	evalCache *lru.Cache[string, []predicate.Predicate]
}

// New creates an empty hierarchy.
func New(cfg Config) (*Hierarchy, error) {
	def := DefaultConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.GroundBudget <= 0 {
		cfg.GroundBudget = def.GroundBudget
	}
	h := &Hierarchy{
		cfg:     cfg,
		preds:   make(map[string]predicate.Predicate),
		rules:   make(map[string]predicate.Rule),
		deps:    make(map[string][]string),
		byLevel: make(map[int][]string),
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []predicate.Predicate](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("evaluate cache: %w", err)
		}
		h.evalCache = cache
	}
	return h, nil
}

// Version returns the insert counter. It changes on every accepted
// insert, so readers can detect staleness of anything they derived.
func (h *Hierarchy) Version() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}

// LevelOf returns the level of an accepted composite predicate. Names
// the hierarchy does not own (level-0 vocabulary) report false.
func (h *Hierarchy) LevelOf(name string) (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.preds[name]
	return p.Level, ok
}

// Definition returns an accepted predicate and its composition rule.
// Fails with internalerr.ErrNotFound for names the hierarchy does not
// own.
func (h *Hierarchy) Definition(name string) (predicate.Predicate, predicate.Rule, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.preds[name]
	if !ok {
		return predicate.Predicate{}, predicate.Rule{}, fmt.Errorf("%w: %s", internalerr.ErrNotFound, name)
	}
	return p, h.rules[name], nil
}

// MaxLevel returns the highest populated level, 0 when empty.
func (h *Hierarchy) MaxLevel() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	max := 0
	for l := range h.byLevel {
		if l > max {
			max = l
		}
	}
	return max
}

// Insert atomically adds an accepted predicate and its rule. It fails
// with internalerr.ErrDuplicateName, ErrCycleDetected, or
// ErrLevelInversion when the structural invariants would break, leaving
// prior state untouched.
func (h *Hierarchy) Insert(p predicate.Predicate, r predicate.Rule) error {
	if p.Name == "" || p.Name != r.Produces {
		return fmt.Errorf("%w: predicate name %q does not match rule product %q",
			internalerr.ErrInvalidInput, p.Name, r.Produces)
	}
	if len(r.Components) == 0 {
		return fmt.Errorf("%w: rule %q has no components", internalerr.ErrInvalidInput, r.Produces)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rules[p.Name]; ok {
		return fmt.Errorf("%w: %s", internalerr.ErrDuplicateName, p.Name)
	}

	depNames := r.DependsOn()
	if hasCycle(h.deps, p.Name, depNames) {
		return fmt.Errorf("%w: inserting %s", internalerr.ErrCycleDetected, p.Name)
	}
	maxDep := 0
	for _, dep := range depNames {
		if dp, ok := h.preds[dep]; ok && dp.Level > maxDep {
			maxDep = dp.Level
		}
	}
	if p.Level <= maxDep {
		return fmt.Errorf("%w: %s at level %d, dependency at level %d",
			internalerr.ErrLevelInversion, p.Name, p.Level, maxDep)
	}

	h.preds[p.Name] = p
	h.rules[p.Name] = r
	h.deps[p.Name] = depNames
	names := append(h.byLevel[p.Level], p.Name)
	sort.Strings(names)
	h.byLevel[p.Level] = names
	h.version++
	if h.evalCache != nil {
		h.evalCache.Purge()
	}
	return nil
}

// hasCycle reports whether adding candidate -> deps edges to the graph
// closes a cycle reachable from candidate.
func hasCycle(graph map[string][]string, candidate string, deps []string) bool {
	next := func(name string) []string {
		if name == candidate {
			return deps
		}
		return graph[name]
	}
	visited := make(map[string]bool)
	var onStack map[string]bool
	var dfs func(name string) bool
	dfs = func(name string) bool {
		if onStack[name] {
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
	onStack = make(map[string]bool)
	return dfs(candidate)
}

// ruleEntry is a rule paired with its produced predicate, copied out
// under the read lock so evaluation never touches live maps.
type ruleEntry struct {
	produced predicate.Predicate
	rule     predicate.Rule
}

func (h *Hierarchy) snapshotRules() ([]ruleEntry, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var entries []ruleEntry
	levels := make([]int, 0, len(h.byLevel))
	for l := range h.byLevel {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	for _, l := range levels {
		for _, name := range h.byLevel[l] {
			entries = append(entries, ruleEntry{produced: h.preds[name], rule: h.rules[name]})
		}
	}
	return entries, h.version
}

// Evaluate derives every composite predicate reachable from the given
// level-0 facts, bottom-up in strictly increasing level order, until a
// fixpoint or MaxDepth passes. The result includes the input facts.
// Grounding that exhausts its budget counts as "rule does not fire".
func (h *Hierarchy) Evaluate(level0 []predicate.Predicate) []predicate.Predicate {
	entries, version := h.snapshotRules()

	var cacheKey string
	if h.evalCache != nil {
		cacheKey = evalKey(version, level0)
		if out, ok := h.evalCache.Get(cacheKey); ok {
			// Copy so callers cannot poison the cached slice.
			return append([]predicate.Predicate(nil), out...)
		}
	}

	out, _ := derive(entries, level0, h.cfg.MaxDepth, h.cfg.GroundBudget, false)

	if h.evalCache != nil {
		h.evalCache.Add(cacheKey, append([]predicate.Predicate(nil), out...))
	}
	return out
}

// Derivation records one rule firing during an instrumented evaluation.
type Derivation struct {
	Produced predicate.Predicate
	Rule     predicate.Rule
	Binding  unify.Binding
	Consumed []predicate.Predicate
}

// EvaluateTrace is Evaluate with instrumentation: it additionally
// returns every derivation step in firing order. Never cached.
func (h *Hierarchy) EvaluateTrace(level0 []predicate.Predicate) ([]predicate.Predicate, []Derivation) {
	entries, _ := h.snapshotRules()
	return derive(entries, level0, h.cfg.MaxDepth, h.cfg.GroundBudget, true)
}

// GetActive returns the accepted predicates, optionally filtered to one
// level; pass a negative level for all.
func (h *Hierarchy) GetActive(level int) []predicate.Predicate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []predicate.Predicate
	if level >= 0 {
		for _, name := range h.byLevel[level] {
			out = append(out, h.preds[name])
		}
		return out
	}
	levels := make([]int, 0, len(h.byLevel))
	for l := range h.byLevel {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	for _, l := range levels {
		for _, name := range h.byLevel[l] {
			out = append(out, h.preds[name])
		}
	}
	return out
}

// Snapshot is an immutable copy of the hierarchy's structural state,
// consumed by the validator.
type Snapshot struct {
	Deps   map[string][]string
	Rules  map[string]predicate.Rule
	Levels map[string]int
}

// Snapshot deep-copies the dependency graph, rules, and level map.
func (h *Hierarchy) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Snapshot{
		Deps:   make(map[string][]string, len(h.deps)),
		Rules:  make(map[string]predicate.Rule, len(h.rules)),
		Levels: make(map[string]int, len(h.preds)),
	}
	for name, deps := range h.deps {
		s.Deps[name] = append([]string(nil), deps...)
	}
	for name, r := range h.rules {
		s.Rules[name] = r
	}
	for name, p := range h.preds {
		s.Levels[name] = p.Level
	}
	return s
}

// derive is the bottom-up fixpoint shared by Evaluate and
// EvaluateTrace. entries must be ordered by ascending level.
func derive(entries []ruleEntry, level0 []predicate.Predicate, maxDepth, budget int, traced bool) ([]predicate.Predicate, []Derivation) {
	facts := make(map[string]predicate.Predicate, len(level0))
	for _, p := range level0 {
		mergeFact(facts, p)
	}
	var trace []Derivation

	for pass := 0; pass < maxDepth; pass++ {
		changed := false
		for _, e := range entries {
			avail := factSlice(facts)
			for _, d := range fire(e, avail, budget) {
				key := d.Produced.Key()
				prev, existed := facts[key]
				mergeFact(facts, d.Produced)
				if !existed || facts[key].Confidence != prev.Confidence {
					changed = true
					if traced && !existed {
						trace = append(trace, d)
					}
				}
			}
		}
		if !changed {
			break
		}
	}

	out := factSlice(facts)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Key() < out[j].Key()
	})
	return out, trace
}

func mergeFact(facts map[string]predicate.Predicate, p predicate.Predicate) {
	key := p.Key()
	if prev, ok := facts[key]; ok && prev.Confidence >= p.Confidence {
		return
	}
	facts[key] = p
}

func factSlice(facts map[string]predicate.Predicate) []predicate.Predicate {
	out := make([]predicate.Predicate, 0, len(facts))
	for _, p := range facts {
		out = append(out, p)
	}
	return out
}

// fire grounds one rule against the available facts and returns the
// derivations it yields. An OR rule fires per component; AND and
// SEQUENCE rules require a single binding covering every component.
func fire(e ruleEntry, avail []predicate.Predicate, budget int) []Derivation {
	var out []Derivation
	switch e.rule.Op {
	case predicate.OpOr:
		for _, comp := range e.rule.Components {
			res := unify.Ground([]predicate.Template{comp}, avail, budget)
			for _, b := range res.Bindings {
				if d, ok := instantiate(e, []predicate.Template{comp}, b, avail); ok {
					out = append(out, d)
				}
			}
		}
	default:
		res := unify.Ground(e.rule.Components, avail, budget)
		for _, b := range res.Bindings {
			if d, ok := instantiate(e, e.rule.Components, b, avail); ok {
				out = append(out, d)
			}
		}
	}
	return out
}

// instantiate builds the derived predicate for one binding. Every
// produced argument must be bound; the derived confidence is the rule
// confidence damped by the weakest consumed fact.
func instantiate(e ruleEntry, components []predicate.Template, b unify.Binding, avail []predicate.Predicate) (Derivation, bool) {
	args := make([]string, len(e.produced.Args))
	for i, a := range e.produced.Args {
		if !predicate.IsVariable(a) {
			args[i] = a
			continue
		}
		v, ok := b[a]
		if !ok {
			return Derivation{}, false
		}
		args[i] = v
	}

	factIndex := make(map[string]predicate.Predicate, len(avail))
	for _, p := range avail {
		factIndex[p.Key()] = p
	}
	minConf := 1.0
	consumed := make([]predicate.Predicate, 0, len(components))
	for _, c := range components {
		sub := c.Substitute(b)
		f, ok := factIndex[sub.Key()]
		if !ok {
			return Derivation{}, false
		}
		consumed = append(consumed, f)
		if f.Confidence < minConf {
			minConf = f.Confidence
		}
	}

	conf := e.rule.Confidence * minConf
	if conf > 1 {
		conf = 1
	}
	derived := predicate.Predicate{
		Name:       e.produced.Name,
		Args:       args,
		Confidence: conf,
		Level:      e.produced.Level,
		Source:     predicate.SourceComposed,
	}
	return Derivation{Produced: derived, Rule: e.rule, Binding: b, Consumed: consumed}, true
}

// evalKey includes each fact's confidence: identical identities with
// different confidences derive different results and must not collide.
func evalKey(version uint64, level0 []predicate.Predicate) string {
	keys := make([]string, len(level0))
	for i, p := range level0 {
		keys[i] = fmt.Sprintf("%s=%g", p.Key(), p.Confidence)
	}
	sort.Strings(keys)
	var sb strings.Builder
	fmt.Fprintf(&sb, "v%d|", version)
	sb.WriteString(strings.Join(keys, ";"))
	return sb.String()
}
