// Package mine discovers frequent predicate co-occurrence patterns in
// episode streams with level-wise (Apriori) itemset mining.
package mine

import (
	"sort"
	"strconv"
	"strings"

	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
)

// Config holds the mining thresholds.
type Config struct {
	// MinSupport is the minimum fraction of transactions a pattern must
	// appear in.
	MinSupport float64
	// MinConfidence is the minimum confidence of the best entailment
	// split of a pattern.
	MinConfidence float64
	// MaxPatternLen caps the number of predicates per pattern.
	MaxPatternLen int
	// Window is the number of consecutive snapshots inspected for
	// temporal ordering evidence. 1 disables sequence detection;
	// co-occurrence support always counts single snapshots only.
	Window int
	// SequenceFraction is the fraction of pattern-bearing windows that
	// must show the same strict temporal component order for the
	// pattern to be flagged Sequential.
	SequenceFraction float64
}

// DefaultConfig returns the mining defaults.
func DefaultConfig() Config {
	return Config{
		MinSupport:       0.3,
		MinConfidence:    0.7,
		MaxPatternLen:    3,
		Window:           1,
		SequenceFraction: 0.8,
	}
}

// Stats summarizes one mining run.
type Stats struct {
	Transactions int
	Skipped      int
	Candidates   int
}

// Miner performs Apriori-style frequent pattern mining over episode
// snapshots.
type Miner struct {
	cfg Config
}

// New creates a Miner, applying defaults for unset config fields.
func New(cfg Config) *Miner {
	def := DefaultConfig()
	if cfg.MinSupport <= 0 {
		cfg.MinSupport = def.MinSupport
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.MaxPatternLen <= 0 {
		cfg.MaxPatternLen = def.MaxPatternLen
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SequenceFraction <= 0 {
		cfg.SequenceFraction = def.SequenceFraction
	}
	return &Miner{cfg: cfg}
}

// transaction is one episode snapshot generalized to templates:
// concrete argument symbols abstracted to variables, consistently
// within the transaction.
type transaction struct {
	items []string // sorted unique template keys present at the snapshot
	// offsets maps template keys to their first-appearance step offset
	// within the lookahead window (0 = the snapshot itself).
	offsets map[string]int
}

// Mine returns the patterns meeting the support and confidence
// thresholds, ordered by support descending, confidence descending,
// then pattern length ascending. Malformed episodes are skipped, never
// fatal; an empty result is a valid outcome.
func (m *Miner) Mine(episodes []predicate.Episode) ([]predicate.Pattern, Stats) {
	var stats Stats
	var txs []transaction
	for _, ep := range episodes {
		tx, ok := m.abstract(ep)
		if !ok {
			stats.Skipped++
			continue
		}
		txs = append(txs, tx)
	}
	stats.Transactions = len(txs)
	if len(txs) == 0 {
		return nil, stats
	}

	total := float64(len(txs))
	counts := make(map[string]int) // itemset key -> transaction count

	// Frequent singletons.
	for _, tx := range txs {
		for _, item := range tx.items {
			counts[item]++
		}
	}
	var frequent [][]string
	for item, n := range counts {
		if float64(n)/total >= m.cfg.MinSupport {
			frequent = append(frequent, []string{item})
		}
	}
	sortItemsets(frequent)

	var patterns []predicate.Pattern
	current := frequent
	for k := 2; k <= m.cfg.MaxPatternLen && len(current) > 0; k++ {
		candidates := joinItemsets(current)
		stats.Candidates += len(candidates)
		var next [][]string
		for _, cand := range candidates {
			if !subsetsFrequent(cand, counts, total, m.cfg.MinSupport) {
				continue
			}
			n := countSupport(cand, txs)
			counts[itemsetKey(cand)] = n
			support := float64(n) / total
			if support < m.cfg.MinSupport {
				continue
			}
			next = append(next, cand)

			conf := bestSplitConfidence(cand, counts, n)
			if conf < m.cfg.MinConfidence {
				continue
			}
			p, ok := m.buildPattern(cand, support, conf, txs)
			if ok {
				patterns = append(patterns, p)
			}
		}
		sortItemsets(next)
		current = next
	}

	sort.Slice(patterns, func(i, j int) bool {
		a, b := patterns[i], patterns[j]
		if a.Support != b.Support {
			return a.Support > b.Support
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if len(a.Components) != len(b.Components) {
			return len(a.Components) < len(b.Components)
		}
		return a.Key() < b.Key()
	})
	return patterns, stats
}

// abstract generalizes one episode to a transaction. Episodes without
// predicates are treated as malformed and skipped.
func (m *Miner) abstract(ep predicate.Episode) (transaction, bool) {
	facts := ep.Facts()
	if len(facts) == 0 {
		return transaction{}, false
	}

	rename := make(map[string]string)
	tx := transaction{offsets: make(map[string]int)}
	seen := make(map[string]struct{})
	for _, key := range sortedFactKeys(facts) {
		tk := abstractPredicate(facts[key], rename).Key()
		if _, ok := seen[tk]; ok {
			continue
		}
		seen[tk] = struct{}{}
		tx.items = append(tx.items, tk)
		tx.offsets[tk] = 0
	}
	sort.Strings(tx.items)

	// Walk the lookahead window for temporal evidence, extending the
	// symbol renaming so abstraction stays consistent per transaction.
	step := ep.Next
	for off := 1; off < m.cfg.Window && step != nil; off++ {
		facts := step.Facts()
		for _, key := range sortedFactKeys(facts) {
			tk := abstractPredicate(facts[key], rename).Key()
			if _, ok := tx.offsets[tk]; !ok {
				tx.offsets[tk] = off
			}
		}
		step = step.Next
	}
	return tx, true
}

func sortedFactKeys(facts map[string]predicate.Predicate) []string {
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// abstractPredicate rewrites every concrete argument to a variable,
// reusing rename so that a symbol maps to the same variable everywhere
// in the transaction.
func abstractPredicate(p predicate.Predicate, rename map[string]string) predicate.Template {
	t := predicate.Template{Name: p.Name, Args: make([]string, len(p.Args))}
	for i, a := range p.Args {
		v, ok := rename[a]
		if !ok {
			v = variableName(len(rename))
			rename[a] = v
		}
		t.Args[i] = v
	}
	return t
}

// variableName yields ?a, ?b, ..., ?z, ?a1, ?b1, ...
func variableName(n int) string {
	letter := string(rune('a' + n%26))
	if n < 26 {
		return predicate.VariablePrefix + letter
	}
	return predicate.VariablePrefix + letter + strconv.Itoa(n/26)
}

func itemsetKey(items []string) string { return strings.Join(items, "|") }

func sortItemsets(sets [][]string) {
	sort.Slice(sets, func(i, j int) bool {
		return itemsetKey(sets[i]) < itemsetKey(sets[j])
	})
}

// joinItemsets generates (k+1)-candidates from sorted frequent k-sets
// sharing a (k-1)-prefix.
func joinItemsets(frequent [][]string) [][]string {
	var out [][]string
	for i := 0; i < len(frequent); i++ {
		for j := i + 1; j < len(frequent); j++ {
			a, b := frequent[i], frequent[j]
			k := len(a)
			if !samePrefix(a, b, k-1) {
				break
			}
			cand := make([]string, 0, k+1)
			cand = append(cand, a...)
			if b[k-1] < a[k-1] {
				cand = append(cand[:k-1], b[k-1], a[k-1])
			} else {
				cand = append(cand, b[k-1])
			}
			out = append(out, cand)
		}
	}
	return out
}

func samePrefix(a, b []string, n int) bool {
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// subsetsFrequent applies the Apriori monotonicity prune: every
// (k-1)-subset of a candidate must itself be frequent.
func subsetsFrequent(cand []string, counts map[string]int, total, minSupport float64) bool {
	if len(cand) <= 2 {
		return true // singletons were checked during candidate generation
	}
	sub := make([]string, 0, len(cand)-1)
	for drop := range cand {
		sub = sub[:0]
		for i, item := range cand {
			if i != drop {
				sub = append(sub, item)
			}
		}
		if float64(counts[itemsetKey(sub)])/total < minSupport {
			return false
		}
	}
	return true
}

func countSupport(cand []string, txs []transaction) int {
	n := 0
	for _, tx := range txs {
		if containsAll(tx.items, cand) {
			n++
		}
	}
	return n
}

// containsAll assumes both slices are sorted.
func containsAll(items, cand []string) bool {
	i := 0
	for _, c := range cand {
		for i < len(items) && items[i] < c {
			i++
		}
		if i >= len(items) || items[i] != c {
			return false
		}
	}
	return true
}

// bestSplitConfidence returns the confidence of the strongest
// entailment split of the itemset: max over removed items of
// support(S) / support(S \ {item}).
func bestSplitConfidence(cand []string, counts map[string]int, candCount int) float64 {
	best := 0.0
	sub := make([]string, 0, len(cand)-1)
	for drop := range cand {
		sub = sub[:0]
		for i, item := range cand {
			if i != drop {
				sub = append(sub, item)
			}
		}
		base := counts[itemsetKey(sub)]
		if base == 0 {
			continue
		}
		if conf := float64(candCount) / float64(base); conf > best {
			best = conf
		}
	}
	return best
}

// buildPattern assembles the Pattern value and, when windows are
// enabled, derives the temporal ordering signal.
func (m *Miner) buildPattern(items []string, support, confidence float64, txs []transaction) (predicate.Pattern, bool) {
	components := make([]predicate.Template, len(items))
	for i, key := range items {
		t, err := predicate.ParseTemplate(key)
		if err != nil {
			return predicate.Pattern{}, false
		}
		components[i] = t
	}
	p := predicate.Pattern{Components: components, Support: support, Confidence: confidence}
	if m.cfg.Window > 1 {
		if order, ok := m.temporalOrder(items, txs); ok {
			p.Sequential = true
			ordered := make([]predicate.Template, len(order))
			for i, key := range order {
				t, _ := predicate.ParseTemplate(key)
				ordered[i] = t
			}
			p.Components = ordered
		}
	}
	return p, true
}

// temporalOrder checks whether the pattern's components were observed
// at strictly increasing window offsets, in the same order, across at
// least SequenceFraction of the windows containing the whole pattern.
func (m *Miner) temporalOrder(items []string, txs []transaction) ([]string, bool) {
	type ordered struct{ order []string }
	orderCounts := make(map[string]ordered)
	tally := make(map[string]int)
	windows := 0
	for _, tx := range txs {
		offsets := make([]int, len(items))
		present := true
		for i, item := range items {
			off, ok := tx.offsets[item]
			if !ok {
				present = false
				break
			}
			offsets[i] = off
		}
		if !present {
			continue
		}
		windows++
		order := make([]string, len(items))
		copy(order, items)
		sort.SliceStable(order, func(i, j int) bool {
			return tx.offsets[order[i]] < tx.offsets[order[j]]
		})
		if !strictlyIncreasing(order, tx.offsets) {
			continue
		}
		key := itemsetKey(order)
		orderCounts[key] = ordered{order: order}
		tally[key]++
	}
	if windows == 0 {
		return nil, false
	}
	bestKey, bestN := "", 0
	for key, n := range tally {
		if n > bestN || (n == bestN && key < bestKey) {
			bestKey, bestN = key, n
		}
	}
	if bestN == 0 || float64(bestN)/float64(windows) < m.cfg.SequenceFraction {
		return nil, false
	}
	return orderCounts[bestKey].order, true
}

func strictlyIncreasing(order []string, offsets map[string]int) bool {
	for i := 1; i < len(order); i++ {
		if offsets[order[i]] <= offsets[order[i-1]] {
			return false
		}
	}
	return true
}
