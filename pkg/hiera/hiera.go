// Package hiera is the predicate hierarchy discovery engine facade: it
// wires the pattern miner, candidate composer, validator, and hierarchy
// store into periodic batch discovery cycles, and exposes evaluation
// and explanation to the policy side.
package hiera

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/conceptmesh/hiera/pkg/hiera/compose"
	"github.com/conceptmesh/hiera/pkg/hiera/explain"
	"github.com/conceptmesh/hiera/pkg/hiera/hierarchy"
	"github.com/conceptmesh/hiera/pkg/hiera/internalerr"
	"github.com/conceptmesh/hiera/pkg/hiera/mine"
	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
	"github.com/conceptmesh/hiera/pkg/hiera/store"
	"github.com/conceptmesh/hiera/pkg/hiera/validate"
)

// Options configures an Engine instance.
type Options struct {
	Mining     mine.Config
	Validation validate.Config
	Hierarchy  hierarchy.Config
	// Store is an optional persistence sink for accepted predicates and
	// rejection records.
	Store store.Store
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Engine runs discovery as a single-writer batch process over the
// hierarchy. Evaluate, Explain, and GetActive are read-only and may run
// concurrently with an in-flight discovery cycle.
type Engine struct {
	miner     *mine.Miner
	composer  *compose.Composer
	validator *validate.Validator
	hier      *hierarchy.Hierarchy
	explainer *explain.Explainer
	store     store.Store
	log       *zap.Logger

	// discovery is the exclusive discovery token: at most one
	// mine→compose→validate→insert cycle in flight.
	discovery *semaphore.Weighted

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// New creates an Engine with the given dependencies.
func New(opts Options) (*Engine, error) {
	hier, err := hierarchy.New(opts.Hierarchy)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		miner:     mine.New(opts.Mining),
		composer:  compose.New(),
		validator: validate.New(opts.Validation),
		hier:      hier,
		explainer: explain.New(hier),
		store:     opts.Store,
		log:       logger,
		discovery: semaphore.NewWeighted(1),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Close shuts down the optional persistence store.
func (e *Engine) Close() error {
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// Hierarchy returns the owned hierarchy store.
func (e *Engine) Hierarchy() *hierarchy.Hierarchy { return e.hier }

// Rejection is one discarded candidate with its validation outcome.
type Rejection struct {
	Candidate string
	Result    predicate.ValidationResult
}

// DiscoveryReport summarizes one discovery cycle.
type DiscoveryReport struct {
	CycleID  string
	Patterns int
	Skipped  int
	Accepted []predicate.Predicate
	Rejected []Rejection
}

// Discover runs one batch discovery cycle over the episode window:
// mine frequent patterns, compose candidates, validate each against the
// current hierarchy snapshot, and insert the survivors. It returns
// internalerr.ErrDiscoveryBusy when a cycle is already in flight. All
// per-candidate failures degrade to "no new predicate"; none abort the
// cycle.
func (e *Engine) Discover(ctx context.Context, episodes []predicate.Episode) (DiscoveryReport, error) {
	if !e.discovery.TryAcquire(1) {
		return DiscoveryReport{}, internalerr.ErrDiscoveryBusy
	}
	defer e.discovery.Release(1)

	report := DiscoveryReport{CycleID: e.newCycleID()}
	patterns, stats := e.miner.Mine(episodes)
	report.Patterns = len(patterns)
	report.Skipped = stats.Skipped
	e.log.Debug("mined patterns",
		zap.String("cycle", report.CycleID),
		zap.Int("patterns", len(patterns)),
		zap.Int("transactions", stats.Transactions),
		zap.Int("skipped", stats.Skipped))

	for _, p := range patterns {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		cand, rule, ok := e.composer.Compose(p, e.hier.LevelOf)
		if !ok {
			e.log.Debug("pattern not composable",
				zap.String("cycle", report.CycleID),
				zap.String("pattern", p.Key()))
			continue
		}
		e.processCandidate(ctx, &report, cand, rule, episodes)
	}
	return report, nil
}

// Propose runs externally proposed compositions (e.g. from a neural
// candidate proposer) through the same validate→insert gate as mined
// patterns. This is the only path that may carry OR compositions.
func (e *Engine) Propose(ctx context.Context, proposals []compose.Proposal, evidence []predicate.Episode) (DiscoveryReport, error) {
	if !e.discovery.TryAcquire(1) {
		return DiscoveryReport{}, internalerr.ErrDiscoveryBusy
	}
	defer e.discovery.Release(1)

	report := DiscoveryReport{CycleID: e.newCycleID()}
	for _, p := range proposals {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		cand, rule, ok := e.composer.ComposeProposal(p, e.hier.LevelOf)
		if !ok {
			e.log.Debug("proposal not composable", zap.String("cycle", report.CycleID))
			continue
		}
		e.processCandidate(ctx, &report, cand, rule, evidence)
	}
	return report, nil
}

func (e *Engine) processCandidate(ctx context.Context, report *DiscoveryReport, cand predicate.Predicate, rule predicate.Rule, evidence []predicate.Episode) {
	res := e.validator.Validate(cand, rule, e.hier.Snapshot(), evidence)
	if !res.Accepted {
		e.recordRejection(ctx, report, cand, res)
		return
	}
	if err := e.hier.Insert(cand, rule); err != nil {
		// Defense in depth: the validator should have caught this.
		// Fatal to this insertion only; the store stays consistent.
		e.log.Warn("insert rejected after validation",
			zap.String("cycle", report.CycleID),
			zap.String("candidate", cand.Name),
			zap.Error(err))
		check := predicate.CheckNone
		switch {
		case errors.Is(err, internalerr.ErrCycleDetected):
			check = predicate.CheckCircularDependency
		case errors.Is(err, internalerr.ErrDuplicateName):
			check = predicate.CheckRedundancy
		}
		e.recordRejection(ctx, report, cand, predicate.ValidationResult{
			FailingCheck: check,
			Detail:       err.Error(),
			UtilityScore: res.UtilityScore,
		})
		return
	}
	report.Accepted = append(report.Accepted, cand)
	e.log.Info("predicate accepted",
		zap.String("cycle", report.CycleID),
		zap.String("name", cand.Name),
		zap.Int("level", cand.Level),
		zap.Float64("utility", res.UtilityScore))

	if e.store != nil {
		if err := e.store.SaveAccepted(ctx, store.Accepted{Predicate: cand, Rule: rule}); err != nil {
			e.log.Warn("persist accepted predicate",
				zap.String("name", cand.Name), zap.Error(err))
		}
	}
}

func (e *Engine) recordRejection(ctx context.Context, report *DiscoveryReport, cand predicate.Predicate, res predicate.ValidationResult) {
	report.Rejected = append(report.Rejected, Rejection{Candidate: cand.Name, Result: res})
	e.log.Debug("candidate rejected",
		zap.String("cycle", report.CycleID),
		zap.String("candidate", cand.Name),
		zap.String("check", res.FailingCheck.String()),
		zap.String("detail", res.Detail))
	if e.store == nil {
		return
	}
	err := e.store.AppendRejection(ctx, store.Rejection{
		CycleID:   report.CycleID,
		Candidate: cand.Name,
		Check:     res.FailingCheck.String(),
		Detail:    res.Detail,
		Utility:   res.UtilityScore,
	})
	if err != nil {
		e.log.Warn("persist rejection", zap.String("candidate", cand.Name), zap.Error(err))
	}
}

// Evaluate derives the full symbolic state from the level-0 facts of
// one observation. Safe at decision time: every rule grounding runs
// under the hierarchy's backtrack budget.
func (e *Engine) Evaluate(level0 []predicate.Predicate) []predicate.Predicate {
	return e.hier.Evaluate(level0)
}

// Explain reconstructs how target would be derived from the level-0
// facts. The boolean is false when the target is not derivable.
func (e *Engine) Explain(target predicate.Predicate, level0 []predicate.Predicate) (explain.Trace, bool) {
	return e.explainer.Explain(target, level0)
}

// GetActive returns accepted predicates, optionally filtered to one
// level; negative means all levels.
func (e *Engine) GetActive(level int) []predicate.Predicate {
	return e.hier.GetActive(level)
}

// Restore replays persisted predicates into the hierarchy. Call once at
// startup, before discovery begins.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	accepted, err := e.store.LoadAccepted(ctx)
	if err != nil {
		return fmt.Errorf("load accepted predicates: %w", err)
	}
	for _, a := range accepted {
		if err := e.hier.Insert(a.Predicate, a.Rule); err != nil {
			return fmt.Errorf("restore %s: %w", a.Predicate.Name, err)
		}
	}
	e.log.Info("hierarchy restored", zap.Int("predicates", len(accepted)))
	return nil
}

func (e *Engine) newCycleID() string {
	e.entropyMu.Lock()
	defer e.entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), e.entropy).String()
}
