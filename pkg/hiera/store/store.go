// Package store defines the persistence interface layered on top of
// the hierarchy data model. The engine runs fully in memory; a Store
// is an optional sink for accepted predicates and rejected candidates.
package store

import (
	"context"
	"time"

	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
)

// Accepted pairs a persisted predicate with its composition rule.
type Accepted struct {
	Predicate predicate.Predicate
	Rule      predicate.Rule
}

// Rejection records a candidate discarded by validation, kept for
// offline analysis of discovery behavior.
type Rejection struct {
	CycleID   string
	Candidate string
	Check     string
	Detail    string
	Utility   float64
	CreatedAt time.Time
}

// Store persists hierarchy contents and discovery outcomes.
type Store interface {
	Close() error

	SaveAccepted(ctx context.Context, a Accepted) error
	// LoadAccepted returns persisted predicates ordered by ascending
	// level, so replaying them through Hierarchy.Insert preserves the
	// level invariant.
	LoadAccepted(ctx context.Context) ([]Accepted, error)

	AppendRejection(ctx context.Context, r Rejection) error
	// Rejections returns recorded rejections, newest first, filtered to
	// one discovery cycle when cycleID is non-empty.
	Rejections(ctx context.Context, cycleID string) ([]Rejection, error)
}
