// Package memstore is an in-memory implementation of store.Store for
// tests and ephemeral runs.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/conceptmesh/hiera/pkg/hiera/internalerr"
	"github.com/conceptmesh/hiera/pkg/hiera/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu         sync.RWMutex
	closed     bool
	accepted   []store.Accepted
	names      map[string]int // produced name -> index into accepted
	rejections []store.Rejection
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{names: make(map[string]int)}
}

// Close marks the store closed; subsequent operations fail with
// internalerr.ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SaveAccepted inserts or replaces an accepted predicate by name.
func (s *Store) SaveAccepted(ctx context.Context, a store.Accepted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return internalerr.ErrStoreClosed
	}
	if i, ok := s.names[a.Predicate.Name]; ok {
		s.accepted[i] = a
		return nil
	}
	s.names[a.Predicate.Name] = len(s.accepted)
	s.accepted = append(s.accepted, a)
	return nil
}

// LoadAccepted returns all accepted predicates ordered by ascending
// level, names ascending within a level.
func (s *Store) LoadAccepted(ctx context.Context) ([]store.Accepted, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, internalerr.ErrStoreClosed
	}
	out := make([]store.Accepted, len(s.accepted))
	copy(out, s.accepted)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Predicate.Level != out[j].Predicate.Level {
			return out[i].Predicate.Level < out[j].Predicate.Level
		}
		return out[i].Predicate.Name < out[j].Predicate.Name
	})
	return out, nil
}

// AppendRejection records a rejected candidate.
func (s *Store) AppendRejection(ctx context.Context, r store.Rejection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return internalerr.ErrStoreClosed
	}
	s.rejections = append(s.rejections, r)
	return nil
}

// Rejections returns recorded rejections newest first, optionally
// filtered to one cycle.
func (s *Store) Rejections(ctx context.Context, cycleID string) ([]store.Rejection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, internalerr.ErrStoreClosed
	}
	var out []store.Rejection
	for i := len(s.rejections) - 1; i >= 0; i-- {
		r := s.rejections[i]
		if cycleID != "" && r.CycleID != cycleID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
