// Package sqlite persists the hierarchy in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conceptmesh/hiera/pkg/hiera/predicate"
	"github.com/conceptmesh/hiera/pkg/hiera/store"
)

// sqliteStore implements store.Store using SQLite.
type sqliteStore struct {
	db *sql.DB
}

// Open opens a SQLite database with WAL mode enabled and initializes
// the schema.
func Open(ctx context.Context, path string) (store.Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

// Close closes the database connection.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS predicates (
	name TEXT PRIMARY KEY,
	args TEXT NOT NULL,
	confidence REAL NOT NULL,
	level INTEGER NOT NULL,
	source TEXT NOT NULL,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS rules (
	produces TEXT PRIMARY KEY,
	op TEXT NOT NULL,
	confidence REAL NOT NULL,
	FOREIGN KEY(produces) REFERENCES predicates(name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS rule_components (
	produces TEXT NOT NULL,
	position INTEGER NOT NULL,
	name TEXT NOT NULL,
	args TEXT NOT NULL,
	PRIMARY KEY(produces, position),
	FOREIGN KEY(produces) REFERENCES rules(produces) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS rejections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id TEXT NOT NULL,
	candidate TEXT NOT NULL,
	check_name TEXT NOT NULL,
	detail TEXT,
	utility REAL NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_predicates_level ON predicates(level);
CREATE INDEX IF NOT EXISTS idx_rejections_cycle ON rejections(cycle_id);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// SaveAccepted writes a predicate, its rule, and the rule's components
// in one transaction.
func (s *sqliteStore) SaveAccepted(ctx context.Context, a store.Accepted) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	args, err := json.Marshal(a.Predicate.Args)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(a.Predicate.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO predicates(name, args, confidence, level, source, metadata)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			args=excluded.args, confidence=excluded.confidence,
			level=excluded.level, source=excluded.source, metadata=excluded.metadata`,
		a.Predicate.Name, string(args), a.Predicate.Confidence,
		a.Predicate.Level, a.Predicate.Source.String(), string(meta)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rules(produces, op, confidence)
		VALUES(?, ?, ?)
		ON CONFLICT(produces) DO UPDATE SET op=excluded.op, confidence=excluded.confidence`,
		a.Rule.Produces, a.Rule.Op.String(), a.Rule.Confidence); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rule_components WHERE produces = ?`, a.Rule.Produces); err != nil {
		return err
	}
	for i, comp := range a.Rule.Components {
		compArgs, err := json.Marshal(comp.Args)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rule_components(produces, position, name, args)
			VALUES(?, ?, ?, ?)`,
			a.Rule.Produces, i, comp.Name, string(compArgs)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadAccepted returns persisted predicates ordered by ascending level.
func (s *sqliteStore) LoadAccepted(ctx context.Context) ([]store.Accepted, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name, p.args, p.confidence, p.level, p.source, p.metadata,
		       r.op, r.confidence
		FROM predicates p
		JOIN rules r ON r.produces = p.name
		ORDER BY p.level ASC, p.name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Accepted
	for rows.Next() {
		var a store.Accepted
		var argsJSON, metaJSON, sourceStr, opStr string
		if err := rows.Scan(&a.Predicate.Name, &argsJSON, &a.Predicate.Confidence,
			&a.Predicate.Level, &sourceStr, &metaJSON, &opStr, &a.Rule.Confidence); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(argsJSON), &a.Predicate.Args); err != nil {
			return nil, fmt.Errorf("predicate %s args: %w", a.Predicate.Name, err)
		}
		if metaJSON != "" && metaJSON != "null" {
			if err := json.Unmarshal([]byte(metaJSON), &a.Predicate.Metadata); err != nil {
				return nil, fmt.Errorf("predicate %s metadata: %w", a.Predicate.Name, err)
			}
		}
		a.Predicate.Source = parseSource(sourceStr)
		a.Rule.Produces = a.Predicate.Name
		a.Rule.Op = parseOp(opStr)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		comps, err := s.loadComponents(ctx, out[i].Rule.Produces)
		if err != nil {
			return nil, err
		}
		out[i].Rule.Components = comps
	}
	return out, nil
}

func (s *sqliteStore) loadComponents(ctx context.Context, produces string) ([]predicate.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, args FROM rule_components
		WHERE produces = ? ORDER BY position ASC`, produces)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comps []predicate.Template
	for rows.Next() {
		var t predicate.Template
		var argsJSON string
		if err := rows.Scan(&t.Name, &argsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(argsJSON), &t.Args); err != nil {
			return nil, fmt.Errorf("rule %s component args: %w", produces, err)
		}
		comps = append(comps, t)
	}
	return comps, rows.Err()
}

// AppendRejection records a rejected candidate.
func (s *sqliteStore) AppendRejection(ctx context.Context, r store.Rejection) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rejections(cycle_id, candidate, check_name, detail, utility, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		r.CycleID, r.Candidate, r.Check, r.Detail, r.Utility, created.Format(time.RFC3339Nano))
	return err
}

// Rejections returns recorded rejections newest first.
func (s *sqliteStore) Rejections(ctx context.Context, cycleID string) ([]store.Rejection, error) {
	query := `
		SELECT cycle_id, candidate, check_name, detail, utility, created_at
		FROM rejections`
	var args []any
	if cycleID != "" {
		query += ` WHERE cycle_id = ?`
		args = append(args, cycleID)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Rejection
	for rows.Next() {
		var r store.Rejection
		var created string
		if err := rows.Scan(&r.CycleID, &r.Candidate, &r.Check, &r.Detail, &r.Utility, &created); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseSource(s string) predicate.Source {
	if s == predicate.SourceComposed.String() {
		return predicate.SourceComposed
	}
	return predicate.SourceExtracted
}

func parseOp(s string) predicate.Op {
	switch s {
	case predicate.OpOr.String():
		return predicate.OpOr
	case predicate.OpSequence.String():
		return predicate.OpSequence
	default:
		return predicate.OpAnd
	}
}
