// Package history keeps a log of resolution outcomes and their candidate
// rankings in SQLite, for diagnosing why a gesture did or did not match.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"strokebind/internal/resolve"
	"strokebind/internal/token"
)

// MaxRanked bounds how many candidates are kept per outcome.
const MaxRanked = 10

// Rank is one stored candidate.
type Rank struct {
	Ordinal int
	Score   float64
	Name    string
	Exact   bool
}

// Entry is one stored outcome.
type Entry struct {
	ID              int64
	At              time.Time
	Scope           string
	Matched         bool
	Token           token.Token
	Name            string
	Score           float64
	BestFingerprint string
	Button          uint
	Ranking         []Rank
}

// Store is the SQLite outcome log.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and migrates it.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record implements resolve.Recorder.
func (s *Store) Record(scope string, o *resolve.Outcome) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var best sql.NullString
	if o.Best != nil {
		best = sql.NullString{String: o.Best.Fingerprint().String(), Valid: true}
	}
	tok, _ := o.ID.MarshalText()
	var button uint
	if o.Stroke != nil {
		button = o.Stroke.Button
	}

	res, err := tx.Exec(`
		INSERT INTO outcomes (at_ns, scope, matched, token, name, score, best_fingerprint, button)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.now().UnixNano(), scope, o.Matched, string(tok), o.Name, o.Score, best, button,
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO rankings (outcome_id, ordinal, score, name, exact)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, c := range o.Ranking {
		if i == MaxRanked {
			break
		}
		if _, err := stmt.Exec(id, i, c.Score, c.Name, c.Match); err != nil {
			return fmt.Errorf("insert ranking %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent returns up to limit outcomes, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, at_ns, scope, matched, token, COALESCE(name, ''), score, COALESCE(best_fingerprint, ''), button
		FROM outcomes ORDER BY at_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}

	var entries []Entry
	for rows.Next() {
		var e Entry
		var atNs int64
		var tok string
		if err := rows.Scan(&e.ID, &atNs, &e.Scope, &e.Matched, &tok, &e.Name, &e.Score, &e.BestFingerprint, &e.Button); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		e.At = time.Unix(0, atNs)
		if e.Token, err = token.Parse(tok); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outcome %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		if entries[i].Ranking, err = s.ranking(entries[i].ID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *Store) ranking(outcomeID int64) ([]Rank, error) {
	rows, err := s.db.Query(`
		SELECT ordinal, score, COALESCE(name, ''), exact
		FROM rankings WHERE outcome_id = ? ORDER BY ordinal`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("query rankings: %w", err)
	}
	defer rows.Close()

	var out []Rank
	for rows.Next() {
		var r Rank
		if err := rows.Scan(&r.Ordinal, &r.Score, &r.Name, &r.Exact); err != nil {
			return nil, fmt.Errorf("scan ranking: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes outcomes older than cutoff and returns how many were removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM outcomes WHERE at_ns < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	return res.RowsAffected()
}
