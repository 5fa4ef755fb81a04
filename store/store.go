// Package store keeps decompilation results in SQLite, keyed by a hash of
// the program, so that repeated runs over the same script can be compared
// or skipped.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/ncsdecomp/pkg/bytecode"
)

var log = commonlog.GetLogger("ncsdecomp.store")

// ErrNotFound is returned by Lookup when a program has never been stored.
var ErrNotFound = errors.New("store: program not found")

// Record is the stored result for one subroutine.
type Record struct {
	Sub       int    `cbor:"1,keyasint"`
	Prototype string `cbor:"2,keyasint"`
	Status    string `cbor:"3,keyasint"`
	Error     string `cbor:"4,keyasint,omitempty"`
	Residue   int    `cbor:"5,keyasint,omitempty"`
	Dump      string `cbor:"6,keyasint,omitempty"`
}

// Run describes one stored decompilation.
type Run struct {
	ID      uuid.UUID
	Program string // hash
	Name    string
	Created time.Time
}

// Store is a result database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id      TEXT PRIMARY KEY,
		program TEXT NOT NULL,
		name    TEXT NOT NULL,
		created INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subroutines (
		program   TEXT NOT NULL,
		sub       INTEGER NOT NULL,
		run       TEXT NOT NULL,
		prototype TEXT NOT NULL,
		status    TEXT NOT NULL,
		error     TEXT NOT NULL,
		record    BLOB NOT NULL,
		PRIMARY KEY (program, sub)
	)`,
	`CREATE INDEX IF NOT EXISTS runs_program ON runs (program)`,
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}

	log.Debugf("opened %s", path)
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Hash returns the key under which results for prog are stored: the hex
// SHA-256 of its canonical CBOR encoding.
func Hash(prog *bytecode.Program) (string, error) {
	data, err := bytecode.MarshalProgram(prog)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Save records a run and replaces the stored results of its program.
func (s *Store) Save(run Run, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if run.Created.IsZero() {
		run.Created = time.Now()
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO runs (id, program, name, created) VALUES (?, ?, ?, ?)",
		run.ID.String(), run.Program, run.Name, run.Created.UnixNano(),
	); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM subroutines WHERE program = ?", run.Program); err != nil {
		return fmt.Errorf("clearing results: %w", err)
	}

	for _, r := range records {
		blob, err := cbor.Marshal(r)
		if err != nil {
			return errors.Wrapf(err, "encoding sub%d", r.Sub)
		}
		if _, err := tx.Exec(
			"INSERT INTO subroutines (program, sub, run, prototype, status, error, record) VALUES (?, ?, ?, ?, ?, ?, ?)",
			run.Program, r.Sub, run.ID.String(), r.Prototype, r.Status, r.Error, blob,
		); err != nil {
			return fmt.Errorf("saving sub%d: %w", r.Sub, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run: %w", err)
	}
	log.Infof("[%s] stored %d subroutines of %s", run.ID, len(records), run.Name)
	return nil
}

// Lookup returns the stored records of a program, ordered by subroutine.
func (s *Store) Lookup(program string) ([]Record, error) {
	rows, err := s.db.Query("SELECT record FROM subroutines WHERE program = ? ORDER BY sub", program)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		var r Record
		if err := cbor.Unmarshal(blob, &r); err != nil {
			return nil, errors.Wrap(err, "decoding result")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Prototypes returns the stored prototype of each subroutine of a program.
func (s *Store) Prototypes(program string) (map[int]string, error) {
	rows, err := s.db.Query("SELECT sub, prototype FROM subroutines WHERE program = ?", program)
	if err != nil {
		return nil, fmt.Errorf("querying prototypes: %w", err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var sub int
		var proto string
		if err := rows.Scan(&sub, &proto); err != nil {
			return nil, fmt.Errorf("scanning prototype: %w", err)
		}
		out[sub] = proto
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// LastRun returns the most recent run stored for a program.
func (s *Store) LastRun(program string) (Run, error) {
	var id, name string
	var created int64
	err := s.db.QueryRow(
		"SELECT id, name, created FROM runs WHERE program = ? ORDER BY created DESC LIMIT 1", program,
	).Scan(&id, &name, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("querying run: %w", err)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return Run{}, errors.Wrapf(err, "run id %q", id)
	}
	return Run{ID: u, Program: program, Name: name, Created: time.Unix(0, created)}, nil
}
