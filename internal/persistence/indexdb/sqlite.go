// Package indexdb persists the snapshot index in SQLite. The index is the
// authority for which checkpoint blobs exist: a row is only inserted after
// its blob has been fully written and synced, so a crash never leaves an
// entry pointing at a missing or partial blob.
package indexdb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Row is one snapshot index entry.
type Row struct {
	Tick        uint64
	Path        string
	Size        int64
	Hash        string
	Manual      bool
	Description string
	CreatedAt   time.Time
}

// Stats summarizes the index.
type Stats struct {
	TotalSnapshots int
	TotalSize      int64
}

// ErrNotFound is returned when no row exists for the requested tick.
var ErrNotFound = errors.New("indexdb: not found")

// DB wraps a single-connection SQLite database. All writes go through one
// connection; reads of finalized rows may happen concurrently with the
// simulation.
type DB struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("indexdb: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads; NORMAL is a reasonable
	// durability/perf tradeoff given blobs are synced before index rows.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		tick INTEGER PRIMARY KEY,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		hash TEXT NOT NULL,
		manual INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`)
	return err
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

// Put inserts or replaces the row for r.Tick. Replays can legitimately
// re-create a checkpoint at an existing tick with identical content.
func (d *DB) Put(r Row) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO snapshots (tick, path, size, hash, manual, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(r.Tick), r.Path, r.Size, r.Hash, boolInt(r.Manual), r.Description,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (d *DB) Get(tick uint64) (Row, error) {
	return d.scanOne(`SELECT tick, path, size, hash, manual, description, created_at
		FROM snapshots WHERE tick = ?`, int64(tick))
}

// NearestAtOrBefore returns the newest row with tick <= the argument. This
// is the rewind primitive; the primary-key index makes it a single
// descending seek.
func (d *DB) NearestAtOrBefore(tick uint64) (Row, error) {
	return d.scanOne(`SELECT tick, path, size, hash, manual, description, created_at
		FROM snapshots WHERE tick <= ? ORDER BY tick DESC LIMIT 1`, int64(tick))
}

func (d *DB) scanOne(query string, arg any) (Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var (
		r       Row
		tick    int64
		manual  int
		created string
	)
	err := d.db.QueryRow(query, arg).Scan(&tick, &r.Path, &r.Size, &r.Hash, &manual, &r.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, err
	}
	r.Tick = uint64(tick)
	r.Manual = manual != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return r, nil
}

// All returns every row ordered by tick ascending.
func (d *DB) All() ([]Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.Query(`SELECT tick, path, size, hash, manual, description, created_at
		FROM snapshots ORDER BY tick ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r       Row
			tick    int64
			manual  int
			created string
		)
		if err := rows.Scan(&tick, &r.Path, &r.Size, &r.Hash, &manual, &r.Description, &created); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		r.Manual = manual != 0
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) Delete(tick uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`DELETE FROM snapshots WHERE tick = ?`, int64(tick))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OldestBeyond returns rows other than the newest keep, oldest first.
func (d *DB) OldestBeyond(keep int) ([]Row, error) {
	all, err := d.All()
	if err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(all) <= keep {
		return nil, nil
	}
	return all[:len(all)-keep], nil
}

func (d *DB) Stats() (Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s Stats
	err := d.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM snapshots`).
		Scan(&s.TotalSnapshots, &s.TotalSize)
	return s, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
