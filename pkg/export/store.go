// Package export writes null distributions and reported clusters of finished
// runs to a SQLite database for offline diagnostics.
package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"fmristat/pkg/nulldist"
	"fmristat/pkg/pvalue"
)

// ErrRunNotFound is returned when a run ID has no stored record
var ErrRunNotFound = errors.New("export: run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	created TEXT NOT NULL,
	mode TEXT NOT NULL,
	test TEXT NOT NULL,
	level TEXT NOT NULL,
	alpha REAL NOT NULL,
	permutations INTEGER NOT NULL,
	skipped INTEGER NOT NULL,
	settings BLOB
);
CREATE TABLE IF NOT EXISTS null_values (
	run_id TEXT NOT NULL REFERENCES runs(id),
	map INTEGER NOT NULL,
	permutation INTEGER NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY (run_id, map, permutation)
);
CREATE TABLE IF NOT EXISTS clusters (
	run_id TEXT NOT NULL REFERENCES runs(id),
	map INTEGER NOT NULL,
	cluster INTEGER NOT NULL,
	extent INTEGER NOT NULL,
	mass REAL NOT NULL,
	peak REAL NOT NULL,
	peak_voxel INTEGER NOT NULL,
	p_value REAL NOT NULL,
	PRIMARY KEY (run_id, map, cluster)
);`

// Run is one finished analysis
type Run struct {
	ID      uuid.UUID
	Created time.Time
	Mode    string
	Test    string
	Level   string
	Alpha   float64
	Skipped int

	// Settings is stored as JSON alongside the run
	Settings any

	Distributions []*nulldist.Distribution

	// Clusters holds the reported clusters of each map
	Clusters [][]pvalue.ReportedCluster
}

// RunInfo is the stored summary of a run
type RunInfo struct {
	ID           uuid.UUID
	Created      time.Time
	Mode         string
	Test         string
	Level        string
	Alpha        float64
	Permutations int
	Skipped      int
	Settings     json.RawMessage
}

// Store is a SQLite-backed run archive
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open creates or opens the database at path
func Open(path string) (*Store, error) {
	if path == "" {
		path = "fmristat.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file
func (s *Store) Path() string { return s.path }

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes a run in one transaction
func (s *Store) Save(ctx context.Context, run Run) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var settings []byte
	if run.Settings != nil {
		b, err := json.Marshal(run.Settings)
		if err != nil {
			return fmt.Errorf("encode settings: %w", err)
		}
		settings = b
	}
	permutations := 0
	if len(run.Distributions) > 0 {
		permutations = run.Distributions[0].Len()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, created, mode, test, level, alpha, permutations, skipped, settings) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Created.UTC().Format(time.RFC3339Nano), run.Mode, run.Test, run.Level,
		run.Alpha, permutations, run.Skipped, settings); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	nullStmt, err := tx.PrepareContext(ctx, `INSERT INTO null_values (run_id, map, permutation, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare null insert: %w", err)
	}
	defer func() { _ = nullStmt.Close() }()
	for _, d := range run.Distributions {
		for k, v := range d.Values() {
			if _, err := nullStmt.ExecContext(ctx, run.ID.String(), d.Map, d.Permutations[k], v); err != nil {
				return fmt.Errorf("insert null value: %w", err)
			}
		}
	}

	clusterStmt, err := tx.PrepareContext(ctx, `INSERT INTO clusters (run_id, map, cluster, extent, mass, peak, peak_voxel, p_value) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare cluster insert: %w", err)
	}
	defer func() { _ = clusterStmt.Close() }()
	for m, clusters := range run.Clusters {
		for _, c := range clusters {
			if _, err := clusterStmt.ExecContext(ctx, run.ID.String(), m, c.ID, c.Extent, c.Mass, c.Peak, c.PeakVoxel, c.PValue); err != nil {
				return fmt.Errorf("insert cluster: %w", err)
			}
		}
	}
	return tx.Commit()
}

// Info loads the summary of a run
func (s *Store) Info(ctx context.Context, id uuid.UUID) (*RunInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created, mode, test, level, alpha, permutations, skipped, settings FROM runs WHERE id = ?`, id.String())
	var (
		info     RunInfo
		rawID    string
		created  string
		settings []byte
	)
	err := row.Scan(&rawID, &created, &info.Mode, &info.Test, &info.Level, &info.Alpha, &info.Permutations, &info.Skipped, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	if info.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("decode run id: %w", err)
	}
	if info.Created, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("decode created: %w", err)
	}
	info.Settings = settings
	return &info, nil
}

// Null loads the null distribution of one map of a run
func (s *Store) Null(ctx context.Context, id uuid.UUID, m int, mode nulldist.Mode) (*nulldist.Distribution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT permutation, value FROM null_values WHERE run_id = ? AND map = ? ORDER BY permutation`, id.String(), m)
	if err != nil {
		return nil, fmt.Errorf("select null values: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		indices []int
		values  []float64
	)
	for rows.Next() {
		var (
			p int
			v float64
		)
		if err := rows.Scan(&p, &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		indices = append(indices, p)
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no null values for %s map %d", ErrRunNotFound, id, m)
	}
	return nulldist.NewDistribution(m, mode, indices, values), nil
}

// Clusters loads the reported clusters of one map of a run, ordered by ID
func (s *Store) Clusters(ctx context.Context, id uuid.UUID, m int) ([]pvalue.ReportedCluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cluster, extent, mass, peak, peak_voxel, p_value FROM clusters WHERE run_id = ? AND map = ? ORDER BY cluster`, id.String(), m)
	if err != nil {
		return nil, fmt.Errorf("select clusters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []pvalue.ReportedCluster
	for rows.Next() {
		var c pvalue.ReportedCluster
		if err := rows.Scan(&c.ID, &c.Extent, &c.Mass, &c.Peak, &c.PeakVoxel, &c.PValue); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
