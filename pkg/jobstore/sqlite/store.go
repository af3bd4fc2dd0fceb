// Package sqlite implements the Metadata Store on a local SQLite database.
//
// Each record is stored as a JSON document alongside indexed key, status,
// created_at and version columns. Updates read-modify-write inside one
// transaction and are fenced by the version column.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/jobstore"
	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/simulation"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// SchemaVersion is the current schema version recorded in schema_meta.
const SchemaVersion = 1

// Config configures the SQLite store.
type Config struct {
	// Path is a local filesystem path or ":memory:".
	Path string
}

// Store is a SQLite-backed jobstore.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates if needed) the database and migrates the schema.
//
// Local files use WAL and a busy timeout with a single connection, so
// concurrent writers in one process serialize instead of failing with
// SQLITE_BUSY.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if dsn != ":memory:" {
		if err := configureLocal(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("job store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	path = strings.TrimPrefix(path, "file:")

	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create store directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configureLocal(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Migrate creates (or upgrades) the schema in place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS simulations (
			user_id TEXT NOT NULL,
			simulation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			version INTEGER NOT NULL,
			record TEXT NOT NULL,
			PRIMARY KEY (user_id, simulation_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_simulations_status ON simulations(status);`,
		`CREATE INDEX IF NOT EXISTS idx_simulations_user_created ON simulations(user_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Create implements jobstore.Store.
func (s *Store) Create(ctx context.Context, job *simulation.Job) error {
	if err := jobstore.PrepareCreate(job, s.now()); err != nil {
		return err
	}
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO simulations (user_id, simulation_id, status, created_at, version, record)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, simulation_id) DO NOTHING`,
		job.UserID, job.SimulationID, string(job.Status), job.CreatedAt.Format(time.RFC3339Nano), job.Version, string(doc))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", jobstore.ErrAlreadyExists, job.Key())
	}
	return nil
}

// Get implements jobstore.Store.
func (s *Store) Get(ctx context.Context, key simulation.Key) (*simulation.Job, error) {
	return getRecord(ctx, s.db, key)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, key simulation.Key) (*simulation.Job, error) {
	var doc string
	err := q.QueryRowContext(ctx,
		`SELECT record FROM simulations WHERE user_id = ? AND simulation_id = ?`,
		key.UserID, key.SimulationID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", jobstore.ErrNotFound, key)
		}
		return nil, fmt.Errorf("select record: %w", err)
	}
	return decode(doc)
}

func decode(doc string) (*simulation.Job, error) {
	var job simulation.Job
	if err := json.Unmarshal([]byte(doc), &job); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	return &job, nil
}

// Update implements jobstore.Store.
func (s *Store) Update(ctx context.Context, key simulation.Key, patch jobstore.Patch) (*simulation.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getRecord(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	prev := job.Version
	if err := patch.Apply(job, s.now()); err != nil {
		return job, err
	}
	doc, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE simulations SET status = ?, version = ?, record = ?
			WHERE user_id = ? AND simulation_id = ? AND version = ?`,
		string(job.Status), job.Version, string(doc), key.UserID, key.SimulationID, prev)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, fmt.Errorf("%w: %s", jobstore.ErrConflict, key)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return job, nil
}

// Query implements jobstore.Store.
func (s *Store) Query(ctx context.Context, userID string, filter jobstore.Filter) ([]*simulation.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM simulations WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	out, err := scanRows(rows, filter)
	if err != nil {
		return nil, err
	}
	return filter.Finish(out), nil
}

// ScanActive implements jobstore.ActiveScanner.
func (s *Store) ScanActive(ctx context.Context) ([]*simulation.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM simulations WHERE status NOT IN (?, ?, ?) ORDER BY created_at DESC`,
		string(simulation.StatusCompleted), string(simulation.StatusFailed), string(simulation.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("scan active records: %w", err)
	}
	return scanRows(rows, jobstore.Filter{ActiveOnly: true})
}

func scanRows(rows *sql.Rows, filter jobstore.Filter) ([]*simulation.Job, error) {
	defer func() { _ = rows.Close() }()
	var out []*simulation.Job
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		job, err := decode(doc)
		if err != nil {
			return nil, err
		}
		if filter.Match(job) {
			out = append(out, job)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Close implements jobstore.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

var (
	_ jobstore.Store         = (*Store)(nil)
	_ jobstore.ActiveScanner = (*Store)(nil)
)
