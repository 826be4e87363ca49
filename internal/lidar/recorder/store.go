package recorder

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/sweeplidar/internal/lidar"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoSnapshot is returned when a run has no recorded snapshot.
var ErrNoSnapshot = errors.New("no snapshot recorded")

// Store persists scan runs and their snapshots in sqlite.
type Store struct {
	db   *sql.DB
	path string
}

// Run describes one recording session.
type Run struct {
	ID        string
	Protocol  lidar.Protocol
	Port      string
	StartedAt time.Time
	EndedAt   *time.Time
	EndError  string
}

// Record is a stored snapshot without its slots.
type Record struct {
	RunID     string
	Revision  uint64
	UpdatedAt time.Time
	Summary   lidar.Summary
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for read-only tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Closing m would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// BeginRun records the start of a run and returns its id.
func (s *Store) BeginRun(ctx context.Context, protocol lidar.Protocol, port string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_runs (run_id, protocol, port, started_unix_nanos) VALUES (?, ?, ?, ?)`,
		id, string(protocol), port, at.UnixNano())
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// EndRun marks a run finished, with the error that ended it if any.
func (s *Store) EndRun(ctx context.Context, runID string, at time.Time, runErr error) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_runs SET ended_unix_nanos = ?, end_error = ? WHERE run_id = ?`,
		at.UnixNano(), msg, runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run: unknown run %s", runID)
	}
	return nil
}

// Runs lists runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, protocol, port, started_unix_nanos, ended_unix_nanos, end_error
		FROM scan_runs ORDER BY started_unix_nanos DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			protocol string
			started  int64
			ended    sql.NullInt64
			endErr   sql.NullString
		)
		if err := rows.Scan(&r.ID, &protocol, &r.Port, &started, &ended, &endErr); err != nil {
			return nil, err
		}
		r.Protocol = lidar.Protocol(protocol)
		r.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			r.EndedAt = &t
		}
		r.EndError = endErr.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Insert stores snap under runID. Storing a revision twice is an error.
func (s *Store) Insert(ctx context.Context, runID string, snap lidar.Snapshot) error {
	slots, err := json.Marshal(snap.Slots)
	if err != nil {
		return fmt.Errorf("encode slots: %w", err)
	}
	sum := lidar.Summarize(snap)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_snapshots (
			run_id, revision, updated_unix_nanos, slot_count, valid_count, coverage,
			mean_distance, stddev_distance, min_distance, max_distance, mean_intensity, slots_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, int64(snap.Revision), snap.UpdatedAt.UnixNano(), sum.Slots, sum.Valid, sum.Coverage,
		sum.MeanDistance, sum.StdDevDistance, sum.MinDistance, sum.MaxDistance, sum.MeanIntensity,
		string(slots))
	if err != nil {
		return fmt.Errorf("insert snapshot %d: %w", snap.Revision, err)
	}
	return nil
}

// Latest returns the highest revision stored for runID.
func (s *Store) Latest(ctx context.Context, runID string) (lidar.Snapshot, error) {
	var (
		protocol string
		rev      int64
		updated  int64
		slots    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT r.protocol, s.revision, s.updated_unix_nanos, s.slots_json
		FROM scan_snapshots s JOIN scan_runs r ON r.run_id = s.run_id
		WHERE s.run_id = ?
		ORDER BY s.revision DESC LIMIT 1`, runID).Scan(&protocol, &rev, &updated, &slots)
	if errors.Is(err, sql.ErrNoRows) {
		return lidar.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return lidar.Snapshot{}, err
	}

	snap := lidar.Snapshot{
		Protocol:  lidar.Protocol(protocol),
		Revision:  uint64(rev),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}
	if err := json.Unmarshal([]byte(slots), &snap.Slots); err != nil {
		return lidar.Snapshot{}, fmt.Errorf("decode slots: %w", err)
	}
	return snap, nil
}

// List returns up to limit summaries for runID, newest first.
func (s *Store) List(ctx context.Context, runID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.protocol, s.revision, s.updated_unix_nanos, s.slot_count, s.valid_count, s.coverage,
			s.mean_distance, s.stddev_distance, s.min_distance, s.max_distance, s.mean_intensity
		FROM scan_snapshots s JOIN scan_runs r ON r.run_id = s.run_id
		WHERE s.run_id = ?
		ORDER BY s.revision DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			protocol string
			rev      int64
			updated  int64
			sum      = &rec.Summary
		)
		if err := rows.Scan(&protocol, &rev, &updated, &sum.Slots, &sum.Valid, &sum.Coverage,
			&sum.MeanDistance, &sum.StdDevDistance, &sum.MinDistance, &sum.MaxDistance, &sum.MeanIntensity); err != nil {
			return nil, err
		}
		rec.RunID = runID
		rec.Revision = uint64(rev)
		rec.UpdatedAt = time.Unix(0, updated).UTC()
		sum.Protocol = lidar.Protocol(protocol)
		sum.Revision = rec.Revision
		out = append(out, rec)
	}
	return out, rows.Err()
}
