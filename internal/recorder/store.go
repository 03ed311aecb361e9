// Package recorder persists a summary row for every canonical snapshot in a
// sqlite database.
package recorder

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/drivepipe/internal/actuator"
	"github.com/banshee-data/drivepipe/internal/snapshot"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the recording database.
type Store struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps VACUUM INTO and the writer from contending.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MigrateUp runs all pending migrations.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version and dirty flag; 0 when nothing
// was applied yet.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { logs.Diagf("[migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

// StartRun registers a new recording session and returns its id.
func (s *Store) StartRun(startedAt time.Time, configJSON string) (string, error) {
	id := uuid.NewString()
	_, err := s.Exec(`INSERT INTO runs (run_id, started_at, config) VALUES (?, ?, ?)`, id, startedAt.UTC(), configJSON)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the end of a session.
func (s *Store) FinishRun(runID string, at time.Time) error {
	_, err := s.Exec(`UPDATE runs SET finished_at = ? WHERE run_id = ?`, at.UTC(), runID)
	return err
}

// Row is one recorded canonical snapshot.
type Row struct {
	Seq           int
	FrameVersion  uint64
	Source        string
	Directive     string
	Signs         int
	Lights        int
	Pedestrians   int
	StopLines     int
	HeadingError  *float64
	LateralOffset *float64
	LastMerged    map[string]uint64
	CreatedAt     time.Time
}

// RowFrom summarises a canonical snapshot.
func RowFrom(seq int, s *snapshot.Snapshot, directive string) Row {
	return Row{
		Seq:           seq,
		FrameVersion:  s.FrameVersion,
		Source:        s.Source,
		Directive:     directive,
		Signs:         s.TrafficSigns.Len(),
		Lights:        s.TrafficLights.Len(),
		Pedestrians:   s.Pedestrians.Len(),
		StopLines:     s.StopLines.Len(),
		HeadingError:  s.HeadingError,
		LateralOffset: s.LateralOffset,
		LastMerged:    s.LastMerged,
		CreatedAt:     s.CreatedAt,
	}
}

// InsertSnapshot stores r under runID.
func (s *Store) InsertSnapshot(runID string, r Row) error {
	merged, err := json.Marshal(r.LastMerged)
	if err != nil {
		return err
	}
	_, err = s.Exec(`INSERT INTO snapshots (
			run_id, seq, frame_version, source, directive, signs, lights,
			pedestrians, stop_lines, heading_error, lateral_offset, last_merged, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Seq, int64(r.FrameVersion), r.Source, r.Directive, r.Signs, r.Lights,
		r.Pedestrians, r.StopLines, nullFloat(r.HeadingError), nullFloat(r.LateralOffset), string(merged), r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %d: %w", r.FrameVersion, err)
	}
	return nil
}

// InsertCommand stores a control command under runID.
func (s *Store) InsertCommand(runID string, c actuator.Command) error {
	_, err := s.Exec(`INSERT INTO commands (run_id, frame_version, directive, pause_ms, steering, issued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, int64(c.FrameVersion), c.Directive, c.PauseFor.Milliseconds(), c.Steering, c.IssuedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert command %d: %w", c.FrameVersion, err)
	}
	return nil
}

// Snapshots returns the rows of runID in recording order.
func (s *Store) Snapshots(runID string) ([]Row, error) {
	rows, err := s.Query(`SELECT seq, frame_version, source, directive, signs, lights, pedestrians,
			stop_lines, heading_error, lateral_offset, last_merged, created_at
		FROM snapshots WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r                 Row
			version           int64
			heading, lateral  sql.NullFloat64
			merged, directive sql.NullString
			source            sql.NullString
		)
		if err := rows.Scan(&r.Seq, &version, &source, &directive, &r.Signs, &r.Lights, &r.Pedestrians,
			&r.StopLines, &heading, &lateral, &merged, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.FrameVersion = uint64(version)
		r.Source = source.String
		r.Directive = directive.String
		if heading.Valid {
			r.HeadingError = snapshot.Float(heading.Float64)
		}
		if lateral.Valid {
			r.LateralOffset = snapshot.Float(lateral.Float64)
		}
		if merged.Valid && merged.String != "" {
			if err := json.Unmarshal([]byte(merged.String), &r.LastMerged); err != nil {
				return nil, fmt.Errorf("decode last_merged: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CommandCount returns how many commands were stored for runID.
func (s *Store) CommandCount(runID string) (int, error) {
	var n int
	err := s.QueryRow(`SELECT COUNT(*) FROM commands WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
