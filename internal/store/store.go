// Package store is the SQLite index of persisted snapshots.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/LucaChen/stream-client/pkg/types"
)

// ErrNotFound is returned when no snapshot matches.
var ErrNotFound = errors.New("store: snapshot not found")

// DB wraps the snapshot database.
type DB struct {
	*sql.DB
}

// Snapshot is one indexed snapshot file.
type Snapshot struct {
	ID         string            `json:"id"`
	Filename   string            `json:"filename"`
	CapturedAt time.Time         `json:"captured_at"`
	Box        types.BoundingBox `json:"box"`
	SizeBytes  int64             `json:"size_bytes"`
	ReportedAt *time.Time        `json:"reported_at,omitempty"`
	Detections []types.Detection `json:"detections"`
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Open opens (creating if needed) the database at path and applies migrations.
// ":memory:" opens a private in-memory database.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create %s: %w", dir, err)
			}
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection keeps in-memory databases alive and serialises writers.
	sqlDB.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

const snapshotColumns = `id, filename, captured_at, box_x, box_y, box_w, box_h, size_bytes, reported_at, detections`

// InsertSnapshot indexes a snapshot.
func (db *DB) InsertSnapshot(ctx context.Context, s Snapshot) error {
	detections, err := json.Marshal(nonNil(s.Detections))
	if err != nil {
		return fmt.Errorf("store: encode detections: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Filename, s.CapturedAt.UnixNano(),
		s.Box.X, s.Box.Y, s.Box.W, s.Box.H,
		s.SizeBytes, nullableTime(s.ReportedAt), string(detections),
	)
	if err != nil {
		return fmt.Errorf("store: insert %s: %w", s.Filename, err)
	}
	return nil
}

// RecentSnapshots returns up to limit snapshots, newest first.
func (db *DB) RecentSnapshots(ctx context.Context, limit int) ([]Snapshot, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots ORDER BY captured_at DESC, filename DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query recent: %w", err)
	}
	return scanSnapshots(rows)
}

// GetSnapshot looks a snapshot up by file name.
func (db *DB) GetSnapshot(ctx context.Context, filename string) (Snapshot, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE filename = ?`, filename)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: query %s: %w", filename, err)
	}
	snaps, err := scanSnapshots(rows)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return snaps[0], nil
}

// CountSnapshots returns the number of indexed snapshots.
func (db *DB) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// SnapshotsBeyond returns the snapshots older than the newest keep, oldest first.
func (db *DB) SnapshotsBeyond(ctx context.Context, keep int) ([]Snapshot, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots ORDER BY captured_at DESC, filename DESC LIMIT -1 OFFSET ?`, keep)
	if err != nil {
		return nil, fmt.Errorf("store: query retention: %w", err)
	}
	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}
	return snaps, nil
}

// DeleteSnapshot removes a snapshot row.
func (db *DB) DeleteSnapshot(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkReported records upstream delivery and the detections that went with it.
func (db *DB) MarkReported(ctx context.Context, id string, at time.Time, detections []types.Detection) error {
	data, err := json.Marshal(nonNil(detections))
	if err != nil {
		return fmt.Errorf("store: encode detections: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE snapshots SET reported_at = ?, detections = ? WHERE id = ?`,
		at.UnixNano(), string(data), id)
	if err != nil {
		return fmt.Errorf("store: mark reported %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			s          Snapshot
			capturedAt int64
			reportedAt sql.NullInt64
			detections string
		)
		if err := rows.Scan(&s.ID, &s.Filename, &capturedAt,
			&s.Box.X, &s.Box.Y, &s.Box.W, &s.Box.H,
			&s.SizeBytes, &reportedAt, &detections); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		s.CapturedAt = time.Unix(0, capturedAt)
		if reportedAt.Valid {
			t := time.Unix(0, reportedAt.Int64)
			s.ReportedAt = &t
		}
		if err := json.Unmarshal([]byte(detections), &s.Detections); err != nil {
			return nil, fmt.Errorf("store: decode detections for %s: %w", s.Filename, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}
	return out, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nonNil(d []types.Detection) []types.Detection {
	if d == nil {
		return []types.Detection{}
	}
	return d
}
