// Package snapshot persists motion snapshots as JPEG files, indexes them in the
// store and enforces the retention limit.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/internal/store"
	"github.com/LucaChen/stream-client/pkg/types"
)

// NameLayout is the time layout of snapshot file names (YYYY-MM-DD_HH_MM_SS.jpg).
const NameLayout = "2006-01-02_15_04_05.jpg"

const indexTimeout = 5 * time.Second

// ErrInvalidName is returned for names that are not snapshot files.
var ErrInvalidName = errors.New("snapshot: invalid name")

// Config configures a Store.
type Config struct {
	Dir          string
	MaxSnapshots int // 0 keeps everything
}

// Store writes snapshots into a directory. The index is optional.
type Store struct {
	dir     string
	max     int
	db      *store.DB
	metrics *metrics.Metrics
}

// New creates the capture directory if needed.
func New(cfg Config, db *store.DB, m *metrics.Metrics) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("snapshot: capture directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create %s: %w", cfg.Dir, err)
	}
	return &Store{dir: cfg.Dir, max: cfg.MaxSnapshots, db: db, metrics: m}, nil
}

// Dir returns the capture directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the whole frame as <timestamp>.jpg and returns the file name.
// Index and retention failures are logged; only the file write can fail Save.
func (s *Store) Save(frame *types.Frame, at time.Time, box image.Rectangle) (string, error) {
	data, err := frame.JPEG()
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}

	name := at.Format(NameLayout)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("snapshot: write %s: %w", name, err)
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		defer cancel()

		err := s.db.InsertSnapshot(ctx, store.Snapshot{
			ID:         uuid.NewString(),
			Filename:   name,
			CapturedAt: at,
			Box:        types.BoxFromRect(box),
			SizeBytes:  int64(len(data)),
		})
		if err != nil {
			logger.Warn("Snapshot", "Index %s: %v", name, err)
		} else if err := s.prune(ctx); err != nil {
			logger.Warn("Snapshot", "Retention: %v", err)
		}
	}
	return name, nil
}

// prune deletes the oldest snapshots beyond the retention limit.
func (s *Store) prune(ctx context.Context) error {
	if s.max <= 0 {
		return nil
	}
	old, err := s.db.SnapshotsBeyond(ctx, s.max)
	if err != nil {
		return err
	}

	var errs []error
	for _, snap := range old {
		if err := os.Remove(filepath.Join(s.dir, snap.Filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		if err := s.db.DeleteSnapshot(ctx, snap.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Debug("Snapshot", "Pruned %s", snap.Filename)
		if s.metrics != nil {
			s.metrics.SnapshotsPruned.Add(1)
		}
	}
	return errors.Join(errs...)
}

// Path resolves a snapshot name to its file path.
func (s *Store) Path(name string) (string, error) {
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".jpg") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, err := time.Parse(NameLayout, name); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name), nil
}

// Load reads a snapshot file.
func (s *Store) Load(name string) ([]byte, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Lookup returns the index row for a snapshot.
func (s *Store) Lookup(ctx context.Context, name string) (store.Snapshot, error) {
	if s.db == nil {
		return store.Snapshot{}, store.ErrNotFound
	}
	return s.db.GetSnapshot(ctx, name)
}

// MarkReported records upstream delivery of a snapshot in the index.
func (s *Store) MarkReported(ctx context.Context, id string, at time.Time, detections []types.Detection) error {
	if s.db == nil || id == "" {
		return nil
	}
	return s.db.MarkReported(ctx, id, at, detections)
}

// Recent lists up to limit snapshots, newest first. Without an index the capture
// directory is listed instead.
func (s *Store) Recent(ctx context.Context, limit int) ([]store.Snapshot, error) {
	if s.db != nil {
		return s.db.RecentSnapshots(ctx, limit)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list %s: %w", s.dir, err)
	}
	var out []store.Snapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		at, err := time.ParseInLocation(NameLayout, e.Name(), time.Local)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, store.Snapshot{Filename: e.Name(), CapturedAt: at, SizeBytes: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename > out[j].Filename })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
