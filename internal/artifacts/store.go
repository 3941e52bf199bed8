// Package artifacts manages rendered videos: opaque ids, a sqlite index,
// and age-based eviction. Callers only ever see URLs, never paths inside
// the managed directory.
package artifacts

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mathmotion/internal/config"
	"mathmotion/internal/logging"
)

// ErrNotFound is returned when an artifact id does not resolve.
var ErrNotFound = errors.New("artifact not found")

// Artifact describes a stored video.
type Artifact struct {
	ID        string
	URL       string
	Size      int64
	CreatedAt time.Time
}

// Store owns the artifact directory and its index.
type Store struct {
	dir     string
	baseURL string
	db      *sql.DB

	// Serializes sweeps; concurrent sweeps are safe but wasteful.
	sweepMu sync.Mutex
}

// Open creates the managed directory and index if needed.
func Open(cfg config.ArtifactsConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("artifact directory not configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Dir, "artifacts.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact index: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS artifacts (
		id         TEXT PRIMARY KEY,
		filename   TEXT NOT NULL,
		size       INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create artifact schema: %w", err)
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "/videos"
	}

	return &Store{dir: cfg.Dir, baseURL: baseURL, db: db}, nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put moves a video into the managed directory under a fresh opaque id.
// The source file is consumed.
func (s *Store) Put(srcPath string) (*Artifact, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, fmt.Errorf("artifact source missing: %w", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("artifact source %s is empty", srcPath)
	}

	id := uuid.New().String()
	ext := filepath.Ext(srcPath)
	if ext == "" {
		ext = ".mp4"
	}
	filename := id + ext
	dest := filepath.Join(s.dir, filename)

	if err := moveFile(srcPath, dest); err != nil {
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}

	createdAt := time.Now()
	_, err = s.db.Exec(
		"INSERT INTO artifacts (id, filename, size, created_at) VALUES (?, ?, ?, ?)",
		id, filename, info.Size(), createdAt.UnixMilli(),
	)
	if err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("failed to index artifact: %w", err)
	}

	logging.Artifacts("stored %s (%d bytes)", id, info.Size())
	return &Artifact{
		ID:        id,
		URL:       s.urlFor(filename),
		Size:      info.Size(),
		CreatedAt: createdAt,
	}, nil
}

// Resolve looks up an artifact by id. An indexed entry whose file has
// vanished is treated as not found and its row is dropped.
func (s *Store) Resolve(id string) (*Artifact, error) {
	var filename string
	var size, createdMilli int64
	err := s.db.QueryRow(
		"SELECT filename, size, created_at FROM artifacts WHERE id = ?", id,
	).Scan(&filename, &size, &createdMilli)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifact lookup failed: %w", err)
	}

	info, err := os.Stat(filepath.Join(s.dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			_, _ = s.db.Exec("DELETE FROM artifacts WHERE id = ?", id)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifact stat failed: %w", err)
	}

	return &Artifact{
		ID:        id,
		URL:       s.urlFor(filename),
		Size:      info.Size(),
		CreatedAt: time.UnixMilli(createdMilli),
	}, nil
}

// FilePath returns the on-disk location of an artifact for serving.
// Only transport code should call this; everything else works with URLs.
func (s *Store) FilePath(id string) (string, error) {
	var filename string
	err := s.db.QueryRow("SELECT filename FROM artifacts WHERE id = ?", id).Scan(&filename)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("artifact lookup failed: %w", err)
	}
	return filepath.Join(s.dir, filename), nil
}

// Sweep deletes artifacts older than maxAge and returns how many were
// removed. Idempotent; a file already gone still clears its index row.
// Files in the directory with no index entry are removed on the same
// schedule.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	rows, err := s.db.Query(
		"SELECT id, filename FROM artifacts WHERE created_at < ?", cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep query failed: %w", err)
	}

	type victim struct{ id, filename string }
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.filename); err != nil {
			rows.Close()
			return deleted, fmt.Errorf("sweep scan failed: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()

	for _, v := range victims {
		if err := os.Remove(filepath.Join(s.dir, v.filename)); err != nil && !os.IsNotExist(err) {
			logging.Get(logging.CategoryArtifacts).Warnf("sweep could not remove %s: %v", v.filename, err)
			continue
		}
		if _, err := s.db.Exec("DELETE FROM artifacts WHERE id = ?", v.id); err != nil {
			return deleted, fmt.Errorf("sweep index delete failed: %w", err)
		}
		deleted++
	}

	orphans, err := s.sweepOrphans(cutoff)
	if err != nil {
		return deleted, err
	}
	deleted += orphans

	logging.Artifacts("sweep removed %d artifacts older than %v", deleted, maxAge)
	return deleted, nil
}

// sweepOrphans removes unindexed files left by crashed requests.
func (s *Store) sweepOrphans(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("sweep readdir failed: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".mp4" && ext != ".mov" {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), ext)
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM artifacts WHERE id = ?", id).Scan(&n); err != nil {
			return removed, fmt.Errorf("sweep orphan lookup failed: %w", err)
		}
		if n > 0 {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Store) urlFor(filename string) string {
	return s.baseURL + "/" + filename
}

// moveFile renames src to dest, falling back to copy-and-delete when the
// paths sit on different filesystems. The copy lands under a temp name and
// is renamed into place so readers never see a partial file.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".incoming-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Remove(src)
}
