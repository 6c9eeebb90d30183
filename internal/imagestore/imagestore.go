// Package imagestore keeps a catalogue of downloaded and customized disk
// images in SQLite.
package imagestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/cvmtools/internal/paths"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("image not found in catalogue")

type Record struct {
	Path         string    `json:"path"`
	Source       string    `json:"source"`
	Identifier   string    `json:"identifier"`
	Suite        string    `json:"suite,omitempty"`
	Format       string    `json:"format,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	FetchedAt    time.Time `json:"fetched_at"`
	CustomizedAt time.Time `json:"customized_at"`
}

func (r Record) Customized() bool {
	return !r.CustomizedAt.IsZero()
}

type Options struct {
	MetadataDBPath string
	Now            func() time.Time
}

type Store struct {
	metadataDBPath string
	now            func() time.Time

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	metadataDBPath := strings.TrimSpace(opts.MetadataDBPath)
	if metadataDBPath == "" {
		var err error
		metadataDBPath, err = paths.ImageMetadataDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve image metadata database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(metadataDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create image metadata directory for %q: %w", metadataDBPath, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{metadataDBPath: metadataDBPath, now: now}
	if err := s.initDB(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.metadataDBPath)
	if err != nil {
		return nil, fmt.Errorf("open image metadata database %q: %w", s.metadataDBPath, err)
	}
	return db, nil
}

func (s *Store) initDB(ctx context.Context) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS images (
			path TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			identifier TEXT NOT NULL,
			suite TEXT NOT NULL,
			format TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			fetched_at_unix INTEGER NOT NULL,
			customized_at_unix INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("initialise image metadata schema: %w", err)
	}
	return nil
}

func normalizePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("image path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve image path %q: %w", path, err)
	}
	return abs, nil
}

// RecordFetch stores a freshly downloaded image. A previous record for the
// same path is replaced and loses its customization mark.
func (s *Store) RecordFetch(ctx context.Context, rec Record) (Record, error) {
	path, err := normalizePath(rec.Path)
	if err != nil {
		return Record{}, err
	}
	rec.Path = path
	if info, err := os.Stat(path); err == nil {
		rec.SizeBytes = info.Size()
	} else {
		return Record{}, fmt.Errorf("stat image %q: %w", path, err)
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = s.now().UTC()
	}
	rec.CustomizedAt = time.Time{}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.upsert(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// MarkCustomized records that path went through the customize pipeline.
// Images the catalogue has not seen are added with source "local".
func (s *Store) MarkCustomized(ctx context.Context, path, format string) (Record, error) {
	path, err := normalizePath(path)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found, err := s.get(ctx, path)
	if err != nil {
		return Record{}, err
	}
	if !found {
		rec = Record{Path: path, Source: "local", Identifier: path, FetchedAt: s.now().UTC()}
	}
	if info, err := os.Stat(path); err == nil {
		rec.SizeBytes = info.Size()
	}
	if format != "" {
		rec.Format = format
	}
	rec.CustomizedAt = s.now().UTC()
	if err := s.upsert(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, path string) (Record, bool, error) {
	path, err := normalizePath(path)
	if err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, path)
}

func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM images
		ORDER BY fetched_at_unix DESC, path ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query image catalogue: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image catalogue: %w", err)
	}
	return items, nil
}

// Remove drops the record for path and, when deleteFile is set, the image
// file itself.
func (s *Store) Remove(ctx context.Context, path string, deleteFile bool) (Record, error) {
	path, err := normalizePath(path)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found, err := s.get(ctx, path)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if deleteFile {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("remove image %q: %w", path, err)
		}
	}

	db, err := s.open()
	if err != nil {
		return Record{}, err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `DELETE FROM images WHERE path = ?`, path); err != nil {
		return Record{}, fmt.Errorf("delete image record %q: %w", path, err)
	}
	return rec, nil
}

const recordColumns = `path, source, identifier, suite, format, size_bytes, fetched_at_unix, customized_at_unix`

func (s *Store) get(ctx context.Context, path string) (Record, bool, error) {
	db, err := s.open()
	if err != nil {
		return Record{}, false, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM images WHERE path = ?`, path)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("query image record %q: %w", path, err)
	}
	return rec, true, nil
}

func (s *Store) upsert(ctx context.Context, rec Record) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	var customizedAt int64
	if !rec.CustomizedAt.IsZero() {
		customizedAt = rec.CustomizedAt.Unix()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO images (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			source = excluded.source,
			identifier = excluded.identifier,
			suite = excluded.suite,
			format = excluded.format,
			size_bytes = excluded.size_bytes,
			fetched_at_unix = excluded.fetched_at_unix,
			customized_at_unix = excluded.customized_at_unix
	`,
		rec.Path,
		rec.Source,
		rec.Identifier,
		rec.Suite,
		rec.Format,
		rec.SizeBytes,
		rec.FetchedAt.Unix(),
		customizedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert image record %q: %w", rec.Path, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec              Record
		fetchedAtUnix    int64
		customizedAtUnix int64
	)
	if err := s.Scan(
		&rec.Path,
		&rec.Source,
		&rec.Identifier,
		&rec.Suite,
		&rec.Format,
		&rec.SizeBytes,
		&fetchedAtUnix,
		&customizedAtUnix,
	); err != nil {
		return Record{}, err
	}
	rec.FetchedAt = time.Unix(fetchedAtUnix, 0).UTC()
	if customizedAtUnix > 0 {
		rec.CustomizedAt = time.Unix(customizedAtUnix, 0).UTC()
	}
	return rec, nil
}
