// Package snapshot walks everything the scraper can see, dashboard,
// courses, materials, folder contents, and records the result as an
// immutable run in sqlite. Comparing two runs is how new material
// notifications get computed.
package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"moodlegate/lib/scrapers/moodle/extract"
	"moodlegate/lib/sqliteutil"
)

//go:embed db/schema.sql
var schema string

type Run struct {
	Id         string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Record is one material as seen during a run. FolderPath is the
// slash joined chain of folder names leading to it, empty for
// materials sitting directly on the course page.
type Record struct {
	CourseId   string
	CourseName string
	FolderPath string
	Name       string
	Url        string
	Type       extract.MaterialType
}

type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sqliteutil.OpenDB(schema, path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) beginRun(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (id, started_at) VALUES (?, ?)`,
		id, startedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) finishRun(ctx context.Context, id string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET finished_at = ? WHERE id = ?`,
		finishedAt.UTC().Format(time.RFC3339Nano), id,
	)
	return err
}

func (s *Store) insertCourse(ctx context.Context, runId string, course extract.Course) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO courses (run_id, id, name, url) VALUES (?, ?, ?, ?)`,
		runId, course.Id, course.Name, course.Url,
	)
	return err
}

func (s *Store) insertMaterial(ctx context.Context, runId string, rec Record) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO materials (run_id, course_id, folder_path, name, url, type)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runId, rec.CourseId, rec.FolderPath, rec.Name, rec.Url, string(rec.Type),
	)
	return err
}

// LatestRuns returns finished runs, newest first.
func (s *Store) LatestRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, started_at, finished_at FROM runs
		 WHERE finished_at IS NOT NULL
		 ORDER BY rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var started, finished string
		if err := rows.Scan(&run.Id, &started, &finished); err != nil {
			return nil, err
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Materials returns everything recorded for a run, joined with the
// course names from the same run.
func (s *Store) Materials(ctx context.Context, runId string) ([]Record, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT m.course_id, c.name, m.folder_path, m.name, m.url, m.type
		 FROM materials m
		 JOIN courses c ON c.run_id = m.run_id AND c.id = m.course_id
		 WHERE m.run_id = ?
		 ORDER BY c.name, m.folder_path, m.name`,
		runId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var kind string
		err := rows.Scan(&rec.CourseId, &rec.CourseName, &rec.FolderPath, &rec.Name, &rec.Url, &kind)
		if err != nil {
			return nil, err
		}
		rec.Type = extract.MaterialType(kind)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// NewSince returns the records of run latest that have no counterpart
// in run previous. Identity is course + folder path + URL, so a
// renamed file counts as unchanged while a genuinely new upload shows
// up.
func (s *Store) NewSince(ctx context.Context, latest, previous string) ([]Record, error) {
	latestRecords, err := s.Materials(ctx, latest)
	if err != nil {
		return nil, err
	}
	previousRecords, err := s.Materials(ctx, previous)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(previousRecords))
	for _, rec := range previousRecords {
		seen[rec.CourseId+"\x00"+rec.FolderPath+"\x00"+rec.Url] = true
	}

	var fresh []Record
	for _, rec := range latestRecords {
		if !seen[rec.CourseId+"\x00"+rec.FolderPath+"\x00"+rec.Url] {
			fresh = append(fresh, rec)
		}
	}
	return fresh, nil
}
