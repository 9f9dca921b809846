package snapshot

import (
	"context"
	"log/slog"
	"time"

	"moodlegate/lib/scrapers/moodle/extract"
	"moodlegate/lib/scrapers/moodle/session"

	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/snapshot")

// defaultMaxDepth bounds folder recursion. Real courses rarely nest
// past two levels and a folder linking back to itself must not hang
// the run.
const defaultMaxDepth = 3

type Scraper struct {
	Client *session.Client
	Store  *Store
	// MaxDepth overrides the folder recursion limit when positive.
	MaxDepth int
}

func (s *Scraper) depth() int {
	if s.MaxDepth > 0 {
		return s.MaxDepth
	}
	return defaultMaxDepth
}

// Run walks the whole visible course tree and records it as a new
// run. Individual course or folder failures are logged and skipped,
// one broken page must not abort the snapshot.
func (s *Scraper) Run(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "scraper:Run")
	defer span.End()

	runId, err := random.String(8)
	if err != nil {
		return "", err
	}

	doc, err := s.Client.Check(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session check failed")
		return "", err
	}
	courses := extract.Courses(doc, s.Client.Rewriter)

	if err := s.Store.beginRun(ctx, runId, time.Now()); err != nil {
		return "", err
	}
	slog.Info("snapshot run started", "run_id", runId, "courses", len(courses))

	for _, course := range courses {
		if err := s.Store.insertCourse(ctx, runId, course); err != nil {
			return "", err
		}
		if err := s.scrapeCourse(ctx, runId, course); err != nil {
			slog.Warn("skipping course", "course", course.Name, "err", err)
		}
	}

	if err := s.Store.finishRun(ctx, runId, time.Now()); err != nil {
		return "", err
	}
	slog.Info("snapshot run finished", "run_id", runId)
	return runId, nil
}

func (s *Scraper) scrapeCourse(ctx context.Context, runId string, course extract.Course) error {
	ctx, span := tracer.Start(ctx, "scraper:scrapeCourse")
	defer span.End()

	doc, err := s.Client.FetchDocument(ctx, course.Url)
	if err != nil {
		return err
	}
	materials := extract.Materials(doc, s.Client.Rewriter)
	return s.record(ctx, runId, course, "", materials, s.depth())
}

func (s *Scraper) record(
	ctx context.Context,
	runId string,
	course extract.Course,
	folderPath string,
	materials []extract.Material,
	remainingDepth int,
) error {
	for _, material := range materials {
		rec := Record{
			CourseId:   course.Id,
			FolderPath: folderPath,
			Name:       material.Name,
			Url:        material.Url,
			Type:       material.Type,
		}
		if err := s.Store.insertMaterial(ctx, runId, rec); err != nil {
			return err
		}

		if material.Type != extract.TypeFolder || remainingDepth <= 0 {
			continue
		}
		doc, err := s.Client.FetchDocument(ctx, material.Url)
		if err != nil {
			slog.Warn("skipping folder", "folder", material.Name, "err", err)
			continue
		}
		contents := extract.FolderContents(doc, s.Client.Rewriter)
		childPath := material.Name
		if folderPath != "" {
			childPath = folderPath + "/" + material.Name
		}
		if err := s.record(ctx, runId, course, childPath, contents, remainingDepth-1); err != nil {
			return err
		}
	}
	return nil
}
