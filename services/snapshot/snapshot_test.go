package snapshot

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"moodlegate/lib/scrapers/moodle/extract"
	"moodlegate/lib/scrapers/moodle/session"
	"moodlegate/lib/telemetry"

	"github.com/stretchr/testify/require"
)

// fakeSite is a tiny authenticated Moodle whose course content can be
// grown between runs.
type fakeSite struct {
	mu          sync.Mutex
	extraUpload bool
}

func (f *fakeSite) addUpload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extraUpload = true
}

func (f *fakeSite) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/my/index.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<div class="dashboard-card">
				<a href="/course/view.php?id=7"><span class="coursename">Chemistry</span></a>
			</div>
		</body></html>`)
	})

	mux.HandleFunc("/course/view.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><ul>
			<li class="activity resource modtype_resource">
				<div class="activityinstance">
					<a href="/mod/resource/view.php?id=70"><span class="instancename">Lab Safety</span></a>
				</div>
			</li>
			<li class="activity folder modtype_folder">
				<div class="activityinstance">
					<a href="/mod/folder/view.php?id=71"><span class="instancename">Worksheets</span></a>
				</div>
			</li>
		</ul></body></html>`)
	})

	mux.HandleFunc("/mod/folder/view.php", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		extra := f.extraUpload
		f.mu.Unlock()
		fmt.Fprint(w, `<html><body><div role="main">
			<span class="fp-filename-icon">
				<a href="/pluginfile.php/7/mod_folder/content/ws1.pdf"><span class="fp-filename">ws1.pdf</span></a>
			</span>`)
		if extra {
			fmt.Fprint(w, `
			<span class="fp-filename-icon">
				<a href="/pluginfile.php/7/mod_folder/content/ws2.pdf"><span class="fp-filename">ws2.pdf</span></a>
			</span>`)
		}
		fmt.Fprint(w, `</div></body></html>`)
	})

	return mux
}

func newTestScraper(t *testing.T, serverUrl string) *Scraper {
	t.Helper()
	t.Cleanup(telemetry.SetupForTesting(t, "test:services/snapshot"))

	client, err := session.NewClient(context.Background(), session.ClientOptions{
		GatewayUrl: serverUrl,
		Upstream:   serverUrl,
	})
	require.NoError(t, err)

	store, err := OpenStore(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &Scraper{Client: client, Store: store}
}

func TestRunRecordsCourseTree(t *testing.T) {
	site := &fakeSite{}
	server := httptest.NewServer(site.handler())
	defer server.Close()

	scraper := newTestScraper(t, server.URL)
	ctx := context.Background()

	runId, err := scraper.Run(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, runId)

	records, err := scraper.Store.Materials(ctx, runId)
	require.NoError(t, err)
	require.Len(t, records, 3)

	byName := map[string]Record{}
	for _, rec := range records {
		byName[rec.Name] = rec
	}
	require.Equal(t, "Chemistry", byName["Lab Safety"].CourseName)
	require.Equal(t, "", byName["Worksheets"].FolderPath)
	require.Equal(t, extract.TypeFolder, byName["Worksheets"].Type)
	require.Equal(t, "Worksheets", byName["ws1.pdf"].FolderPath)
	require.Equal(t, extract.TypeFile, byName["ws1.pdf"].Type)
}

func TestNewSinceFindsFreshUploads(t *testing.T) {
	site := &fakeSite{}
	server := httptest.NewServer(site.handler())
	defer server.Close()

	scraper := newTestScraper(t, server.URL)
	ctx := context.Background()

	first, err := scraper.Run(ctx)
	require.NoError(t, err)

	site.addUpload()
	second, err := scraper.Run(ctx)
	require.NoError(t, err)

	fresh, err := scraper.Store.NewSince(ctx, second, first)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Equal(t, "ws2.pdf", fresh[0].Name)
	require.Equal(t, "Worksheets", fresh[0].FolderPath)

	// nothing changed the other way around
	stale, err := scraper.Store.NewSince(ctx, first, second)
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestLatestRunsNewestFirst(t *testing.T) {
	site := &fakeSite{}
	server := httptest.NewServer(site.handler())
	defer server.Close()

	scraper := newTestScraper(t, server.URL)
	ctx := context.Background()

	first, err := scraper.Run(ctx)
	require.NoError(t, err)
	second, err := scraper.Run(ctx)
	require.NoError(t, err)

	runs, err := scraper.Store.LatestRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, second, runs[0].Id)
	require.Equal(t, first, runs[1].Id)
}
