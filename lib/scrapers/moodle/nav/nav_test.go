package nav

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
	"moodlegate/lib/statestore"
	"moodlegate/lib/telemetry"

	"github.com/stretchr/testify/require"
)

// fakeCampus serves an always-authenticated slice of Moodle: a
// dashboard with two courses, course pages with materials, one
// healthy folder and one that bounces to the login page.
type fakeCampus struct {
	mu   sync.Mutex
	hits map[string]int
}

func newFakeCampus() *fakeCampus {
	return &fakeCampus{hits: map[string]int{}}
}

func (f *fakeCampus) Hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeCampus) handler() http.Handler {
	mux := http.NewServeMux()
	count := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			f.hits[r.URL.Path+"?"+r.URL.RawQuery]++
			f.mu.Unlock()
			next(w, r)
		}
	}

	mux.HandleFunc("/my/index.php", count(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<div class="dashboard-card">
				<a href="/course/view.php?id=3"><span class="coursename">Algebra I</span></a>
			</div>
			<div class="dashboard-card">
				<a href="/course/view.php?id=4"><span class="coursename">Biology</span></a>
			</div>
		</body></html>`)
	}))

	mux.HandleFunc("/course/view.php", count(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "3":
			fmt.Fprint(w, `<html><body><ul>
				<li class="activity folder modtype_folder">
					<div class="activityinstance">
						<a href="/mod/folder/view.php?id=100"><span class="instancename">Week 1 Files</span></a>
					</div>
				</li>
				<li class="activity resource modtype_resource">
					<div class="activityinstance">
						<a href="/mod/resource/view.php?id=101"><span class="instancename">Syllabus</span></a>
					</div>
				</li>
				<li class="activity folder modtype_folder">
					<div class="activityinstance">
						<a href="/mod/folder/view.php?id=666"><span class="instancename">Broken Folder</span></a>
					</div>
				</li>
			</ul></body></html>`)
		case "4":
			fmt.Fprint(w, `<html><body><ul>
				<li class="activity resource modtype_resource">
					<div class="activityinstance">
						<a href="/mod/resource/view.php?id=201"><span class="instancename">Field Guide</span></a>
					</div>
				</li>
			</ul></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))

	mux.HandleFunc("/mod/folder/view.php", count(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "100":
			fmt.Fprint(w, `<html><body><div role="main">
				<span class="fp-filename-icon">
					<a href="/pluginfile.php/9/mod_folder/content/notes.pdf"><span class="fp-filename">notes.pdf</span></a>
				</span>
				<span class="fp-filename-icon">
					<a href="/pluginfile.php/9/mod_folder/content/slides.pptx"><span class="fp-filename">slides.pptx</span></a>
				</span>
			</div></body></html>`)
		case "666":
			http.Redirect(w, r, "/login/index.php", http.StatusSeeOther)
		default:
			http.NotFound(w, r)
		}
	}))

	mux.HandleFunc("/login/index.php", count(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><form><input name="logintoken" value="t"></form></body></html>`)
	}))

	mux.HandleFunc("/user/files.php", count(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<span class="fp-filename-icon">
				<a href="/pluginfile.php/2/user/private/draft.docx"><span class="fp-filename">draft.docx</span></a>
			</span>
		</body></html>`)
	}))

	return mux
}

func newTestController(t *testing.T, serverUrl string) (*Controller, *statestore.Store) {
	t.Helper()
	t.Cleanup(telemetry.SetupForTesting(t, "test:scrapers/moodle/nav"))

	client, err := session.NewClient(context.Background(), session.ClientOptions{
		GatewayUrl: serverUrl,
		Upstream:   serverUrl,
	})
	require.NoError(t, err)

	store, err := statestore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewController(client, store), store
}

func materialByName(t *testing.T, materials []extract.Material, name string) extract.Material {
	t.Helper()
	for _, m := range materials {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("no material named %q in %v", name, materials)
	return extract.Material{}
}

func TestStartLandsOnDashboard(t *testing.T) {
	server := httptest.NewServer(newFakeCampus().handler())
	defer server.Close()

	ctrl, _ := newTestController(t, server.URL)
	require.NoError(t, ctrl.Start(context.Background()))

	view := ctrl.Snapshot()
	require.Equal(t, PhaseDashboard, view.Phase)
	require.Len(t, view.Courses, 2)
	require.Equal(t, "Algebra I", view.Courses[0].Name)
	require.Equal(t, KindNone, view.ErrKind)
}

func TestStartRestoresLastCourse(t *testing.T) {
	server := httptest.NewServer(newFakeCampus().handler())
	defer server.Close()

	ctrl, store := newTestController(t, server.URL)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, statestore.KeyLastView, "course"))
	require.NoError(t, store.Set(ctx, statestore.KeyLastCourseId, "4"))

	require.NoError(t, ctrl.Start(ctx))

	view := ctrl.Snapshot()
	require.Equal(t, PhaseCourse, view.Phase)
	require.NotNil(t, view.Selected)
	require.Equal(t, "4", view.Selected.Id)
	require.Equal(t, "Field Guide", view.Materials[0].Name)
}

func TestStartIgnoresVanishedCourse(t *testing.T) {
	server := httptest.NewServer(newFakeCampus().handler())
	defer server.Close()

	ctrl, store := newTestController(t, server.URL)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, statestore.KeyLastView, "course"))
	require.NoError(t, store.Set(ctx, statestore.KeyLastCourseId, "99"))

	require.NoError(t, ctrl.Start(ctx))
	require.Equal(t, PhaseDashboard, ctrl.Snapshot().Phase)
}

func TestStartRestoresPrivateFiles(t *testing.T) {
	server := httptest.NewServer(newFakeCampus().handler())
	defer server.Close()

	ctrl, store := newTestController(t, server.URL)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, statestore.KeyLastView, "upload"))

	require.NoError(t, ctrl.Start(ctx))
	view := ctrl.Snapshot()
	require.Equal(t, PhasePrivateFiles, view.Phase)
	require.Equal(t, "draft.docx", view.PrivateFiles[0].Name)
}

func TestDescendAscendRoundTrip(t *testing.T) {
	campus := newFakeCampus()
	server := httptest.NewServer(campus.handler())
	defer server.Close()

	ctrl, _ := newTestController(t, server.URL)
	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx))
	require.NoError(t, ctrl.SelectCourse(ctx, "3"))

	courseView := ctrl.Snapshot()
	require.Len(t, courseView.Materials, 3)
	folder := materialByName(t, courseView.Materials, "Week 1 Files")
	require.Equal(t, extract.TypeFolder, folder.Type)

	require.NoError(t, ctrl.Descend(ctx, folder))
	inside := ctrl.Snapshot()
	require.Equal(t, []string{"Week 1 Files"}, inside.Breadcrumb)
	require.True(t, inside.CanGoBack)
	require.Equal(t, 1, inside.Depth)
	require.Equal(t, "notes.pdf", inside.Materials[0].Name)

	require.True(t, ctrl.Ascend())
	back := ctrl.Snapshot()
	require.Equal(t, 0, back.Depth)
	require.False(t, back.CanGoBack)
	require.Len(t, back.Materials, 3)

	// ascending restores from memory, no second folder fetch
	require.Equal(t, 1, campus.Hits("/mod/folder/view.php?id=100"))
	require.False(t, ctrl.Ascend())
}

func TestDescendRollsBackOnFailure(t *testing.T) {
	server := httptest.NewServer(newFakeCampus().handler())
	defer server.Close()

	ctrl, _ := newTestController(t, server.URL)
	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx))
	require.NoError(t, ctrl.SelectCourse(ctx, "3"))

	broken := materialByName(t, ctrl.Snapshot().Materials, "Broken Folder")
	err := ctrl.Descend(ctx, broken)
	require.Error(t, err)

	view := ctrl.Snapshot()
	require.Equal(t, 0, view.Depth)
	require.Len(t, view.Materials, 3)
	require.Equal(t, KindAuth, view.ErrKind)
}

func TestDescendRejectsPlainFiles(t *testing.T) {
	server := httptest.NewServer(newFakeCampus().handler())
	defer server.Close()

	ctrl, _ := newTestController(t, server.URL)
	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx))
	require.NoError(t, ctrl.SelectCourse(ctx, "3"))

	file := materialByName(t, ctrl.Snapshot().Materials, "Syllabus")
	require.Error(t, ctrl.Descend(ctx, file))
	require.Equal(t, 0, ctrl.Snapshot().Depth)
}

func TestSelectCourseResetsStack(t *testing.T) {
	server := httptest.NewServer(newFakeCampus().handler())
	defer server.Close()

	ctrl, store := newTestController(t, server.URL)
	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx))
	require.NoError(t, ctrl.SelectCourse(ctx, "3"))

	folder := materialByName(t, ctrl.Snapshot().Materials, "Week 1 Files")
	require.NoError(t, ctrl.Descend(ctx, folder))
	require.Equal(t, 1, ctrl.Snapshot().Depth)

	require.NoError(t, ctrl.SelectCourse(ctx, "4"))
	view := ctrl.Snapshot()
	require.Equal(t, 0, view.Depth)
	require.Equal(t, "4", view.Selected.Id)

	lastCourse, ok, err := store.Get(ctx, statestore.KeyLastCourseId)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "4", lastCourse)
}

// stallingCampus serves two courses where selected pages can be held
// back until the test releases them, to interleave slow and fast
// navigations deterministically.
type stallingCampus struct {
	started chan struct{}
	release chan struct{}
}

func newStallingCampus() *stallingCampus {
	return &stallingCampus{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *stallingCampus) stall() {
	s.started <- struct{}{}
	<-s.release
}

func (s *stallingCampus) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/my/index.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<div class="dashboard-card">
				<a href="/course/view.php?id=3"><span class="coursename">Algebra I</span></a>
			</div>
			<div class="dashboard-card">
				<a href="/course/view.php?id=4"><span class="coursename">Biology</span></a>
			</div>
		</body></html>`)
	})

	mux.HandleFunc("/course/view.php", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") == "3" {
			s.stall()
		}
		fmt.Fprint(w, `<html><body><ul>
			<li class="activity folder modtype_folder">
				<div class="activityinstance">
					<a href="/mod/folder/view.php?id=100"><span class="instancename">Slow Folder</span></a>
				</div>
			</li>
			<li class="activity folder modtype_folder">
				<div class="activityinstance">
					<a href="/mod/folder/view.php?id=101"><span class="instancename">Fast Folder</span></a>
				</div>
			</li>
		</ul></body></html>`)
	})

	mux.HandleFunc("/mod/folder/view.php", func(w http.ResponseWriter, r *http.Request) {
		name := "fast.pdf"
		if r.URL.Query().Get("id") == "100" {
			s.stall()
			name = "slow.pdf"
		}
		fmt.Fprint(w, `<html><body><div role="main">
			<span class="fp-filename-icon">
				<a href="/pluginfile.php/3/mod_folder/content/`+name+`"><span class="fp-filename">`+name+`</span></a>
			</span>
		</div></body></html>`)
	})

	return mux
}

func TestStaleCourseSelectionDiscarded(t *testing.T) {
	campus := newStallingCampus()
	server := httptest.NewServer(campus.handler())
	defer server.Close()

	ctrl, store := newTestController(t, server.URL)
	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx))

	slowDone := make(chan error, 1)
	go func() {
		slowDone <- ctrl.SelectCourse(ctx, "3")
	}()
	<-campus.started

	// a newer selection completes while the first is still in flight
	require.NoError(t, ctrl.SelectCourse(ctx, "4"))
	close(campus.release)
	require.NoError(t, <-slowDone)

	view := ctrl.Snapshot()
	require.Equal(t, "4", view.Selected.Id)

	// the discarded completion must not leak into persisted state
	lastCourse, ok, err := store.Get(ctx, statestore.KeyLastCourseId)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "4", lastCourse)
}

func TestStaleDescendLeavesNoPhantomFrame(t *testing.T) {
	campus := newStallingCampus()
	server := httptest.NewServer(campus.handler())
	defer server.Close()

	ctrl, _ := newTestController(t, server.URL)
	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx))
	require.NoError(t, ctrl.SelectCourse(ctx, "4"))

	slow := materialByName(t, ctrl.Snapshot().Materials, "Slow Folder")
	fast := materialByName(t, ctrl.Snapshot().Materials, "Fast Folder")

	slowDone := make(chan error, 1)
	go func() {
		slowDone <- ctrl.Descend(ctx, slow)
	}()
	<-campus.started

	require.NoError(t, ctrl.Descend(ctx, fast))
	close(campus.release)
	require.NoError(t, <-slowDone)

	view := ctrl.Snapshot()
	require.Equal(t, 1, view.Depth)
	require.Equal(t, []string{"Fast Folder"}, view.Breadcrumb)
	require.Equal(t, "fast.pdf", view.Materials[0].Name)

	// ascending lands back on the course listing, not a stale frame
	require.True(t, ctrl.Ascend())
	back := ctrl.Snapshot()
	require.Equal(t, 0, back.Depth)
	require.Len(t, back.Materials, 2)
	require.False(t, ctrl.Ascend())
}

func TestStartUnauthenticated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/my/index.php", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login/index.php", http.StatusSeeOther)
	})
	mux.HandleFunc("/login/index.php", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><form><input name="logintoken" value="t"></form></body></html>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctrl, _ := newTestController(t, server.URL)
	require.NoError(t, ctrl.Start(context.Background()))

	view := ctrl.Snapshot()
	require.Equal(t, PhaseLoginForm, view.Phase)
	require.Empty(t, view.Courses)
	require.Empty(t, view.Materials)
	require.Equal(t, KindNone, view.ErrKind)
}

func TestStartOfflineShowsLoginForm(t *testing.T) {
	server := httptest.NewServer(newFakeCampus().handler())
	server.Close()

	ctrl, _ := newTestController(t, server.URL)
	err := ctrl.Start(context.Background())
	require.ErrorIs(t, err, session.ErrOffline)

	view := ctrl.Snapshot()
	require.Equal(t, PhaseLoginForm, view.Phase)
	require.Equal(t, KindOffline, view.ErrKind)
}

func TestLogoutForgetsLocation(t *testing.T) {
	server := httptest.NewServer(newFakeCampus().handler())
	defer server.Close()

	ctrl, store := newTestController(t, server.URL)
	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx))
	require.NoError(t, ctrl.SelectCourse(ctx, "3"))

	ctrl.Logout(ctx)
	view := ctrl.Snapshot()
	require.Equal(t, PhaseLoginForm, view.Phase)
	require.Empty(t, view.Courses)

	_, ok, err := store.Get(ctx, statestore.KeyLastView)
	require.NoError(t, err)
	require.False(t, ok)
}
