// Package nav owns the user visible navigation state machine: which
// screen is showing, which course is selected, and the stack of
// folders the user has drilled into. It layers on top of the session
// client and the extraction strategies and persists the last location
// so a restart lands the user where they left off.
package nav

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"moodlegate/lib/scrapers/moodle/extract"
	"moodlegate/lib/scrapers/moodle/session"
	"moodlegate/lib/statestore"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("scrapers/moodle/nav")

type Phase string

const (
	PhaseSessionChecking Phase = "session_checking"
	PhaseLoginForm       Phase = "login_form"
	PhaseDashboard       Phase = "dashboard"
	PhaseCourse          Phase = "course"
	PhasePrivateFiles    Phase = "private_files"
)

// ErrorKind partitions failures into the three states the UI renders
// differently. A failure is exactly one of these, never two.
type ErrorKind string

const (
	KindNone    ErrorKind = ""
	KindOffline ErrorKind = "offline"
	KindAuth    ErrorKind = "auth"
	KindContent ErrorKind = "content"
)

func classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, session.ErrOffline):
		return KindOffline
	case errors.Is(err, session.ErrNotAuthenticated):
		return KindAuth
	default:
		var loginErr *session.LoginError
		if errors.As(err, &loginErr) {
			return KindAuth
		}
		return KindContent
	}
}

// FolderFrame remembers the listing that was showing before the user
// descended into a folder, so going back never refetches.
type FolderFrame struct {
	Name      string
	Materials []extract.Material
}

// View is an immutable copy of the controller state, safe to hand to
// renderers on any goroutine.
type View struct {
	Phase        Phase
	Courses      []extract.Course
	Selected     *extract.Course
	Materials    []extract.Material
	PrivateFiles []extract.Material
	Breadcrumb   []string
	CanGoBack    bool
	Depth        int
	Err          error
	ErrKind      ErrorKind
}

type Controller struct {
	client *session.Client
	store  *statestore.Store

	mu    sync.Mutex
	token uint64

	phase        Phase
	courses      []extract.Course
	selected     *extract.Course
	materials    []extract.Material
	privateFiles []extract.Material
	stack        []FolderFrame
	lastErr      error
}

func NewController(client *session.Client, store *statestore.Store) *Controller {
	return &Controller{
		client: client,
		store:  store,
		phase:  PhaseSessionChecking,
	}
}

// begin stamps a new navigation token. Commits carrying an older token
// are discarded, so a slow fetch can never clobber the state a newer
// action produced.
func (c *Controller) begin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token++
	return c.token
}

// commit applies fn under the lock iff no newer navigation started in
// the meantime. Reports whether fn ran.
func (c *Controller) commit(token uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.token {
		slog.Debug("discarding stale navigation result", "token", token, "current", c.token)
		return false
	}
	fn()
	return true
}

func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := View{
		Phase:        c.phase,
		Courses:      append([]extract.Course(nil), c.courses...),
		Materials:    append([]extract.Material(nil), c.materials...),
		PrivateFiles: append([]extract.Material(nil), c.privateFiles...),
		CanGoBack:    len(c.stack) > 0,
		Depth:        len(c.stack),
		Err:          c.lastErr,
		ErrKind:      classify(c.lastErr),
	}
	if c.selected != nil {
		selected := *c.selected
		view.Selected = &selected
	}
	for _, frame := range c.stack {
		view.Breadcrumb = append(view.Breadcrumb, frame.Name)
	}
	return view
}

func (c *Controller) persist(ctx context.Context, view string, courseId string) {
	if c.store == nil {
		return
	}
	if err := c.store.Set(ctx, statestore.KeyLastView, view); err != nil {
		slog.Warn("failed to persist last view", "err", err)
	}
	if courseId == "" {
		if err := c.store.Remove(ctx, statestore.KeyLastCourseId); err != nil {
			slog.Warn("failed to clear last course", "err", err)
		}
		return
	}
	if err := c.store.Set(ctx, statestore.KeyLastCourseId, courseId); err != nil {
		slog.Warn("failed to persist last course", "err", err)
	}
}

// Start checks the session and, when it is valid, restores the last
// persisted location. When the check fails for any reason the login
// form shows; the error kind distinguishes offline from signed out.
func (c *Controller) Start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "controller:Start")
	defer span.End()

	token := c.begin()

	doc, err := c.client.Check(ctx)
	if err != nil {
		c.commit(token, func() {
			c.phase = PhaseLoginForm
			if errors.Is(err, session.ErrNotAuthenticated) {
				c.lastErr = nil
			} else {
				c.lastErr = err
			}
		})
		if errors.Is(err, session.ErrNotAuthenticated) {
			return nil
		}
		return err
	}

	courses := extract.Courses(doc, c.client.Rewriter)

	lastView := ""
	lastCourse := ""
	if c.store != nil {
		if v, ok, err := c.store.Get(ctx, statestore.KeyLastView); err == nil && ok {
			lastView = v
		}
		if v, ok, err := c.store.Get(ctx, statestore.KeyLastCourseId); err == nil && ok {
			lastCourse = v
		}
	}

	committed := c.commit(token, func() {
		c.courses = courses
		c.selected = nil
		c.materials = nil
		c.stack = nil
		c.lastErr = nil
		c.phase = PhaseDashboard
	})
	if !committed {
		return nil
	}

	switch lastView {
	case "upload":
		return c.OpenPrivateFiles(ctx)
	case "course":
		for _, course := range courses {
			if course.Id == lastCourse {
				return c.SelectCourse(ctx, course.Id)
			}
		}
	}
	return nil
}

// Login authenticates and lands on the dashboard.
func (c *Controller) Login(ctx context.Context, username, password string) error {
	ctx, span := tracer.Start(ctx, "controller:Login")
	defer span.End()

	token := c.begin()

	if err := c.client.Login(ctx, username, password); err != nil {
		c.commit(token, func() {
			c.phase = PhaseLoginForm
			c.lastErr = err
		})
		return err
	}
	c.commit(token, func() {
		c.lastErr = nil
	})
	return c.OpenDashboard(ctx)
}

// Logout tears the session down and forgets the persisted location.
func (c *Controller) Logout(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "controller:Logout")
	defer span.End()

	token := c.begin()
	c.client.Logout(ctx)
	if c.store != nil {
		if err := c.store.Remove(ctx, statestore.KeyLastView); err != nil {
			slog.Warn("failed to clear last view", "err", err)
		}
		if err := c.store.Remove(ctx, statestore.KeyLastCourseId); err != nil {
			slog.Warn("failed to clear last course", "err", err)
		}
	}
	c.commit(token, func() {
		c.phase = PhaseLoginForm
		c.courses = nil
		c.selected = nil
		c.materials = nil
		c.privateFiles = nil
		c.stack = nil
		c.lastErr = nil
	})
}

// OpenDashboard refreshes the course list and shows it.
func (c *Controller) OpenDashboard(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "controller:OpenDashboard")
	defer span.End()

	token := c.begin()

	doc, err := c.client.Check(ctx)
	if err != nil {
		c.fail(token, err)
		return err
	}
	courses := extract.Courses(doc, c.client.Rewriter)

	committed := c.commit(token, func() {
		c.phase = PhaseDashboard
		c.courses = courses
		c.selected = nil
		c.materials = nil
		c.stack = nil
		c.lastErr = nil
	})
	if committed {
		c.persist(ctx, "dashboard", "")
	}
	return nil
}

// SelectCourse fetches a course page and lists its materials. Any
// folder drill-down from a previous course is discarded.
func (c *Controller) SelectCourse(ctx context.Context, courseId string) error {
	ctx, span := tracer.Start(ctx, "controller:SelectCourse")
	defer span.End()

	c.mu.Lock()
	var course *extract.Course
	for i := range c.courses {
		if c.courses[i].Id == courseId {
			course = &c.courses[i]
			break
		}
	}
	c.mu.Unlock()
	if course == nil {
		err := errors.New("unknown course id " + courseId)
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	token := c.begin()

	doc, err := c.client.FetchDocument(ctx, course.Url)
	if err != nil {
		c.fail(token, err)
		return err
	}
	materials := extract.Materials(doc, c.client.Rewriter)

	committed := c.commit(token, func() {
		c.phase = PhaseCourse
		selected := *course
		c.selected = &selected
		c.materials = materials
		c.stack = nil
		c.lastErr = nil
	})
	if committed {
		c.persist(ctx, "course", course.Id)
	}
	return nil
}

// OpenPrivateFiles shows the user's private file area.
func (c *Controller) OpenPrivateFiles(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "controller:OpenPrivateFiles")
	defer span.End()

	token := c.begin()

	doc, err := c.client.FetchDocument(ctx, c.client.Rewriter.Prefix()+"/user/files.php")
	if err != nil {
		c.fail(token, err)
		return err
	}
	files := extract.PrivateFiles(doc, c.client.Rewriter)

	committed := c.commit(token, func() {
		c.phase = PhasePrivateFiles
		c.privateFiles = files
		c.lastErr = nil
	})
	if committed {
		c.persist(ctx, "upload", "")
	}
	return nil
}

// Descend drills into a folder material. The frame push and the
// materials swap land in one commit, so a failed or superseded fetch
// leaves the listing and the breadcrumb exactly as they were and the
// UI never shows an empty broken state after a failed navigation.
func (c *Controller) Descend(ctx context.Context, material extract.Material) error {
	ctx, span := tracer.Start(ctx, "controller:Descend")
	defer span.End()

	if material.Type != extract.TypeFolder && material.Type != extract.TypeAssignment {
		return errors.New("cannot descend into material of type " + string(material.Type))
	}

	token := c.begin()

	doc, err := c.client.FetchDocument(ctx, material.Url)
	if err != nil {
		c.commit(token, func() {
			c.lastErr = err
		})
		return err
	}
	contents := extract.FolderContents(doc, c.client.Rewriter)

	c.commit(token, func() {
		c.stack = append(c.stack, FolderFrame{Name: material.Name, Materials: c.materials})
		c.materials = contents
		c.lastErr = nil
	})
	return nil
}

// Ascend pops one folder level, restoring the remembered listing
// without another network round trip.
func (c *Controller) Ascend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return false
	}
	c.token++
	frame := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	c.materials = frame.Materials
	c.lastErr = nil
	return true
}

// Retry re-runs the session check and restore after an offline
// failure.
func (c *Controller) Retry(ctx context.Context) error {
	return c.Start(ctx)
}

func (c *Controller) fail(token uint64, err error) {
	c.commit(token, func() {
		if errors.Is(err, session.ErrNotAuthenticated) {
			c.phase = PhaseLoginForm
		}
		c.lastErr = err
	})
}
