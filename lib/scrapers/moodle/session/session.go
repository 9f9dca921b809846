// Package session drives authentication against a Moodle instance
// that only exposes server rendered HTML. Session validity is never
// read off an HTTP status, Moodle answers 200 everywhere: the signal
// is whether the server redirected the request to the login page.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"moodlegate/lib/htmlutil"
	"moodlegate/lib/telemetry"
	"moodlegate/lib/urlutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/moodle/session")

const (
	loginPath     = "/login/index.php"
	logoutPath    = "login/logout.php"
	dashboardPath = "/my/index.php"
)

// ErrOffline means no HTTP response was obtained at all. It must stay
// distinct from authentication failures: the UI reacts to the two in
// completely different ways.
var ErrOffline = errors.New("upstream unreachable")

// ErrNotAuthenticated means the server answered but redirected the
// request to the login page.
var ErrNotAuthenticated = errors.New("not authenticated")

// LoginError carries the human readable message scraped off a failed
// login page.
type LoginError struct {
	Message string
}

func (e *LoginError) Error() string {
	return "login failed: " + e.Message
}

const genericLoginMessage = "Login failed. Check your credentials."

// The marker Moodle embeds in the body of a rejected login response.
const loginErrorMarker = "loginerrormessage"

// Info is everything the client knows about the current session. The
// fields are refreshed opportunistically from whichever page happens
// to carry the markup, last writer wins.
type Info struct {
	IsLoggedIn  bool
	LogoutUrl   string
	DisplayName string
	AvatarUrl   string
}

type Client struct {
	Http     *resty.Client
	Rewriter urlutil.Rewriter

	info Info
}

type ClientOptions struct {
	// GatewayUrl is the origin requests are sent to, usually the
	// reverse proxy in front of the upstream.
	GatewayUrl string
	// Prefix is the path prefix the gateway maps to the upstream,
	// e.g. "/moodle". May be empty when talking to Moodle directly.
	Prefix string
	// Upstream is the bare origin of the Moodle instance, used to
	// rewrite absolute links found in scraped markup.
	Upstream string
	// Transcript optionally receives raw http request/response dumps
	// when debug logging is on.
	Transcript telemetry.TranscriptOutput
}

func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	gatewayUrl, err := url.Parse(opts.GatewayUrl)
	if err != nil {
		return nil, err
	}
	rewriter, err := urlutil.NewRewriter(opts.Upstream, opts.Prefix)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(opts.GatewayUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(gatewayUrl.Hostname()))
	client.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(client, "scrapers/moodle/session", opts.Transcript)

	return &Client{
		Http:     client,
		Rewriter: rewriter,
	}, nil
}

func (c *Client) Info() Info {
	return c.info
}

func (c *Client) path(p string) string {
	return c.Rewriter.Prefix() + p
}

// finalUrl returns the URL the request actually ended up at after all
// redirects were followed.
func finalUrl(res *resty.Response) string {
	raw := res.RawResponse
	if raw != nil && raw.Request != nil && raw.Request.URL != nil {
		return raw.Request.URL.String()
	}
	return res.Request.URL
}

func parseDocument(res *resty.Response) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
}

func offline(err error) error {
	return fmt.Errorf("%w: %v", ErrOffline, err)
}

// FetchDocument GETs an already rewritten (gateway relative) URL and
// parses the response. Transport failures classify as offline, and a
// redirect back to the login page means the session expired under us.
func (c *Client) FetchDocument(ctx context.Context, pageUrl string) (*goquery.Document, error) {
	res, err := c.Http.R().
		SetContext(ctx).
		Get(pageUrl)
	if err != nil {
		return nil, offline(err)
	}
	if strings.Contains(finalUrl(res), loginPath) {
		c.info = Info{LogoutUrl: c.info.LogoutUrl}
		return nil, ErrNotAuthenticated
	}
	return parseDocument(res)
}

// Check fetches the authenticated landing page and decides whether the
// session is still valid by inspecting the resolved URL. On success it
// returns the parsed dashboard document so the caller can reuse it for
// course listing without a second round trip.
func (c *Client) Check(ctx context.Context) (*goquery.Document, error) {
	ctx, span := tracer.Start(ctx, "client:Check")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get(c.path(dashboardPath))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch dashboard")
		return nil, offline(err)
	}

	if strings.Contains(finalUrl(res), loginPath) {
		c.info = Info{LogoutUrl: c.info.LogoutUrl}
		return nil, ErrNotAuthenticated
	}

	doc, err := parseDocument(res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse dashboard html")
		return nil, err
	}

	c.info.IsLoggedIn = true
	c.ExtractSessionInfo(doc)
	c.FetchProfile(ctx, doc)
	return doc, nil
}

// ExtractSessionInfo pulls the logout link out of any page that has
// one. A previously known logout URL is never cleared: stale beats
// none, logging out with yesterday's sesskey still works.
func (c *Client) ExtractSessionInfo(doc *goquery.Document) {
	logoutLink := doc.Find(`a[href*="` + logoutPath + `"]`).First()
	if logoutLink.Length() == 0 {
		return
	}
	href := logoutLink.AttrOr("href", "")
	if href == "" {
		return
	}
	c.info.LogoutUrl = c.Rewriter.RewriteRootRelative(href)
}

// FetchProfile resolves the display name and avatar, following the
// profile page link when one is present. Everything here is best
// effort, a missing profile never fails the session.
func (c *Client) FetchProfile(ctx context.Context, doc *goquery.Document) {
	ctx, span := tracer.Start(ctx, "client:FetchProfile")
	defer span.End()

	if src := doc.Find(".usermenu .userpicture, .userpicture").First().AttrOr("src", ""); src != "" {
		c.info.AvatarUrl = c.Rewriter.Rewrite(src)
	}

	profileHref := doc.Find(`a[href*="/user/profile.php"]`).First().AttrOr("href", "")
	if profileHref == "" {
		if name := htmlutil.CleanText(doc.Find(".usertext, .userbutton, .user-profile-name").First().Text()); name != "" {
			c.info.DisplayName = name
		}
		if c.info.DisplayName == "" {
			c.info.DisplayName = "Student"
		}
		return
	}

	profileDoc, err := c.FetchDocument(ctx, c.Rewriter.RewriteRootRelative(profileHref))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch profile page")
		if c.info.DisplayName == "" {
			c.info.DisplayName = "Student"
		}
		return
	}

	if name := htmlutil.CleanText(profileDoc.Find(".page-header-headings h1, .page-header h1, h1.h2").First().Text()); name != "" {
		c.info.DisplayName = name
	}
	if src := profileDoc.Find(".userpicture").First().AttrOr("src", ""); src != "" {
		c.info.AvatarUrl = c.Rewriter.Rewrite(src)
	}
	c.ExtractSessionInfo(profileDoc)

	if c.info.DisplayName == "" {
		c.info.DisplayName = "Student"
	}
}

// Login authenticates with a username and password. If the login page
// reveals an already valid session it logs that session out first, so
// re-authenticating as a different user behaves deterministically.
func (c *Client) Login(ctx context.Context, username, password string) error {
	ctx, span := tracer.Start(ctx, "client:Login")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get(c.path(loginPath))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch login page")
		return offline(err)
	}

	if !strings.Contains(finalUrl(res), loginPath) {
		slog.Info("active session detected during login, logging out first")

		doc, err := parseDocument(res)
		if err != nil {
			return err
		}
		logoutHref := doc.Find(`a[href*="` + logoutPath + `"]`).First().AttrOr("href", "")
		if logoutHref == "" {
			// no logout link discoverable: the session is valid and
			// there is nothing sane to do except accept it
			c.info.IsLoggedIn = true
			c.ExtractSessionInfo(doc)
			return nil
		}

		_, err = c.Http.R().
			SetContext(ctx).
			Get(c.Rewriter.RewriteRootRelative(logoutHref))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to log out existing session")
			return offline(err)
		}

		res, err = c.Http.R().
			SetContext(ctx).
			Get(c.path(loginPath))
		if err != nil {
			return offline(err)
		}
	}

	doc, err := parseDocument(res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse login page html")
		return err
	}
	logintoken := doc.Find(`input[name="logintoken"]`).AttrOr("value", "")

	postRes, err := c.Http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username":         username,
			"password":         password,
			"logintoken":       logintoken,
			"anchor":           "",
			"rememberusername": "1",
		}).
		Post(c.path(loginPath))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit login form")
		return offline(err)
	}

	if strings.Contains(finalUrl(postRes), loginPath) ||
		strings.Contains(postRes.String(), loginErrorMarker) {
		message := genericLoginMessage
		failedDoc, err := parseDocument(postRes)
		if err == nil {
			scraped := htmlutil.CleanText(
				failedDoc.Find(".loginerrors .error, .notifyproblem, .alert-danger").First().Text(),
			)
			if scraped != "" {
				message = scraped
			}
		}
		span.SetStatus(codes.Error, "login rejected")
		return &LoginError{Message: message}
	}

	c.info.IsLoggedIn = true
	if landingDoc, err := parseDocument(postRes); err == nil {
		c.ExtractSessionInfo(landingDoc)
	}
	return nil
}

// Logout hits the stored logout URL best effort and resets all local
// session state. The user's intent to be logged out locally always
// succeeds, even when the endpoint is down.
func (c *Client) Logout(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "client:Logout")
	defer span.End()

	if c.info.LogoutUrl != "" {
		_, err := c.Http.R().
			SetContext(ctx).
			Get(c.info.LogoutUrl)
		if err != nil {
			slog.Warn("logout endpoint failed, clearing local state anyway", "err", err)
		}
	}

	c.info = Info{}
}
