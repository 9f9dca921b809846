// Package gateway fronts the upstream Moodle with a same-origin
// reverse proxy. The browser only ever talks to this process, so
// session cookies work without cross-site headaches: requests under
// the configured prefix are forwarded upstream, redirects and cookies
// are rewritten on the way back, and everything else serves the
// bundled single page app.
package gateway

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"moodlegate/lib/urlutil"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("services/gateway")

type Config struct {
	Port     int    `json:"port"`
	Upstream string `json:"upstream"`
	// Prefix is the path the browser uses to reach the upstream,
	// e.g. "/moodle".
	Prefix string `json:"prefix"`
	// StaticDir optionally holds a built frontend to serve outside
	// the prefix.
	StaticDir string `json:"static_dir"`
	// TimeoutSeconds bounds how long an upstream response may take
	// before the gateway gives up with a 504. Defaults to 60.
	TimeoutSeconds int `json:"timeout_seconds"`
}

var cookieDomainPattern = regexp.MustCompile(`(?i);\s*domain=[^;]*`)

type Gateway struct {
	prefix   string
	rewriter urlutil.Rewriter
	proxy    *httputil.ReverseProxy
	static   http.Handler
}

func New(config Config) (*Gateway, error) {
	upstream, err := url.Parse(config.Upstream)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(config.Prefix, "/")
	rewriter, err := urlutil.NewRewriter(config.Upstream, prefix)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if config.TimeoutSeconds <= 0 {
		timeout = time.Second * 60
	}

	g := &Gateway{
		prefix:   prefix,
		rewriter: rewriter,
	}
	g.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = strippedPath(pr.In.URL.Path, prefix)
			pr.SetURL(upstream)
			pr.Out.Host = upstream.Host
			pr.SetXForwarded()
		},
		ModifyResponse: g.rewriteResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Error("upstream request failed", "path", r.URL.Path, "err", err)
			http.Error(w, "upstream unreachable", http.StatusGatewayTimeout)
		},
		Transport: &http.Transport{
			ResponseHeaderTimeout: timeout,
		},
	}
	if config.StaticDir != "" {
		g.static = spaHandler(config.StaticDir)
	}
	return g, nil
}

// strippedPath removes the gateway prefix so the upstream sees the
// path it expects. "/moodle/my/index.php" becomes "/my/index.php".
func strippedPath(path, prefix string) string {
	if prefix == "" {
		return path
	}
	stripped := strings.TrimPrefix(path, prefix)
	if stripped == "" {
		return "/"
	}
	return stripped
}

// rewriteResponse points redirects back at the gateway and strips
// cookie domains so the browser scopes them to our origin. Bodies are
// passed through untouched; the scraping side rewrites links in the
// documents it parses.
func (g *Gateway) rewriteResponse(res *http.Response) error {
	if location := res.Header.Get("Location"); location != "" {
		res.Header.Set("Location", g.rewriter.RewriteRootRelative(location))
	}
	cookies := res.Header.Values("Set-Cookie")
	if len(cookies) > 0 {
		rewritten := make([]string, 0, len(cookies))
		for _, cookie := range cookies {
			rewritten = append(rewritten, cookieDomainPattern.ReplaceAllString(cookie, ""))
		}
		res.Header.Del("Set-Cookie")
		for _, cookie := range rewritten {
			res.Header.Add("Set-Cookie", cookie)
		}
	}
	return nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "gateway:ServeHTTP")
	defer span.End()
	r = r.WithContext(ctx)

	if g.prefix == "" || r.URL.Path == g.prefix || strings.HasPrefix(r.URL.Path, g.prefix+"/") {
		g.proxy.ServeHTTP(w, r)
		return
	}
	if g.static != nil {
		g.static.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

// spaHandler serves files out of dir and falls back to index.html for
// any path that does not exist on disk, which is how client side
// routed frontends expect to be hosted.
func spaHandler(dir string) http.Handler {
	fileServer := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(requested); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
	})
}
