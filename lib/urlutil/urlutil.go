package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Rewriter maps links that point at the bare upstream origin onto the
// gateway's relative prefix. The SPA must never navigate to the
// upstream directly, that would bypass the proxy and its cookie
// rewriting.
type Rewriter struct {
	prefix   string
	origins  []string
	upstream *url.URL
}

// NewRewriter builds a Rewriter for the given upstream origin
// (scheme + host, e.g. "http://20.0.121.215") and gateway prefix
// (e.g. "/moodle").
func NewRewriter(upstream, prefix string) (Rewriter, error) {
	parsed, err := url.Parse(upstream)
	if err != nil {
		return Rewriter{}, err
	}
	if parsed.Host == "" {
		return Rewriter{}, fmt.Errorf("upstream %q has no host", upstream)
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return Rewriter{
		prefix: prefix,
		origins: []string{
			"http://" + parsed.Host,
			"https://" + parsed.Host,
		},
		upstream: parsed,
	}, nil
}

func (r Rewriter) Prefix() string { return r.prefix }

func (r Rewriter) UpstreamHost() string { return r.upstream.Host }

// Rewrite replaces every absolute occurrence of the upstream origin
// with the gateway prefix. Relative URLs pass through untouched, which
// makes the function idempotent.
func (r Rewriter) Rewrite(u string) string {
	if u == "" {
		return ""
	}
	for _, origin := range r.origins {
		u = strings.ReplaceAll(u, origin, r.prefix)
	}
	return u
}

// RewriteRootRelative is Rewrite plus prefixing of root-relative
// paths. Used for links that must resolve through the gateway even
// when the markup emitted them relative to the upstream root, such as
// the logout link.
func (r Rewriter) RewriteRootRelative(u string) string {
	u = r.Rewrite(u)
	if strings.HasPrefix(u, "/") && !strings.HasPrefix(u, r.prefix+"/") && u != r.prefix {
		return r.prefix + u
	}
	return u
}
