// Package proxy implements route resolution, URL rewriting and HTTP
// forwarding.
package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/chp-go/chp/internal/config"
	"github.com/chp-go/chp/internal/pathutil"
	"github.com/chp-go/chp/internal/store"
)

// Target is the resolved outcome of matching a request against the route
// store: the matched prefix, the parsed backend target URL, and the raw
// route data (for touching last_activity).
type Target struct {
	Prefix string
	URL    *url.URL
	Data   store.Data
}

// Resolver resolves requests against the route store and rewrites URLs
// according to the configured rewrite policy. It is shared by the HTTP
// forwarder and the WebSocket forwarder so both apply identical
// matching/rewrite policy.
type Resolver struct {
	Store store.Store
	Cfg   *config.Config
}

// NewResolver builds a Resolver over s using cfg's rewrite policy.
func NewResolver(s store.Store, cfg *config.Config) *Resolver {
	return &Resolver{Store: s, Cfg: cfg}
}

// Resolve finds the longest-prefix-matching route for r, applying
// host_routing if configured. Percent-decoding happens implicitly: r.URL.Path
// is already decoded by net/http.
func (res *Resolver) Resolve(r *http.Request) (*Target, bool) {
	decodedPath := r.URL.Path
	if res.Cfg.HostRouting {
		decodedPath = pathutil.Join(append([]string{hostSegment(r.Host)}, pathutil.Segments(decodedPath)...))
	}

	match, ok := res.Store.GetTarget(decodedPath)
	if !ok {
		return nil, false
	}
	targetStr, ok := match.Data.Target()
	if !ok {
		return nil, false
	}
	targetURL, err := url.Parse(targetStr)
	if err != nil {
		return nil, false
	}
	return &Target{Prefix: match.Prefix, URL: targetURL, Data: match.Data}, true
}

func hostSegment(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	return strings.ToLower(host)
}

// RewriteURL builds the fully rewritten upstream URL for r given the
// resolved target, applying the prepend_path/include_prefix policy and
// merging query strings. The request path's original percent-encoding is
// preserved verbatim.
func (res *Resolver) RewriteURL(t *Target, r *http.Request) *url.URL {
	escapedPath := r.URL.EscapedPath()
	if !res.Cfg.IncludePrefix {
		escapedPath = stripEscapedPrefix(escapedPath, t.Prefix)
	}

	out := *t.URL
	if res.Cfg.PrependPath {
		base := strings.TrimSuffix(out.EscapedPath(), "/")
		out.RawPath = base + "/" + strings.TrimPrefix(escapedPath, "/")
		out.Path, _ = url.PathUnescape(out.RawPath)

		queries := []string{out.RawQuery, r.URL.RawQuery}
		joined := make([]string, 0, 2)
		for _, q := range queries {
			if q != "" {
				joined = append(joined, q)
			}
		}
		out.RawQuery = strings.Join(joined, "&")
	} else {
		out.RawPath = escapedPath
		out.Path, _ = url.PathUnescape(out.RawPath)
		out.RawQuery = r.URL.RawQuery
	}
	return &out
}

// stripEscapedPrefix removes prefix (a canonical, decoded path) from an
// escaped (percent-encoded) path, matching each segment after re-encoding
// it the same way the request path was encoded.
func stripEscapedPrefix(escapedPath, prefix string) string {
	escapedPrefix := escapePath(prefix)
	stripped := strings.TrimPrefix(escapedPath, escapedPrefix)
	if stripped == "" {
		return "/"
	}
	if !strings.HasPrefix(stripped, "/") {
		return "/" + stripped
	}
	return stripped
}

func escapePath(canonical string) string {
	segments := pathutil.Segments(canonical)
	if len(segments) == 0 {
		return "/"
	}
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(escaped, "/")
}

// BuildHeaders merges custom_headers and, if configured, injects
// X-Forwarded-* headers into a copy of the incoming request's headers.
func (res *Resolver) BuildHeaders(r *http.Request) http.Header {
	out := r.Header.Clone()
	if out == nil {
		out = make(http.Header)
	}

	for k, v := range res.Cfg.CustomHeaders {
		out.Set(k, v)
	}

	if res.Cfg.XForward {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		clientIP := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			clientIP = host
		}
		port := forwardedPort(r.Host, scheme)

		appendCSV(out, "X-Forwarded-For", clientIP)
		appendCSV(out, "X-Forwarded-Port", port)
		appendCSV(out, "X-Forwarded-Proto", scheme)
		if out.Get("X-Forwarded-Host") == "" {
			out.Set("X-Forwarded-Host", r.Host)
		}
	}
	return out
}

func appendCSV(h http.Header, key, val string) {
	if existing := h.Get(key); existing != "" {
		h.Set(key, existing+", "+val)
	} else {
		h.Set(key, val)
	}
}

func forwardedPort(host, scheme string) string {
	if _, port, err := net.SplitHostPort(host); err == nil && port != "" {
		return port
	}
	if scheme == "https" {
		return strconv.Itoa(443)
	}
	return strconv.Itoa(80)
}

// WSScheme translates a resolved HTTP(S) target scheme into its ws(s)
// equivalent for the WebSocket forwarder.
func WSScheme(u *url.URL) (string, error) {
	switch u.Scheme {
	case "http":
		return "ws", nil
	case "https":
		return "wss", nil
	case "ws", "wss":
		return u.Scheme, nil
	default:
		return "", fmt.Errorf("proxy: unsupported target scheme %q", u.Scheme)
	}
}
