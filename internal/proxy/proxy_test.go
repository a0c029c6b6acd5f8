package proxy_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/chp-go/chp/internal/config"
	"github.com/chp-go/chp/internal/proxy"
	"github.com/chp-go/chp/internal/store"
)

type stubErrors struct {
	lastCode int
	called   bool
}

func (s *stubErrors) HandleError(w http.ResponseWriter, r *http.Request, code int, cause error) {
	s.called = true
	s.lastCode = code
	w.WriteHeader(code)
}

func newTestProxy(t *testing.T, cfg *config.Config) (*proxy.Proxy, store.Store, *stubErrors) {
	t.Helper()
	s := store.NewMemoryStore()
	if cfg == nil {
		cfg = config.Default()
	}
	errs := &stubErrors{}
	return proxy.New(s, cfg, errs), s, errs
}

func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Received-Path", r.URL.RequestURI())
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, r.Body)
	}))
}

func TestProxyBasicForwardTouchesActivity(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()

	p, s, _ := newTestProxy(t, nil)
	if err := s.Add("/", store.Data{"target": backend.URL}); err != nil {
		t.Fatal(err)
	}
	beforeData, _ := s.Get("/")
	before, _ := beforeData.LastActivity()

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	afterData, _ := s.Get("/")
	after, _ := afterData.LastActivity()
	if !after.After(before) {
		t.Fatalf("expected last_activity to advance: before=%v after=%v", before, after)
	}
}

func TestProxyNoMatchingRouteIs404(t *testing.T) {
	p, _, errs := newTestProxy(t, nil)

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if !errs.called || errs.lastCode != http.StatusNotFound {
		t.Fatalf("expected error pipeline invoked with 404, got %#v", errs)
	}
}

func TestProxyUnreachableBackendIs503(t *testing.T) {
	p, s, errs := newTestProxy(t, nil)
	if err := s.Add("/", store.Data{"target": "http://127.0.0.1:1"}); err != nil {
		t.Fatal(err)
	}

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if !errs.called || errs.lastCode != http.StatusServiceUnavailable {
		t.Fatalf("expected error pipeline invoked with 503, got %#v", errs)
	}
}

func TestProxyLongestPrefixMatchPrependsFullPath(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()

	p, s, _ := newTestProxy(t, nil)
	if err := s.Add("/a/b/c/d", store.Data{"target": backend.URL}); err != nil {
		t.Fatal(err)
	}

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/a/b/c/d/rest/of/it")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Received-Path"); got != "/a/b/c/d/rest/of/it" {
		t.Fatalf("expected prepend_path to forward full path, got %q", got)
	}
}

func TestProxyIncludePrefixFalseStripsMatchedPrefix(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()

	cfg := config.Default()
	cfg.IncludePrefix = false

	p, s, _ := newTestProxy(t, cfg)
	target := backend.URL + "/foo"
	if err := s.Add("/bar", store.Data{"target": target}); err != nil {
		t.Fatal(err)
	}

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/bar/rest")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Received-Path"); got != "/foo/rest" {
		t.Fatalf("expected /foo/rest, got %q", got)
	}
}

func TestProxyQueryStringMergedWhenPrependingPath(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()

	p, s, _ := newTestProxy(t, nil)
	target := backend.URL + "/?fixed=1"
	if err := s.Add("/", store.Data{"target": target}); err != nil {
		t.Fatal(err)
	}

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/path?extra=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got := resp.Header.Get("X-Received-Path")
	if got != "/path?fixed=1&extra=2" {
		t.Fatalf("expected merged query string, got %q", got)
	}
}

func TestProxySetCookieHeadersPreservedDistinctly(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()

	p, s, _ := newTestProxy(t, nil)
	if err := s.Add("/", store.Data{"target": backend.URL}); err != nil {
		t.Fatal(err)
	}

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	cookies := resp.Header.Values("Set-Cookie")
	if len(cookies) != 2 {
		t.Fatalf("expected 2 distinct Set-Cookie headers, got %v", cookies)
	}
}

func TestProxyPercentEncodedPrefixPreserved(t *testing.T) {
	backend := echoBackend(t)
	defer backend.Close()

	p, s, _ := newTestProxy(t, nil)
	if err := s.Add("/b@r/b r", store.Data{"target": backend.URL}); err != nil {
		t.Fatal(err)
	}

	front := httptest.NewServer(p)
	defer front.Close()

	reqURL := front.URL + "/b%40r/b%20r/rest"
	u, err := url.Parse(reqURL)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(u.String())
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got := resp.Header.Get("X-Received-Path")
	want := "/b%40r/b%20r/rest"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestProxyCustomHeadersAndXForwardInjected(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := config.Default()
	cfg.CustomHeaders = map[string]string{"X-Extra": "yes"}

	p, s, _ := newTestProxy(t, cfg)
	if err := s.Add("/", store.Data{"target": backend.URL}); err != nil {
		t.Fatal(err)
	}

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if seen.Get("X-Extra") != "yes" {
		t.Fatalf("expected custom header injected, got %q", seen.Get("X-Extra"))
	}
	if seen.Get("X-Forwarded-Proto") != "http" {
		t.Fatalf("expected X-Forwarded-Proto, got %q", seen.Get("X-Forwarded-Proto"))
	}
	if seen.Get("X-Forwarded-For") == "" {
		t.Fatal("expected X-Forwarded-For to be set")
	}
}

func TestProxyStatusAboveThresholdDoesNotTouchActivity(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer backend.Close()

	p, s, _ := newTestProxy(t, nil)
	if err := s.Add("/", store.Data{"target": backend.URL}); err != nil {
		t.Fatal(err)
	}
	beforeData, _ := s.Get("/")
	beforeTime, _ := beforeData.LastActivity()

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	afterData, _ := s.Get("/")
	afterTime, _ := afterData.LastActivity()
	if !afterTime.Equal(beforeTime) {
		t.Fatalf("expected last_activity unchanged on a redirect response, before=%v after=%v", beforeTime, afterTime)
	}
}
