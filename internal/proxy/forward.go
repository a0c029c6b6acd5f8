package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/chp-go/chp/internal/config"
	"github.com/chp-go/chp/internal/logging"
	"github.com/chp-go/chp/internal/store"
)

// hopHeaders are re-derived by the downstream ResponseWriter and must
// never be copied verbatim from the upstream response.
var hopHeaders = []string{"Content-Length", "Transfer-Encoding", "Content-Encoding", "Connection"}

// ErrorHandler renders a failure response for a given status code, kept as
// an interface here so internal/proxy never imports internal/errorpage.
type ErrorHandler interface {
	HandleError(w http.ResponseWriter, r *http.Request, code int, cause error)
}

// Proxy is the data-plane HTTP forwarder, built atop a Resolver. Its
// http.Client disables redirect-following, dials with sane timeouts, and
// keeps a generous idle-connection pool for upstream reuse.
type Proxy struct {
	Resolver *Resolver
	Errors   ErrorHandler
	Client   *http.Client
	Cfg      *config.Config
}

// New builds a Proxy over s, applying cfg's rewrite/timeout policy and
// routing failures through errs.
func New(s store.Store, cfg *config.Config, errs ErrorHandler) *Proxy {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          1000,
		MaxIdleConnsPerHost:   500,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Proxy{
		Resolver: NewResolver(s, cfg),
		Errors:   errs,
		Cfg:      cfg,
		Client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ServeHTTP forwards a non-WebSocket request to its resolved backend.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var cancel context.CancelFunc
	if p.Cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.Cfg.Timeout)
		defer cancel()
	}

	target, ok := p.Resolver.Resolve(r)
	if !ok {
		p.Errors.HandleError(w, r, http.StatusNotFound, nil)
		return
	}

	upstreamURL := p.Resolver.RewriteURL(target, r)
	headers := p.Resolver.BuildHeaders(r)

	reqCtx := ctx
	if p.Cfg.ProxyTimeout > 0 {
		var reqCancel context.CancelFunc
		reqCtx, reqCancel = context.WithTimeout(ctx, p.Cfg.ProxyTimeout)
		defer reqCancel()
	}

	outReq, err := http.NewRequestWithContext(reqCtx, r.Method, upstreamURL.String(), r.Body)
	if err != nil {
		p.Errors.HandleError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	outReq.Header = headers
	outReq.Host = upstreamURL.Host
	outReq.ContentLength = r.ContentLength

	resp, err := p.Client.Do(outReq)
	if err != nil {
		p.Errors.HandleError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.Errors.HandleError(w, r, http.StatusServiceUnavailable, err)
		return
	}

	copyResponseHeaders(resp.Header, w.Header())
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		logging.L().Error().Err(err).Str("path", r.URL.Path).Msg("error writing response to client")
	}
	logging.L().Info().Int("status", resp.StatusCode).Str("method", r.Method).Str("path", r.URL.Path).Str("prefix", target.Prefix).Msg("request complete")

	if resp.StatusCode < 300 {
		p.Resolver.Store.Touch(target.Prefix)
	}
}

// copyResponseHeaders copies all upstream headers except the hop-by-hop
// set, preserving multi-valued headers such as Set-Cookie as distinct
// entries rather than folding them.
func copyResponseHeaders(src, dst http.Header) {
	for k, values := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(key) == h {
			return true
		}
	}
	return false
}
