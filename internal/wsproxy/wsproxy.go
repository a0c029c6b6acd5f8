// Package wsproxy implements the WebSocket half of the data plane: it
// relays frames bidirectionally between a downstream client and the
// resolved upstream backend.
package wsproxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chp-go/chp/internal/logging"
	"github.com/chp-go/chp/internal/proxy"
)

// upgrader accepts any Origin; the data plane proxies arbitrary backends
// and is not itself the authority on same-origin policy.
var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Proxy is the WebSocket forwarder. It shares a Resolver with the HTTP
// forwarder so both apply identical route matching and header/URL
// rewrite policy.
type Proxy struct {
	Resolver *proxy.Resolver
	Errors   proxy.ErrorHandler
	Dialer   *websocket.Dialer
}

// New builds a Proxy sharing res's routing policy.
func New(res *proxy.Resolver, errs proxy.ErrorHandler) *Proxy {
	return &Proxy{
		Resolver: res,
		Errors:   errs,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// IsUpgrade reports whether r carries a WebSocket upgrade request.
func IsUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// ServeHTTP connects to the upstream backend first and only completes the
// downstream upgrade once that succeeds: a client must never see a
// successful upgrade when its backend is unreachable.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, ok := p.Resolver.Resolve(r)
	if !ok {
		p.Errors.HandleError(w, r, http.StatusNotFound, nil)
		return
	}

	upstreamURL := p.Resolver.RewriteURL(target, r)
	scheme, err := proxy.WSScheme(upstreamURL)
	if err != nil {
		p.Errors.HandleError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	wsURL := *upstreamURL
	wsURL.Scheme = scheme

	ctx := r.Context()
	var cancel context.CancelFunc
	if p.Resolver.Cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.Resolver.Cfg.Timeout)
		defer cancel()
	}

	upstreamHeader := stripHopByHop(p.Resolver.BuildHeaders(r))

	upConn, httpResp, err := p.Dialer.DialContext(ctx, wsURL.String(), upstreamHeader)
	if err != nil {
		if httpResp != nil {
			// The upstream answered with a non-101 HTTP response: relay its
			// status to the client rather than masking it as a 503.
			w.WriteHeader(httpResp.StatusCode)
			return
		}
		p.Errors.HandleError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	defer upConn.Close()

	downConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().Error().Err(err).Str("path", r.URL.Path).Msg("websocket: downstream upgrade failed after upstream connected")
		return
	}
	defer downConn.Close()

	done := make(chan struct{}, 2)
	go p.relay(downConn, upConn, target.Prefix, done)
	go p.relay(upConn, downConn, target.Prefix, done)
	<-done
}

// relay copies frames from src to dst until either side closes, touching
// last_activity on every successfully relayed frame.
func (p *Proxy) relay(dst, src *websocket.Conn, prefix string, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.L().Debug().Err(err).Str("prefix", prefix).Msg("websocket: connection closed")
			}
			_ = dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
		p.Resolver.Store.Touch(prefix)
	}
}

// stripHopByHop removes headers net/http and the WebSocket handshake
// itself must own, leaving the rest (custom headers, X-Forwarded-*) to
// accompany the upstream handshake request.
func stripHopByHop(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range []string{"Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Extensions", "Sec-Websocket-Protocol"} {
		out.Del(k)
	}
	return out
}
