// Package server wires the data-plane and control-plane listeners
// together: two independent http.Servers sharing nothing but the route
// store underneath them.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/chp-go/chp/internal/health"
	"github.com/chp-go/chp/internal/logging"
	"github.com/chp-go/chp/internal/proxy"
	"github.com/chp-go/chp/internal/wsproxy"
)

// HTTPServer wraps an http.Server with named start/stop logging.
type HTTPServer struct {
	server *http.Server
	name   string
}

// dataPlaneHandler dispatches /_chp_healthz before any routing lookup,
// then splits between the WebSocket and plain HTTP forwarders based on
// the Upgrade header.
type dataPlaneHandler struct {
	httpProxy *proxy.Proxy
	wsProxy   *wsproxy.Proxy
}

func (h *dataPlaneHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == health.Path {
		health.Check(w, r)
		return
	}
	if wsproxy.IsUpgrade(r) {
		h.wsProxy.ServeHTTP(w, r)
		return
	}
	h.httpProxy.ServeHTTP(w, r)
}

// NewDataPlane builds the data-plane listener: health check, WebSocket
// upgrades, and plain HTTP forwarding all multiplexed on one handler.
// Read/write timeouts are deliberately left to the proxy's own
// timeout/proxy_timeout settings rather than the listener, since
// WebSocket connections are long-lived.
func NewDataPlane(addr string, httpProxy *proxy.Proxy, wsProxy *wsproxy.Proxy) *HTTPServer {
	handler := &dataPlaneHandler{httpProxy: httpProxy, wsProxy: wsProxy}
	return &HTTPServer{
		name: "data plane",
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// NewControlPlane builds the control-plane listener around the REST API.
func NewControlPlane(addr string, apiHandler http.Handler) *HTTPServer {
	return &HTTPServer{
		name: "control plane",
		server: &http.Server{
			Addr:              addr,
			Handler:           apiHandler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

func (h *HTTPServer) Start() error {
	logging.L().Info().Str("component", h.name).Str("addr", h.server.Addr).Msg("starting listener")
	err := h.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *HTTPServer) Stop(ctx context.Context) error {
	logging.L().Info().Str("component", h.name).Msg("shutting down listener")
	return h.server.Shutdown(ctx)
}
