// Package errorpage implements the three-tier error pipeline: a custom
// error_target subrequest, a static error_path file, and finally a
// minimal built-in page.
package errorpage

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chp-go/chp/internal/config"
	"github.com/chp-go/chp/internal/logging"
)

// Handler implements proxy.ErrorHandler and wsproxy's equivalent contract.
type Handler struct {
	Cfg    *config.Config
	Client *http.Client
}

// New builds a Handler using cfg's error_target/error_path settings.
func New(cfg *config.Config) *Handler {
	return &Handler{
		Cfg:    cfg,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// HandleError serves the error response for code: the custom error_target
// subrequest when error_target is set, otherwise a static error_path file
// when error_path is set, and the built-in page when that mode fails or
// neither is set. cause is logged (Warn for 4xx, Error for 5xx) but never
// shown to the client.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, code int, cause error) {
	ev := logging.L().Error()
	if code < 500 {
		ev = logging.L().Warn()
	}
	ev.Int("code", code).Str("method", r.Method).Str("path", r.URL.Path).Err(cause).Msg("proxy error")

	if h.Cfg.ErrorTarget != "" {
		if h.serveCustomTarget(w, r, code) {
			return
		}
	} else if h.Cfg.ErrorPath != "" {
		if h.serveStaticFile(w, code) {
			return
		}
	}
	h.serveDefault(w, code)
}

// serveCustomTarget issues GET $errorTarget/$code?url=$escapedPath and
// mirrors its status/headers/body verbatim on success.
func (h *Handler) serveCustomTarget(w http.ResponseWriter, r *http.Request, code int) bool {
	target, err := url.Parse(h.Cfg.ErrorTarget)
	if err != nil {
		logging.L().Error().Err(err).Str("error_target", h.Cfg.ErrorTarget).Msg("invalid error_target")
		return false
	}
	target.Path = strings.TrimSuffix(target.Path, "/") + "/" + strconv.Itoa(code)
	target.RawQuery = "url=" + url.QueryEscape(r.URL.Path)

	resp, err := h.Client.Get(target.String())
	if err != nil {
		logging.L().Error().Err(err).Str("target", target.String()).Msg("failed to reach custom error page")
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logging.L().Error().Err(err).Msg("failed to read custom error page body")
		return false
	}

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
	return true
}

// serveStaticFile serves $errorPath/$code.html, falling back to
// $errorPath/error.html.
func (h *Handler) serveStaticFile(w http.ResponseWriter, code int) bool {
	candidates := []string{
		filepath.Join(h.Cfg.ErrorPath, fmt.Sprintf("%d.html", code)),
		filepath.Join(h.Cfg.ErrorPath, "error.html"),
	}
	for _, path := range candidates {
		body, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				logging.L().Error().Err(err).Str("file", path).Msg("error reading error page file")
			}
			continue
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(code)
		_, _ = w.Write(body)
		return true
	}
	return false
}

// serveDefault renders the built-in minimal fallback page.
func (h *Handler) serveDefault(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(code)
	fmt.Fprintf(w, "<html><head><title>%d: %s</title></head><body>%d: %s</body></html>", code, http.StatusText(code), code, http.StatusText(code))
}
