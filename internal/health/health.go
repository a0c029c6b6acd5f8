// Package health implements the data-plane health endpoint.
package health

import (
	"encoding/json"
	"net/http"
)

// Path is the well-known health-check path, handled before any routing
// lookup and never forwarded even if a route matches it.
const Path = "/_chp_healthz"

type status struct {
	Status string `json:"status"`
}

// Check writes the proxy's liveness response. It reports process
// liveness only; the proxy does not health-check its backends, so there
// is nothing further to probe.
func Check(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status{Status: "OK"})
}
