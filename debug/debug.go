/*
Package debug exposes a running node's internal state as JSON over
HTTP, for cmd/dtrackctl to poll: the peer registry, the routing table,
and the current global tracks. It shares the monitoring port with
stats.PromCollector's /metrics handler rather than opening a socket of
its own.
*/
package debug

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/dtrack-fleet/dtrack/registry"
	"github.com/dtrack-fleet/dtrack/routing"
	"github.com/dtrack-fleet/dtrack/tracker"
)

// Register adds the /debug/peers, /debug/routes, and /debug/tracks
// handlers to mux.
func Register(mux *http.ServeMux, reg *registry.Registry, table *routing.Table, trackerEngine *tracker.Engine) {
	mux.HandleFunc("/debug/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, reg)
	})
	mux.HandleFunc("/debug/routes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, table.Snapshot())
	})
	mux.HandleFunc("/debug/tracks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, trackerEngine.Snapshot())
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("debug: encoding response: %v", err)
	}
}
