package api

import (
	"net/http"

	"github.com/runnerhub/runnerhub/lib/auth"
)

func registerSystemRoutes(mux *http.ServeMux, d Deps) {
	mux.HandleFunc("GET /health", handleHealth(d))
	mux.Handle("GET /api/system/ha/status", guard(d, auth.ObjectSystem, auth.ActionRead, handleHAStatus(d)))
}

// handleHealth backs `GET /health`: unauthenticated, cheap enough to be
// hit by a liveness probe every few seconds.
func handleHealth(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := true
		if d.Store != nil {
			if _, err := d.Store.Stats(); err != nil {
				dbOK = false
			}
		}

		status := "ok"
		if !dbOK {
			status = "degraded"
		}

		leader := false
		if d.HA != nil {
			if st, err := d.HA.CurrentStatus(); err == nil {
				leader = st.IsLeader
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status": status,
			// the store doubles as both the durable DB and the shared
			// cache (store.Store's own doc comment), so one reachability
			// check covers both.
			"db":     dbOK,
			"cache":  dbOK,
			"leader": leader,
		})
	}
}

func handleHAStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := d.HA.CurrentStatus()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"isLeader":      st.IsLeader,
			"currentLeader": st.CurrentLeader,
			"term":          st.Term,
		})
	}
}
