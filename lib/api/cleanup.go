package api

import (
	"encoding/json"
	"net/http"

	"github.com/runnerhub/runnerhub/lib/auth"
	"github.com/runnerhub/runnerhub/lib/containers"
)

func registerCleanupRoutes(mux *http.ServeMux, d Deps) {
	mux.Handle("POST /api/cleanup/trigger", guard(d, auth.ObjectCleanup, auth.ActionTrigger, handleCleanupTrigger(d)))
	mux.Handle("GET /api/cleanup/policies", guard(d, auth.ObjectCleanup, auth.ActionList, handleListPolicies(d)))
	mux.Handle("PUT /api/cleanup/policies/{owner}/{repo}", guard(d, auth.ObjectCleanup, auth.ActionUpdate, handleSetPolicy(d)))
}

// handleCleanupTrigger backs `POST /api/cleanup/trigger`: runs one
// off-schedule Cleanup pass under the default policy, the same policy
// CleanupLoop applies every 60s.
func handleCleanupTrigger(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Cleanup.Cleanup(containers.DefaultCleanupPolicy()); err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func handleListPolicies(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policies, err := d.Cleanup.Policies()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
	}
}

func handleSetPolicy(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo := poolRepo(r)
		var policy containers.CleanupPolicy
		if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request")
			return
		}
		if err := d.Cleanup.SetPolicy(repo, policy); err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
