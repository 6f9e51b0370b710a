package api

import (
	"encoding/json"
	"net/http"

	"github.com/runnerhub/runnerhub/lib/auth"
	"github.com/runnerhub/runnerhub/lib/types"
)

// Pool identifiers are "owner/repo" GitHub slugs, which don't survive a
// single {repo} path segment cleanly (net/http's mux matches against the
// already-%2F-decoded URL.Path). Every pool route below therefore takes
// owner and repo as separate segments and rejoins them before calling
// into PoolsAPI.
func registerPoolRoutes(mux *http.ServeMux, d Deps) {
	mux.Handle("GET /api/runners/pools", guard(d, auth.ObjectPool, auth.ActionList, handleListPools(d)))
	mux.Handle("GET /api/runners/pools/{owner}/{repo}", guard(d, auth.ObjectPool, auth.ActionRead, handleGetPool(d)))
	mux.Handle("PUT /api/runners/pools/{owner}/{repo}", guard(d, auth.ObjectPool, auth.ActionUpdate, handleUpdatePool(d)))
	mux.Handle("POST /api/runners/pools/{owner}/{repo}/scale", guard(d, auth.ObjectPool, auth.ActionScale, handleScalePool(d)))
	mux.Handle("GET /api/runners/pools/{owner}/{repo}/metrics", guard(d, auth.ObjectPool, auth.ActionRead, handlePoolMetrics(d)))
}

func poolRepo(r *http.Request) string {
	return r.PathValue("owner") + "/" + r.PathValue("repo")
}

func handleListPools(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repos, err := d.Pools.Repositories()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		pools := make([]types.RunnerPool, 0, len(repos))
		for _, repo := range repos {
			p, err := d.Pools.GetOrCreatePool(repo)
			if err != nil {
				continue
			}
			pools = append(pools, p)
		}
		writeJSON(w, http.StatusOK, map[string]any{"pools": pools})
	}
}

func handleGetPool(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo := poolRepo(r)
		p, err := d.Pools.GetOrCreatePool(repo)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		runners, err := d.Pools.ListRunners(repo)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pool": p, "runners": runners})
	}
}

func handleUpdatePool(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo := poolRepo(r)
		var cfg types.RunnerPool
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request")
			return
		}
		cfg.Repository = repo
		if err := d.Pools.UpdatePool(repo, cfg); err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

type scaleRequest struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// handleScalePool backs `POST /api/runners/pools/:repo/scale`: an
// operator-issued override of the Scaling Controller's own decisions, so
// count defaults to 1 in either direction when unset.
func handleScalePool(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo := poolRepo(r)
		var req scaleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request")
			return
		}

		count := req.Count
		if count <= 0 {
			count = 1
		}

		var delta int
		switch req.Action {
		case "up":
			delta = count
		case "down":
			delta = -count
		default:
			writeError(w, http.StatusBadRequest, "action must be up or down")
			return
		}

		if err := d.Pools.Scale(repo, delta); err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// handlePoolMetrics backs `GET /api/runners/pools/:repo/metrics`:
// current utilization plus the pool's recent entries in scaling_log,
// populated by lib/autoscaler.Controller.record.
func handlePoolMetrics(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repo := poolRepo(r)
		current, busy, err := d.Pools.PoolStats(repo)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}

		var history []types.ScalingDecision
		if d.Store != nil {
			log := d.Store.Collection("scaling_log")
			_ = log.Scan(func(id string) error {
				var dec types.ScalingDecision
				if err := log.Get(id, &dec); err != nil {
					return nil
				}
				if dec.Pool == repo {
					history = append(history, dec)
				}
				return nil
			})
		}

		denom := current
		if denom < 1 {
			denom = 1
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"repository":  repo,
			"current":     current,
			"busy":        busy,
			"utilization": float64(busy) / float64(denom),
			"history":     history,
		})
	}
}
