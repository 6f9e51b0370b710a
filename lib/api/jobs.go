package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/runnerhub/runnerhub/lib/auth"
	"github.com/runnerhub/runnerhub/lib/types"
)

const defaultJobPageLimit = 50

func registerJobRoutes(mux *http.ServeMux, d Deps) {
	mux.Handle("GET /api/jobs", guard(d, auth.ObjectJob, auth.ActionList, handleListJobs(d)))
	mux.Handle("POST /api/jobs/delegate", guard(d, auth.ObjectJob, auth.ActionDelegate, handleDelegateJob(d)))
}

// handleListJobs backs `GET /api/jobs?state=&repo=&page=&limit=`: a
// full-collection scan filtered and paginated in memory. The jobs
// collection is small enough (bounded by in-flight + recently-terminal
// work) that this is the straightforward approach, the same "Scan every
// document, filter in the callback" idiom lib/containers.Cleanup uses.
func handleListJobs(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		state := types.JobState(q.Get("state"))
		repo := q.Get("repo")
		page := queryInt(q, "page", 1)
		limit := queryInt(q, "limit", defaultJobPageLimit)
		if page < 1 {
			page = 1
		}
		if limit < 1 {
			limit = defaultJobPageLimit
		}

		jobs := d.Store.Collection("jobs")
		var matched []types.Job
		if err := jobs.Scan(func(id string) error {
			var j types.Job
			if err := jobs.Get(id, &j); err != nil {
				return nil
			}
			if state != "" && j.State != state {
				return nil
			}
			if repo != "" && j.Repository != repo {
				return nil
			}
			matched = append(matched, j)
			return nil
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}

		start := (page - 1) * limit
		end := start + limit
		if start > len(matched) {
			start = len(matched)
		}
		if end > len(matched) {
			end = len(matched)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":  matched[start:end],
			"total": len(matched),
			"page":  page,
			"limit": limit,
		})
	}
}

type delegateRequest struct {
	JobID      string   `json:"jobId"`
	RunID      string   `json:"runId"`
	Repository string   `json:"repository"`
	Workflow   string   `json:"workflow"`
	Labels     []string `json:"labels"`
}

// handleDelegateJob backs `POST /api/jobs/delegate`: manual job injection
// bypassing the webhook pipeline, for operator-triggered re-runs or
// out-of-band dispatch. Writes the Job durably first, same ordering
// lib/ingress's jobQueued uses, so a crash between the write and the
// in-memory admit is recovered by Queue.Recover rather than lost.
func handleDelegateJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req delegateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request")
			return
		}
		if req.Repository == "" || req.JobID == "" {
			writeError(w, http.StatusBadRequest, "repository and jobId are required")
			return
		}

		now := time.Now()
		delegationID := uuid.NewString()
		job := &types.Job{
			JobID:          req.JobID,
			RunID:          req.RunID,
			Repository:     req.Repository,
			Workflow:       req.Workflow,
			Labels:         req.Labels,
			State:          types.JobPending,
			MaxAttempts:    3,
			CreatedAt:      now,
			ScheduledRunAt: now,
			DelegationID:   delegationID,
		}

		inserted, err := d.Store.Collection("jobs").AddIfAbsent(job.JobID, job)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		if !inserted {
			writeError(w, http.StatusConflict, "job already exists")
			return
		}

		if err := d.Queue.Enqueue(job); err != nil {
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "delegationId": delegationID})
	}
}

func queryInt(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
