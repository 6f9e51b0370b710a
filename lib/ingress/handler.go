// Package ingress implements C1: the webhook intake pipeline that verifies,
// deduplicates, and turns GitHub workflow_job deliveries into Jobs.
package ingress

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/githubapp"
	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
	"github.com/runnerhub/runnerhub/lib/util"
)

// allowedEvents is the §4.1 step 3 event allow-list; anything else is
// accepted but ignored.
var allowedEvents = []string{
	"workflow_job", "workflow_run", "push", "pull_request",
	"deployment", "security_advisory", "ping",
}

// Enqueuer is the slice of C2 ingress depends on: handing a newly-pending
// Job to the queue. Kept as an interface so lib/ingress never imports
// lib/queue directly.
type Enqueuer interface {
	Enqueue(job *types.Job) error
}

// Handler serves the webhook HTTP endpoint (§6 `/webhook/github`).
type Handler struct {
	secret []byte
	store  *store.Store
	bus    *bus.Bus
	queue  Enqueuer
	limit  *ipLimiter
}

// New builds a Handler. secret is the configured webhook HMAC secret.
func New(secret string, st *store.Store, b *bus.Bus, q Enqueuer) *Handler {
	h := &Handler{
		secret: []byte(secret),
		store:  st,
		bus:    b,
		queue:  q,
		limit:  newIPLimiter(),
	}
	go h.evictLoop()
	return h
}

func (h *Handler) evictLoop() {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for range t.C {
		h.limit.evict()
	}
}

// ServeHTTP implements the full §4.1 pipeline: verify the HMAC signature
// (step 1) before consulting the per-IP rate limiter (step 2), so an
// unauthenticated caller can't burn through a legitimate sender's rate
// budget by flooding unsigned requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFunc("ingress", "ServeHTTP")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad_request"})
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	eventType := r.Header.Get("X-GitHub-Event")

	if err := githubapp.ValidateSignature(signature, payload, h.secret); err != nil {
		logger.Warn("rejected delivery with invalid signature", "delivery_id", deliveryID)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
		return
	}

	ip := clientIP(r)
	if !h.limit.Allow(ip) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "rate_limited"})
		return
	}

	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	if !slices.Contains(allowedEvents, eventType) {
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "ignored": true})
		return
	}

	sum := sha256.Sum256(payload)
	delivery := &types.Delivery{
		DeliveryID:      deliveryID,
		EventType:       eventType,
		Signature:       signature,
		PayloadHash:     hex.EncodeToString(sum[:]),
		RawPayload:      util.UnparsedJSON(payload),
		ReceivedAt:      time.Now(),
		ProcessingState: types.DeliveryValidated,
	}

	inserted, err := h.store.Collection("deliveries").AddIfAbsent(deliveryID, delivery)
	if err != nil {
		logger.Error("failed to record delivery", "delivery_id", deliveryID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal"})
		return
	}
	if !inserted {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true, "deliveryId": deliveryID})
		return
	}

	if h.bus != nil {
		h.bus.Delivery.Publish(bus.DeliveryEvent{DeliveryID: deliveryID, State: types.DeliveryValidated, At: delivery.ReceivedAt})
	}

	if eventType == "workflow_job" {
		if err := h.processWorkflowJob(deliveryID, payload); err != nil {
			logger.Error("failed to process workflow_job delivery", "delivery_id", deliveryID, "err", err)
			h.markDelivery(deliveryID, types.DeliveryFailed)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal"})
			return
		}
	}

	h.markDelivery(deliveryID, types.DeliveryProcessed)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deliveryId": deliveryID})
}

func (h *Handler) markDelivery(deliveryID string, state types.DeliveryState) {
	var d types.Delivery
	_ = h.store.Collection("deliveries").Mutate(deliveryID, &d, func(exists bool) error {
		if !exists {
			return store.ErrMutateAbort
		}
		d.ProcessingState = state
		return nil
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// clientIP extracts the request's source IP, preferring the first hop of
// X-Forwarded-For when present (runnerhub typically sits behind an ingress
// proxy terminating TLS).
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
