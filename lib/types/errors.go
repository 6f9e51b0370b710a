package types

import "errors"

// Error taxonomy per spec.md §7: components convert low-level errors into
// one of these kinds at their boundary, which then drives recovery policy
// (retry, dead-letter, surface to operator, ...).
var (
	// ErrValidation: bad signature, malformed payload, unknown event.
	// Reject the request; never retried.
	ErrValidation = errors.New("runnerhub: validation error")

	// ErrTransientExternal: container daemon timeout, GitHub 5xx/429,
	// cache hiccup. Retry with exponential backoff.
	ErrTransientExternal = errors.New("runnerhub: transient external error")

	// ErrPermanentExternal: GitHub 404 for a known job, image not found.
	// Fail the job, no retry.
	ErrPermanentExternal = errors.New("runnerhub: permanent external error")

	// ErrConflict: optimistic-concurrency conflict on a state transition.
	// Retry the surrounding operation with a fresh read.
	ErrConflict = errors.New("runnerhub: conflict")

	// ErrQuota: scale-up blocked by cost budget.
	ErrQuota = errors.New("runnerhub: quota exceeded")

	// ErrFatalInternal: corrupted state, invariant violation. Surface to
	// the operator via the health endpoint; refuse the affected key
	// until manual intervention.
	ErrFatalInternal = errors.New("runnerhub: fatal internal error")
)
