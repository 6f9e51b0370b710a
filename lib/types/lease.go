package types

import "time"

// LeaderLease is the coordination token C6 hands out; at most one HolderID
// has ExpiresAt in the future at any instant.
type LeaderLease struct {
	HolderID     string    `json:"holder_id"`
	Term         int64     `json:"term"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RenewalCount int64     `json:"renewal_count"`
}
