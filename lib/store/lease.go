package store

import "time"

const leaseCollection = "leader_lease"

type leaseDoc struct {
	Holder       string    `json:"holder"`
	Term         int64     `json:"term"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RenewalCount int64     `json:"renewal_count"`
}

// LeaseState is the read-only view of a lease returned to callers.
type LeaseState struct {
	Holder       string
	Term         int64
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	RenewalCount int64
}

// AcquireLease implements the spec's "SET key=holder_id EX ttl NX":
// it succeeds only if no unexpired lease exists for key, storing holder
// with a fresh term and expiry. Returns the resulting lease state and
// whether the caller became the holder.
func (s *Store) AcquireLease(key, holder string, ttl time.Duration) (LeaseState, bool, error) {
	c := s.Collection(leaseCollection)
	var doc leaseDoc
	now := time.Now()
	var acquired bool

	err := c.Mutate(key, &doc, func(exists bool) error {
		if exists && doc.ExpiresAt.After(now) {
			acquired = false
			return ErrMutateAbort
		}
		term := doc.Term + 1
		doc = leaseDoc{
			Holder:       holder,
			Term:         term,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(ttl),
			RenewalCount: 0,
		}
		acquired = true
		return nil
	})
	if err != nil {
		return LeaseState{}, false, err
	}
	return leaseState(doc), acquired, nil
}

// RenewLease extends the TTL of a lease the caller already holds. It is a
// compare-and-swap on the current holder: if another node has since become
// holder (even mid-renewal-race), the renewal is refused so a stale leader
// can never silently keep writing.
func (s *Store) RenewLease(key, holder string, ttl time.Duration) (LeaseState, bool, error) {
	c := s.Collection(leaseCollection)
	var doc leaseDoc
	now := time.Now()
	var renewed bool

	err := c.Mutate(key, &doc, func(exists bool) error {
		if !exists || doc.Holder != holder {
			renewed = false
			return ErrMutateAbort
		}
		doc.ExpiresAt = now.Add(ttl)
		doc.RenewalCount++
		renewed = true
		return nil
	})
	if err != nil {
		return LeaseState{}, false, err
	}
	return leaseState(doc), renewed, nil
}

// ReleaseLease relinquishes a lease the caller holds, e.g. on graceful
// shutdown, letting another node acquire it immediately instead of waiting
// out the TTL.
func (s *Store) ReleaseLease(key, holder string) error {
	c := s.Collection(leaseCollection)
	var doc leaseDoc
	return c.Mutate(key, &doc, func(exists bool) error {
		if !exists || doc.Holder != holder {
			return ErrMutateAbort
		}
		doc.ExpiresAt = time.Time{}
		return nil
	})
}

// GetLease returns the current lease state for key.
func (s *Store) GetLease(key string) (LeaseState, error) {
	var doc leaseDoc
	if err := s.Collection(leaseCollection).Get(key, &doc); err != nil {
		return LeaseState{}, err
	}
	return leaseState(doc), nil
}

func leaseState(d leaseDoc) LeaseState {
	return LeaseState{
		Holder:       d.Holder,
		Term:         d.Term,
		AcquiredAt:   d.AcquiredAt,
		ExpiresAt:    d.ExpiresAt,
		RenewalCount: d.RenewalCount,
	}
}
