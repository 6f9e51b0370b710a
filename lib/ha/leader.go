// Package ha implements C6: leader election over the shared store's lease
// primitive, and fail-over of the leader-gated control loops (C3's pool
// scaler, C4's cleanup scheduler, C5's coordinator).
package ha

import (
	"time"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/config"
	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/store"
)

const leaseKey = "control-plane"

// pollInterval is how often a follower checks whether the lease has come
// free, per §4.6 ("on failure, becomes follower and polls every 3s").
const pollInterval = 3 * time.Second

// Coordinator runs the leader-election loop for one node: it attempts to
// acquire leadership, renews on a ticker while it holds it, and falls back
// to polling as a follower. Every leadership change is published on the
// LeadershipEvent channel so C3, C4 and C5's leader-gated loops can start
// or stop within the bound §4.6 gives them.
type Coordinator struct {
	st     *store.Store
	bus    *bus.Bus
	cfg    *config.Config
	nodeID string

	isLeader bool
	term     int64
}

// New builds a Coordinator for this node. nodeID must be unique across the
// cluster; config validation already enforces it's set when HA is enabled.
func New(st *store.Store, b *bus.Bus, cfg *config.Config) *Coordinator {
	return &Coordinator{st: st, bus: b, cfg: cfg, nodeID: cfg.NodeID}
}

// IsLeader reports whether this node currently holds the lease.
func (c *Coordinator) IsLeader() bool {
	return c.isLeader
}

// Term returns the lease term last observed by this node, win or lose.
func (c *Coordinator) Term() int64 {
	return c.term
}

// Run drives the election loop until done is closed. While leader, it
// renews the lease every LeaderRenewInterval; on renewal failure or an
// observed ownership change it immediately relinquishes and falls back to
// polling at pollInterval, per §4.6.
func (c *Coordinator) Run(done <-chan struct{}) {
	logger := log.WithFunc("ha", "Run").With("node_id", c.nodeID)

	if !c.cfg.HAEnabled {
		logger.Info("HA disabled, running as permanent leader")
		c.becomeLeader(logger, 0)
		<-done
		return
	}

	for {
		if c.isLeader {
			if !c.renewOrStepDown(logger) {
				continue
			}
			select {
			case <-done:
				c.stepDown(logger, "shutting down")
				return
			case <-time.After(c.cfg.LeaderRenewInterval):
			}
			continue
		}

		if c.tryAcquire(logger) {
			continue
		}

		select {
		case <-done:
			return
		case <-time.After(pollInterval):
		}
	}
}

// tryAcquire attempts the atomic SET-if-not-exists-or-expired that decides
// the next leader. Returns true if this node won the election.
func (c *Coordinator) tryAcquire(logger *log.Logger) bool {
	state, acquired, err := c.st.AcquireLease(leaseKey, c.nodeID, c.cfg.LeaderTTL)
	if err != nil {
		logger.Error("failed to attempt lease acquisition", "err", err)
		return false
	}
	if !acquired {
		return false
	}
	c.becomeLeader(logger, state.Term)
	return true
}

// renewOrStepDown renews this node's lease, conditional on this node still
// being the recorded holder. A failed renewal - whether from a lost
// compare-and-swap or a storage error - means another node may have taken
// over, so this node steps down immediately rather than keep acting as
// leader on stale information.
func (c *Coordinator) renewOrStepDown(logger *log.Logger) bool {
	state, renewed, err := c.st.RenewLease(leaseKey, c.nodeID, c.cfg.LeaderTTL)
	if err != nil {
		logger.Error("lease renewal error, stepping down", "err", err)
		c.stepDown(logger, "renewal error")
		return false
	}
	if !renewed {
		logger.Warn("lost lease ownership, stepping down")
		c.stepDown(logger, "ownership changed")
		return false
	}
	c.term = state.Term
	return true
}

func (c *Coordinator) becomeLeader(logger *log.Logger, term int64) {
	c.isLeader = true
	c.term = term
	logger.Info("became leader", "term", term)
	if c.bus != nil {
		c.bus.Leadership.Publish(bus.LeadershipEvent{IsLeader: true, Term: term, At: time.Now()})
	}
}

func (c *Coordinator) stepDown(logger *log.Logger, reason string) {
	if !c.isLeader {
		return
	}
	c.isLeader = false
	logger.Info("became follower", "reason", reason, "term", c.term)
	if c.bus != nil {
		c.bus.Leadership.Publish(bus.LeadershipEvent{IsLeader: false, Term: c.term, At: time.Now()})
	}
	if err := c.st.ReleaseLease(leaseKey, c.nodeID); err != nil {
		logger.Debug("release on step-down failed, will expire via TTL", "err", err)
	}
}

// Status is the read model behind GET /api/system/ha/status.
type Status struct {
	IsLeader      bool
	CurrentLeader string
	Term          int64
}

// CurrentStatus reads the live lease state, falling back to this node's own
// view (IsLeader/Term) if the lease has expired or been removed between
// calls.
func (c *Coordinator) CurrentStatus() (Status, error) {
	lease, err := c.st.GetLease(leaseKey)
	if err != nil || !lease.ExpiresAt.After(time.Now()) {
		return Status{IsLeader: c.isLeader, Term: c.term}, nil
	}
	return Status{
		IsLeader:      lease.Holder == c.nodeID,
		CurrentLeader: lease.Holder,
		Term:          lease.Term,
	}, nil
}
