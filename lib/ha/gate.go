package ha

import (
	"sync"

	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/log"
)

// LoopFunc is the shape every leader-gated control loop already implements:
// lib/pool.Manager.EvaluateLoop, lib/containers.Manager.MonitorLoop/
// CleanupLoop, lib/queue.Queue.RecoverLoop, lib/autoscaler.Coordinator.Run
// and lib/autoscaler.Analytics.PruneLoop all take exactly this shape.
type LoopFunc func(done <-chan struct{})

// Gate subscribes one LoopFunc to LeadershipEvent: it starts the loop in
// its own goroutine on became_leader, and stops it (closing done) on
// became_follower. Per §4.6 a follower must stop within 1s of losing
// leadership - closing the channel is immediate, so the bound is however
// long the loop body takes to notice.
type Gate struct {
	name string
	loop LoopFunc
	b    *bus.Bus

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewGate wraps loop so it only runs while this node is leader. name is
// used purely for logging.
func NewGate(name string, loop LoopFunc, b *bus.Bus) *Gate {
	return &Gate{name: name, loop: loop, b: b}
}

// Run subscribes to leadership changes and drives loop's lifecycle until
// stop is closed.
func (g *Gate) Run(stop <-chan struct{}) {
	logger := log.WithFunc("ha", "Gate.Run").With("loop", g.name)
	ch := g.b.Leadership.Subscribe(4)
	defer g.b.Leadership.Unsubscribe(ch)

	for {
		select {
		case <-stop:
			g.stopLoop(logger)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.IsLeader {
				g.startLoop(logger)
			} else {
				g.stopLoop(logger)
			}
		}
	}
}

func (g *Gate) startLoop(logger *log.Logger) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done != nil {
		return
	}
	logger.Info("starting leader-gated loop")
	done := make(chan struct{})
	g.done = done
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.loop(done)
	}()
}

func (g *Gate) stopLoop(logger *log.Logger) {
	g.mu.Lock()
	done := g.done
	g.done = nil
	g.mu.Unlock()
	if done == nil {
		return
	}
	logger.Info("stopping leader-gated loop")
	close(done)
	g.wg.Wait()
}
