// Starting point for the runnerhub daemon.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/runnerhub/runnerhub/lib/api"
	"github.com/runnerhub/runnerhub/lib/auth"
	"github.com/runnerhub/runnerhub/lib/autoscaler"
	"github.com/runnerhub/runnerhub/lib/bus"
	"github.com/runnerhub/runnerhub/lib/config"
	"github.com/runnerhub/runnerhub/lib/containers"
	"github.com/runnerhub/runnerhub/lib/githubapp"
	"github.com/runnerhub/runnerhub/lib/ha"
	"github.com/runnerhub/runnerhub/lib/ingress"
	"github.com/runnerhub/runnerhub/lib/log"
	"github.com/runnerhub/runnerhub/lib/pool"
	"github.com/runnerhub/runnerhub/lib/queue"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/util"
)

// shutdownGrace bounds how long the daemon waits for in-flight dispatch
// cycles to drain on SIGTERM, per spec.md §5.
const shutdownGrace = 30 * time.Second

func main() {
	cmd := &cobra.Command{
		Use:   "runnerhub",
		Short: "RunnerHub",
		Long:  "Self-hosted GitHub Actions runner orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + util.RandString(8)
	}

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	log.Init(os.Stderr, level, cfg.LogJSON)

	logger := log.WithFunc("main", "run")
	logger.Info("RunnerHub starting", "node_id", cfg.NodeID, "ha_enabled", cfg.HAEnabled)

	st, err := store.Open(cfg.DBURL)
	if err != nil {
		return err
	}
	defer st.Close()

	b := bus.New()

	ghClient, err := githubapp.New(cfg)
	if err != nil {
		return err
	}

	haCoord := ha.New(st, b, cfg)

	containersMgr := containers.New(st, b, ghClient, *cfg)

	var provisioner pool.Provisioner = containersMgr
	var prewarmer *autoscaler.Prewarmer
	if cfg.PrewarmPoolSize > 0 {
		prewarmer = autoscaler.NewPrewarmer(containersMgr, st, cfg)
		provisioner = prewarmer
		logger.Info("pre-warming enabled", "pool_size", cfg.PrewarmPoolSize)
	}

	poolMgr := pool.New(st, b, provisioner)

	q := queue.New(st, b)
	if n, err := q.Recover(); err != nil {
		logger.Error("initial queue recovery failed", "err", err)
	} else if n > 0 {
		logger.Info("recovered expired reservations at startup", "count", n)
	}

	webhook := ingress.New(cfg.WebhookSecret, st, b, q)

	predictor := autoscaler.NewPredictor(b)
	analytics := autoscaler.NewAnalytics(st)
	var optimizer *autoscaler.Optimizer
	var budget autoscaler.BudgetGate
	if cfg.BudgetDaily > 0 || cfg.BudgetMonthly > 0 {
		optimizer = autoscaler.NewOptimizer(poolMgr, b, cfg)
		budget = optimizer
	}
	controller := autoscaler.NewController(poolMgr, budget, b, cfg, st)
	coordinator := autoscaler.NewCoordinator(poolMgr, q, predictor, analytics, controller, prewarmer, optimizer)

	dispatcher := queue.NewDispatcher(q, poolMgr, containersMgr, cfg.NodeID, 10)

	enforcer, err := auth.NewEnforcer()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is unset, Control API bearer tokens cannot be validated")
	}

	apiServer, err := api.New(cfg.ListenAddr, api.Deps{
		Store:     st,
		Pools:     poolMgr,
		Queue:     q,
		Cleanup:   containersMgr,
		HA:        haCoord,
		Enforcer:  enforcer,
		JWTSecret: []byte(cfg.JWTSecret),
		Webhook:   webhook,
	})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	gates := []*ha.Gate{
		ha.NewGate("pool-evaluate", poolMgr.EvaluateLoop, b),
		ha.NewGate("containers-monitor", containersMgr.MonitorLoop, b),
		ha.NewGate("containers-cleanup", func(d <-chan struct{}) {
			containersMgr.CleanupLoop(d, containers.DefaultCleanupPolicy())
		}, b),
		ha.NewGate("queue-recover", q.RecoverLoop, b),
		ha.NewGate("autoscaler-coordinator", coordinator.Run, b),
		ha.NewGate("analytics-prune", analytics.PruneLoop, b),
	}
	for _, g := range gates {
		go g.Run(done)
	}
	go haCoord.Run(done)

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		dispatcher.Run(dispatchCtx)
		close(dispatchDone)
	}()

	logger.Info("RunnerHub initialized", "listen_addr", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("RunnerHub shutting down")
	close(done)
	cancelDispatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		logger.Warn("dispatcher did not drain within the shutdown grace period")
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server forced to shutdown", "err", err)
	}

	logger.Info("RunnerHub stopped")
	return nil
}
