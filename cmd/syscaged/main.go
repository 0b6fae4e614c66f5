// Package main — cmd/syscaged/main.go
//
// syscaged agent entrypoint.
//
// Startup sequence:
//  1. Root check — abort if not running as root.
//  2. Load and validate config from /etc/syscage/config.yaml.
//  3. Initialise structured logger (zap, JSON format).
//  4. Open BoltDB storage.
//  5. Prune stale audit entries.
//  6. Load BPF programs (kernel version check, LSM check, CO-RE load, pin, attach).
//  7. Drop CAP_SYS_ADMIN from the bounding set (other capabilities untouched).
//  8. Load policy (rule files → live BPF maps) via internal/policyctl.
//  9. Start cgroup descendant watcher.
// 10. Start Prometheus metrics server.
// 11. Start ring buffer event processor + drain goroutine.
// 12. Start operator Unix socket server (if enabled).
// 13. Start gossip server + broadcaster (if enabled).
// 14. Register SIGHUP handler for config hot-reload.
// 15. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Wait for the event channel to drain (max 5s).
//  3. Close BPF objects (detach LSM links; pinned maps survive the process).
//  4. Close BoltDB.
//  5. Flush logger.
//  6. Exit 0.
//
// On BPF load failure: exit 1 immediately (no partial state).
// On config or initial policy load failure: exit 1 immediately.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/syscage/syscage/internal/cgroupset"
	"github.com/syscage/syscage/internal/config"
	"github.com/syscage/syscage/internal/gossip"
	"github.com/syscage/syscage/internal/lsm"
	"github.com/syscage/syscage/internal/observability"
	"github.com/syscage/syscage/internal/operator"
	"github.com/syscage/syscage/internal/policyctl"
	"github.com/syscage/syscage/internal/ringwatch"
	"github.com/syscage/syscage/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/syscage/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("syscaged %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Root check ───────────────────────────────────────────────────
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: syscaged must run as root (UID 0)")
		os.Exit(1)
	}

	// ── Step 2: Load config ──────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("syscaged starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Open BoltDB ──────────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 5: Prune stale audit entries ────────────────────────────────────
	pruned, err := db.PruneOldEvents()
	if err != nil {
		log.Warn("audit pruning failed", zap.Error(err))
	} else {
		log.Info("audit trail pruned", zap.Int("deleted", pruned))
	}
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := db.PruneOldEvents(); err != nil {
					log.Warn("audit pruning failed", zap.Error(err))
				} else {
					log.Info("audit trail pruned", zap.Int("deleted", n))
				}
			}
		}
	}()

	// ── Step 6: Load BPF ─────────────────────────────────────────────────────
	log.Info("loading BPF programs...")
	objs, err := lsm.Load(cfg.Agent.PinPath)
	if err != nil {
		log.Fatal("BPF load failed — aborting (no partial state)", zap.Error(err))
	}
	defer objs.Close() //nolint:errcheck
	log.Info("BPF programs loaded and LSM hooks attached")

	// ── Step 7: Drop CAP_SYS_ADMIN ───────────────────────────────────────────
	if err := dropSysAdmin(); err != nil {
		log.Warn("failed to drop CAP_SYS_ADMIN", zap.Error(err))
	} else {
		log.Info("CAP_SYS_ADMIN dropped")
	}

	// ── Step 8: Load policy ──────────────────────────────────────────────────
	ctrl := policyctl.New(objs, cfg, log)
	if err := ctrl.LoadAll(); err != nil {
		log.Fatal("initial policy load failed", zap.Error(err))
	}
	log.Info("policy loaded")

	// ── Step 9: Cgroup watcher ───────────────────────────────────────────────
	watcher := cgroupset.NewWatcher(cfg.Cgroup.RootPath, cfg.Cgroup.ReconcileInterval, ctrl.CgroupPublisher(), log)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Error("cgroup watcher stopped", zap.Error(err))
		}
	}()
	log.Info("cgroup watcher started", zap.String("root", cfg.Cgroup.RootPath))

	// ── Step 10: Metrics ─────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	if !cfg.Agent.LightweightMode {
		go func() {
			if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))
	} else {
		log.Info("lightweight mode: metrics server disabled")
	}

	// ── Step 11: Ring buffer processor ───────────────────────────────────────
	processor := ringwatch.NewProcessor(objs, metrics, log, cfg.NodeID, cfg.Agent.EventQueueSize)
	eventCh, err := processor.Run(ctx)
	if err != nil {
		log.Fatal("ring buffer processor failed to start", zap.Error(err))
	}
	go ringwatch.Drain(ctx, eventCh, db, metrics, log)
	log.Info("ring buffer processor started")

	go sweepPendingExecArgs(ctx, objs, cfg.Agent.PendingExecArgsTTL, log)

	// ── Step 12: Operator socket ─────────────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, ctrl, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Step 13: Gossip ──────────────────────────────────────────────────────
	if cfg.Agent.LightweightMode {
		log.Info("lightweight mode: gossip disabled regardless of gossip.enabled")
	} else if cfg.Gossip.Enabled {
		startGossip(ctx, cfg, ctrl, log)
	} else {
		log.Info("gossip disabled (standalone mode)")
	}

	// ── Step 14: SIGHUP hot-reload ───────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config and policy...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			_ = newCfg // non-destructive fields (log level, default actions,
			// rule file paths) would be applied to ctrl/log here; destructive
			// fields (DB path, BPF pin path, gossip listen address) require a
			// process restart and are intentionally left untouched.
			for _, domain := range []string{"open", "exec", "connect"} {
				if _, err := ctrl.ReloadRules(domain); err != nil {
					log.Error("policy reload failed for domain", zap.String("domain", domain), zap.Error(err))
				}
			}
			log.Info("config hot-reload complete")
		}
	}()

	// ── Step 15: Wait for shutdown signal ────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-func() chan struct{} {
		ch := make(chan struct{})
		go func() {
			for range eventCh {
			}
			close(ch)
		}()
		return ch
	}():
		log.Info("event channel drained")
	}

	log.Info("syscaged shutdown complete")
}

func startGossip(ctx context.Context, cfg *config.Config, ctrl *policyctl.Controller, log *zap.Logger) {
	trustedPeers := map[string]ed25519.PublicKey{} // TODO: load from a peer manifest alongside the TLS material
	gossipSrv := gossip.NewServer(cfg.NodeID, trustedPeers, cfg.Gossip.EnvelopeTTL, ctrl, log)
	go func() {
		if err := gossip.ListenAndServe(ctx, cfg.Gossip.ListenAddr,
			cfg.Gossip.TLSCertFile, cfg.Gossip.TLSKeyFile, cfg.Gossip.TLSCAFile,
			gossipSrv, log); err != nil {
			log.Error("gossip server error", zap.Error(err))
		}
	}()
	log.Info("gossip server started", zap.String("addr", cfg.Gossip.ListenAddr))

	if len(cfg.Gossip.Peers) == 0 {
		log.Info("gossip: no peers configured, broadcaster not started")
		return
	}

	tracker := gossip.NewPeerTracker(gossip.PeerTrackerConfig{
		TotalPeers:         len(cfg.Gossip.Peers),
		PartitionThreshold: cfg.Gossip.PartitionThreshold,
	})
	_, priv, err := ed25519.GenerateKey(nil) // TODO: load the node's persistent signing key from TLSKeyFile
	if err != nil {
		log.Error("gossip: failed to derive signing key, broadcaster not started", zap.Error(err))
		return
	}
	bcast, err := gossip.NewBroadcaster(cfg.NodeID, priv, cfg.Gossip.Peers, ctrl, tracker,
		cfg.Gossip.TLSCertFile, cfg.Gossip.TLSKeyFile, cfg.Gossip.TLSCAFile, log)
	if err != nil {
		log.Error("gossip: broadcaster init failed", zap.Error(err))
		return
	}
	go bcast.Run(ctx, cfg.Gossip.SyncInterval)
	log.Info("gossip broadcaster started", zap.Int("peers", len(cfg.Gossip.Peers)),
		zap.Duration("interval", cfg.Gossip.SyncInterval))
}

func sweepPendingExecArgs(ctx context.Context, objs *lsm.Objects, ttl time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := objs.SweepPendingExecArgs(ttl); err != nil {
				log.Warn("pending exec args sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Debug("swept stale pending exec args", zap.Int("count", n))
			}
		}
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

// dropSysAdmin drops CAP_SYS_ADMIN from the process's capability bounding
// set via prctl(PR_CAPBSET_DROP). lsm.Load has already completed every
// operation that needed it (map pinning, program load/attach); everything
// from here on (ring buffer reads, cgroup ID lookups) only needs CAP_BPF
// and CAP_PERFMON, which are left untouched.
func dropSysAdmin() error {
	const capSysAdmin = 21
	return unix.Prctl(unix.PR_CAPBSET_DROP, capSysAdmin, 0, 0, 0)
}
