package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgenode/xp/pkg/adminhttp"
	"github.com/edgenode/xp/pkg/engineadmin"
	"github.com/edgenode/xp/pkg/ids"
	"github.com/edgenode/xp/pkg/log"
	"github.com/edgenode/xp/pkg/metrics"
	"github.com/edgenode/xp/pkg/probe"
	"github.com/edgenode/xp/pkg/quota"
	"github.com/edgenode/xp/pkg/raftcluster"
	"github.com/edgenode/xp/pkg/reconciler"
	"github.com/edgenode/xp/pkg/security"
	"github.com/edgenode/xp/pkg/supervisor"
)

const (
	xraySystemdUnit        = "xray"
	cloudflaredSystemdUnit = "cloudflared"
	xrayEngineCounterTag   = "inbound>>>probe>>>traffic>>>uplink"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the node daemon: Raft voter, reconciler, quota controller, and admin HTTP surface",
	Long: `serve is the long-running process every cluster node runs: it loads (or
bootstraps) this node's Raft state, dials the local proxy engine's admin
gRPC surface, and starts every background loop that keeps the engine's
running configuration in sync with the replicated desired state (§4.2,
§4.3, §4.7).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("cluster-id", "", "cluster identifier to bootstrap with (first node only; a ULID is generated if omitted)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.NodeName == "" {
		return fmt.Errorf("XP_NODE_NAME is required")
	}

	cluster, err := raftcluster.New(raftcluster.Config{
		NodeID:   cfg.NodeName,
		BindAddr: cfg.Bind,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("load cluster state: %w", err)
	}

	if err := cluster.LoadCAFromDataDir(); err != nil {
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		if clusterID == "" {
			clusterID = ids.New()
		}
		log.Logger.Info().Str("node_id", cfg.NodeName).Str("cluster_id", clusterID).Msg("no existing cluster state found, bootstrapping new cluster")
		if bootErr := cluster.Bootstrap(clusterID); bootErr != nil {
			return fmt.Errorf("bootstrap cluster: %w", bootErr)
		}
	} else {
		if err := cluster.StartAsLearner(); err != nil {
			return fmt.Errorf("start raft: %w", err)
		}
	}
	defer func() {
		if err := cluster.Shutdown(); err != nil {
			log.Logger.Error().Err(err).Msg("cluster shutdown error")
		}
	}()
	log.Logger.Info().Str("node_id", cluster.NodeID()).Msg("raft started")

	certDir, err := security.GetCertDir("voter", cluster.NodeID())
	if err != nil {
		return fmt.Errorf("resolve cert directory: %w", err)
	}
	nodeCert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return fmt.Errorf("load node certificate: %w", err)
	}

	engineCtx, cancelEngine := context.WithTimeout(context.Background(), 10*time.Second)
	engine, err := engineadmin.Dial(engineCtx, cfg.XrayAPIAddr, *nodeCert, cluster.CA())
	cancelEngine()
	if err != nil {
		return fmt.Errorf("dial proxy engine admin surface: %w", err)
	}
	defer engine.Close()

	xrayRestartMode, err := cfg.XrayRestartModeParsed()
	if err != nil {
		return fmt.Errorf("XP_XRAY_RESTART_MODE: %w", err)
	}
	cloudflaredRestartMode, err := cfg.CloudflaredRestartModeParsed()
	if err != nil {
		return fmt.Errorf("XP_CLOUDFLARED_RESTART_MODE: %w", err)
	}

	recon := reconciler.New(cluster, engine, cfg.APIBaseURL, cfg.NodeName, cfg.DataDir)
	recon.Start()
	defer recon.Stop()
	log.Logger.Info().Msg("reconciler started")

	runtimePath := filepath.Join(cfg.DataDir, "service_runtime.json")
	runtime := supervisor.NewNodeRuntime(runtimePath, cluster.NodeID(), cloudflaredRestartMode != supervisor.RestartModeNone)

	xraySupervisor := supervisor.New(
		"xray",
		&supervisor.EngineProber{Client: engine, CounterTag: xrayEngineCounterTag},
		supervisor.RestarterFor(xrayRestartMode, xraySystemdUnit),
		cfg.XraySupervisorOptions(),
		func(snap supervisor.Snapshot) {
			runtime.ApplyComponent("xray", snap)
			recon.RequestFull()
		},
	)
	xraySupervisor.Start()
	defer xraySupervisor.Stop()

	cloudflaredSupervisor := supervisor.New(
		"cloudflared",
		supervisor.ServiceProberFor(cloudflaredRestartMode, cloudflaredSystemdUnit),
		supervisor.RestarterFor(cloudflaredRestartMode, cloudflaredSystemdUnit),
		cfg.CloudflaredSupervisorOptions(),
		func(snap supervisor.Snapshot) { runtime.ApplyComponent("cloudflared", snap) },
	)
	cloudflaredSupervisor.Start()
	defer cloudflaredSupervisor.Stop()
	log.Logger.Info().Msg("component supervisors started")

	quotaController := quota.New(cluster, engine, recon, quota.WithPollInterval(cfg.QuotaPollIntervalSecs), quota.WithAutoUnban(cfg.QuotaAutoUnban))
	quotaController.Start()
	defer quotaController.Stop()
	log.Logger.Info().Msg("quota controller started")

	probeRunner := probe.New(cluster.NodeID(), cluster, []byte(cfg.ProbeSecret), cfg.ProbeOptions())
	probeCtx, cancelProbe := context.WithCancel(context.Background())
	defer cancelProbe()
	go probeRunner.SpawnHourlyWorker(probeCtx)
	log.Logger.Info().Msg("endpoint probe runner started")

	leaderAPIBaseURL := func() string {
		leaderID := cluster.LeaderID()
		if leaderID == "" {
			return ""
		}
		for _, n := range cluster.Store().ListNodes() {
			if n.NodeID == leaderID {
				return n.APIBaseURL
			}
		}
		return ""
	}
	metricsCollector := metrics.NewCollector(cluster)
	metricsCollector.Start()
	defer metricsCollector.Stop()

	infoProvider := adminhttp.RaftClusterInfoProvider{Cluster: cluster, LeaderAPIBaseURL: leaderAPIBaseURL}
	router := adminhttp.NewRouter(infoProvider, cluster)
	adminhttp.MountJoinTokenRoute(router, infoProvider, cluster, cfg.AdminTokenHash)
	router.Handle("/metrics", metrics.Handler())
	httpServer := &http.Server{Addr: cfg.Bind, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin HTTP server error: %w", err)
		}
	}()
	log.Logger.Info().Str("addr", cfg.Bind).Msg("admin HTTP server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("shutting down after server error")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Logger.Error().Err(err).Msg("admin HTTP server shutdown error")
	}

	return nil
}
