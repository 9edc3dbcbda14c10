package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/converge/pkg/api"
	"github.com/cuemby/converge/pkg/appdef"
	"github.com/cuemby/converge/pkg/bulk"
	"github.com/cuemby/converge/pkg/config"
	"github.com/cuemby/converge/pkg/dns"
	"github.com/cuemby/converge/pkg/events"
	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/metrics"
	"github.com/cuemby/converge/pkg/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration loop and the health servers",
	Long: `Run converge on this machine.

The orchestrator converges the containers of the configured machine on
every interval. The gRPC health service reports SERVING once the first
cycle succeeded; /health, /ready and /metrics are served over HTTP.

With --dns-addr the DNS entries of the graph are served over UDP. With
--watch-dir the directory is imported at startup and again whenever its
files change.`,
	RunE: runServe,
}

func init() {
	addOrchestratorFlags(serveCmd)
	serveCmd.Flags().Duration("interval", 0, "Time between orchestration cycles")
	serveCmd.Flags().String("metrics-addr", "", "Address of the HTTP health and metrics server")
	serveCmd.Flags().String("grpc-addr", "", "Address of the gRPC health server")
	serveCmd.Flags().String("dns-addr", "", "UDP address of the DNS responder (disabled when empty)")
	serveCmd.Flags().String("watch-dir", "", "Directory layout to import on startup and on change")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithComponent("serve")

	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	orch, rt, err := n.newOrchestrator()
	if err != nil {
		return err
	}
	defer rt.Close()

	collector := metrics.NewCollector(n.store, n.reg)
	collector.Start()
	defer collector.Stop()

	sub := n.broker.Subscribe()
	defer n.broker.Unsubscribe(sub)
	go logEvents(sub)

	grpcServer := api.NewServer()
	healthServer := api.NewHealthServer(n.store, Version)
	orch.OnCycle(func(_ *orchestrator.Result, err error) {
		if err == nil {
			grpcServer.SetServing(true)
		}
	})

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Start(cfg.API.GRPCAddr); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	go func() {
		if err := healthServer.Start(cfg.API.MetricsAddr); err != nil {
			errCh <- fmt.Errorf("health server error: %w", err)
		}
	}()

	if cfg.DNS.ListenAddr != "" {
		dnsServer := dns.NewServer(n.store, n.reg, dns.Config{
			ListenAddr: cfg.DNS.ListenAddr,
			Upstream:   cfg.DNS.Upstream,
			TTL:        cfg.DNS.TTL,
		})
		if err := dnsServer.Start(); err != nil {
			return err
		}
		defer dnsServer.Stop()
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if cfg.Watch.Dir != "" {
		if err := watchDir(watchCtx, n, cfg.Watch); err != nil {
			return err
		}
	}

	orch.Start(func(context.Context) ([]appdef.Instance, error) {
		return n.desired()
	})

	logger.Info().
		Str("machine", cfg.Machine).
		Str("store", cfg.Store.Backend).
		Str("runtime", cfg.Runtime.Kind).
		Dur("interval", cfg.Orchestrator.Interval).
		Str("metrics_addr", cfg.API.MetricsAddr).
		Str("grpc_addr", cfg.API.GRPCAddr).
		Str("dns_addr", cfg.DNS.ListenAddr).
		Str("watch_dir", cfg.Watch.Dir).
		Msg("Converge is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Server failed, shutting down")
	}

	stopWatch()
	orch.Stop()
	grpcServer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Health server shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
	return runErr
}

// watchDir imports the directory once, then re-imports it on change
// until ctx is cancelled
func watchDir(ctx context.Context, n *node, cfg config.WatchConfig) error {
	logger := log.WithComponent("serve")
	count, err := n.importDir(ctx, cfg.Dir)
	if err != nil {
		return err
	}
	logger.Info().Str("dir", cfg.Dir).Int("resources", count).Msg("Imported watched directory")

	w, err := bulk.NewWatcher(cfg.Dir, cfg.Debounce, func(ctx context.Context) error {
		count, err := n.importDir(ctx, cfg.Dir)
		if err == nil && count > 0 {
			logger.Info().Str("dir", cfg.Dir).Int("resources", count).Msg("Re-imported watched directory")
		}
		return err
	})
	if err != nil {
		return err
	}
	go w.Run(ctx)
	return nil
}

// logEvents logs broker events until the subscription is closed
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		var e *zerolog.Event
		switch event.Type {
		case events.EventApplicationFailed:
			e = logger.Warn()
		case events.EventApplicationRunning, events.EventApplicationStopped:
			e = logger.Info()
		default:
			e = logger.Debug()
		}
		for k, v := range event.Metadata {
			e = e.Str(k, v)
		}
		e.Str("type", string(event.Type)).Msg(event.Message)
	}
}
