package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frkn-dev/pony/pkg/agent"
	"github.com/frkn-dev/pony/pkg/bus"
	"github.com/frkn-dev/pony/pkg/cache"
	"github.com/frkn-dev/pony/pkg/config"
	"github.com/frkn-dev/pony/pkg/log"
	"github.com/frkn-dev/pony/pkg/metrics"
	"github.com/frkn-dev/pony/pkg/tunnel"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pony-agent <config.toml>",
	Short:   "Pony edge-node agent",
	Long:    "pony-agent reconciles the local Xray and WireGuard tunnels against\nthe control plane and reports telemetry back over the bus.",
	Version: Version,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgent(args[0])
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		if err := run(cfg); err != nil {
			log.Logger.Error().Err(err).Msg("agent terminated")
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pony-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}

func run(cfg *config.Agent) error {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithNodeID(cfg.NodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engines := []tunnel.Engine{}
	xray, err := tunnel.NewXrayEngine(cfg.Xray.GrpcAddr)
	if err != nil {
		return err
	}
	engines = append(engines, xray)
	if cfg.Wireguard.Enabled {
		wg, err := tunnel.NewWireguardEngine(cfg.Wireguard.Interface)
		if err != nil {
			return err
		}
		engines = append(engines, wg)
	}
	mux := tunnel.NewMux(engines...)
	defer mux.Close()

	state, err := agent.OpenStateDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer state.Close()

	pub, err := bus.NewPublisher(ctx, cfg.Bus)
	if err != nil {
		return err
	}
	defer pub.Close()

	sub, err := bus.NewSubscriber(ctx, cfg.Bus, cfg.Env, cfg.NodeID)
	if err != nil {
		return err
	}
	defer sub.Close()

	a, err := agent.New(cfg, cache.New(), mux, sub, pub, state)
	if err != nil {
		return err
	}
	a.Start(ctx)

	collector := metrics.NewCollector(cfg.Env, cfg.Hostname, cfg.Interface, a.Samples)
	collector.Start()
	var sink *metrics.CarbonSink
	if cfg.Carbon.Enabled {
		sink = metrics.NewCarbonSink(cfg.Carbon.Address, cfg.Carbon.Timeout.Or(2*time.Second))
		go sink.Run(collector.Metrics())
	} else {
		// Keep the stream drained so samplers never block.
		go func() {
			for range collector.Metrics() {
			}
		}()
	}

	srv := agent.NewServer(a, cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info().Str("addr", cfg.ListenAddr).Str("env", cfg.Env).Msg("agent started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	a.Stop()
	collector.Stop()
	if sink != nil {
		sink.Stop()
	}
	cancel()
	return nil
}
