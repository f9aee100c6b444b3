package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frkn-dev/pony/pkg/api"
	"github.com/frkn-dev/pony/pkg/bus"
	"github.com/frkn-dev/pony/pkg/cache"
	"github.com/frkn-dev/pony/pkg/config"
	"github.com/frkn-dev/pony/pkg/log"
	"github.com/frkn-dev/pony/pkg/store"
	"github.com/frkn-dev/pony/pkg/syncer"
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
	Use:     "pony-api <config.toml>",
	Short:   "Pony control-plane API",
	Long:    "pony-api serves the fleet HTTP API, drives the pub/sub bus and\nwrites cache mutations back to Postgres.",
	Version: Version,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAPI(args[0])
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		if err := run(cfg); err != nil {
			log.Logger.Error().Err(err).Msg("api terminated")
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pony-api version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}

func run(cfg *config.API) error {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer st.Close()

	pub, err := bus.NewPublisher(ctx, cfg.Bus)
	if err != nil {
		return err
	}
	defer pub.Close()

	sub, err := bus.NewSubscriber(ctx, cfg.Bus, bus.TopicHeartbeat, bus.TopicStats)
	if err != nil {
		return err
	}
	defer sub.Close()

	sy := syncer.New(st, cfg.Sync.QueueSize, cfg.Sync.EnqueueTimeout.Or(500*time.Millisecond))
	sy.Start(ctx)

	srv := api.NewServer(cfg, cache.New(), st, sy, pub, sub)
	if err := srv.Bootstrap(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	logger.Info().Str("addr", cfg.ListenAddr).Str("env", cfg.Env).Msg("api started")

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
	sy.Stop(shutdownGrace)
	cancel()
	return nil
}
