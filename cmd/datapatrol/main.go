package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nkropf/datapatrol/internal/api"
	"github.com/nkropf/datapatrol/internal/config"
	"github.com/nkropf/datapatrol/internal/investigation"
	"github.com/nkropf/datapatrol/internal/logging"
	"github.com/nkropf/datapatrol/internal/notify"
	"github.com/nkropf/datapatrol/internal/rules"
	"github.com/nkropf/datapatrol/internal/store"
	"github.com/nkropf/datapatrol/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "datapatrol",
	Short:   "datapatrol - anomaly scan coordinator",
	Long:    `datapatrol runs one-shot anomaly-detection scans against changing datasets, persists their findings, and streams progress to live observers`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("datapatrol %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "datapatrol",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "datapatrol",
	})

	log.Info().Str("version", Version).Msg("Starting datapatrol scan coordinator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(cfg.DataPath)
	if err != nil {
		log.Fatal().Err(err).Str("data_path", cfg.DataPath).Msg("Failed to open store")
	}
	defer db.Close()

	broadcaster := notify.NewBroadcaster(notify.DefaultSubscriberBuffer)
	defer broadcaster.Shutdown()

	hub := websocket.NewHub(broadcaster)
	go hub.Run(ctx)

	registry := builtinRegistry()

	coordinator := investigation.NewCoordinator(db, registry, broadcaster,
		investigation.WithChunkSize(cfg.ChunkSize),
		investigation.WithIncrementRetry(cfg.IncrementAttempts, cfg.IncrementBaseDelay),
	)

	startMetricsServer(ctx, cfg.MetricsAddr())

	handlers := api.NewHandlers(db, coordinator, hub)
	srv := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     handlers.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: StartScan requests legitimately run for the
		// whole scan, and the WebSocket endpoint is long-lived.
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("API server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down API server cleanly")
	}
}

// builtinRegistry wires the shipped rule kinds. Data sources for real
// deployments are registered by the embedding code; the built-ins default
// to empty sources so a bare daemon still answers scans.
func builtinRegistry() *investigation.Registry {
	registry := investigation.NewRegistry()
	registry.Register(rules.KindThresholdCheck, investigation.Binding{
		Evaluator: rules.ThresholdEvaluator{},
		Source:    investigation.SliceSource(nil),
		Config:    investigation.RuleConfig{"max": 100.0},
	})
	registry.Register(rules.KindRangeCheck, investigation.Binding{
		Evaluator: rules.RangeEvaluator{},
		Source:    investigation.SliceSource(nil),
		Config:    investigation.RuleConfig{"min": 0.0, "max": 100.0},
		Streaming: true,
	})
	return registry
}
