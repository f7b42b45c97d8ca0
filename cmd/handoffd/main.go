// Handoffd hosts the agent orchestration runtime: staged pipelines with
// guardrail gates, contract-validated provider fallback chains, and task
// transition events over NATS.
//
// Configuration is loaded from an optional YAML file and environment
// variables. See internal/config for the full surface.
//
// Usage:
//
//	# Start with defaults
//	handoffd
//
//	# Configure via file and environment
//	handoffd -config /etc/handoffd/config.yaml
//	SERVER_PORT=9090 EVENTS_URL=nats://localhost:4222 handoffd
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/handoffd/internal/config"
	"github.com/fyrsmithlabs/handoffd/internal/events"
	"github.com/fyrsmithlabs/handoffd/internal/logging"
	"github.com/fyrsmithlabs/handoffd/internal/orchestrator"
	"github.com/fyrsmithlabs/handoffd/internal/provider"
	"github.com/fyrsmithlabs/handoffd/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  handoffd           Start the runtime\n")
			fmt.Fprintf(os.Stderr, "  handoffd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Runtime error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("handoffd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the runtime and blocks until the context is cancelled:
// configuration, logger, NATS publisher, stage registry, router, and the
// operational HTTP server.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info(ctx, "starting handoffd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("events_url", cfg.Events.URL))

	pub, nc, err := initPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		pub.Close()
		if nc != nil {
			nc.Close()
		}
	}()

	reg := orchestrator.NewRegistry(
		time.Duration(cfg.Runtime.AttemptTimeout),
		time.Duration(cfg.Runtime.ChainDeadline),
		logger,
	)
	if err := registerStages(reg); err != nil {
		return fmt.Errorf("register stages: %w", err)
	}
	if err := reg.Seal(); err != nil {
		return fmt.Errorf("seal registry: %w", err)
	}

	router := orchestrator.NewRouter(reg, pub, nil, logger, orchestrator.Config{
		MaxAttempts: cfg.Runtime.MaxAttempts,
		MaxDeflects: cfg.Runtime.MaxDeflects,
		Domain:      cfg.Events.Domain,
	})
	defer router.Close()

	srv := server.NewServer(cfg)

	logger.Info(ctx, "runtime ready",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	return srv.Start(ctx)
}

// initPublisher connects to NATS and builds the durable event publisher.
// When no event URL is configured the runtime runs with the in-memory
// publisher and no broker.
func initPublisher(cfg *config.Config, logger *logging.Logger) (events.Publisher, *nats.Conn, error) {
	if cfg.Events.URL == "" {
		logger.Warn(context.Background(), "no events.url configured, using in-memory publisher")
		return events.NewMemoryPublisher(), nil, nil
	}

	nc, err := nats.Connect(cfg.Events.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS at %s: %w", cfg.Events.URL, err)
	}

	pub := events.NewNATSPublisher(nc,
		cfg.Events.QueueSize,
		time.Duration(cfg.Events.PublishTimeout),
		logger,
	)
	return pub, nc, nil
}

// registerStages installs the pipeline hosted by this deployment.
// Deployments embed their own stages here; the passthrough stage below
// keeps a bare daemon end-to-end testable (gate, chain, events, metrics).
func registerStages(reg *orchestrator.Registry) error {
	return reg.RegisterStage(orchestrator.StageDescriptor{
		Name:         "passthrough",
		Instructions: "return the task payload unchanged",
		OutputSchema: json.RawMessage(`{"type":"object"}`),
		Providers: []provider.Binding{{
			ID:   "identity",
			Rank: 1,
			Invoke: func(ctx context.Context, payload json.RawMessage, instructions string) (json.RawMessage, error) {
				return payload, nil
			},
		}},
		Selector: func(map[string]any) orchestrator.Decision { return orchestrator.Terminal() },
	})
}
