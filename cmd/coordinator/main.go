package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mosaic-ai/internal/infra/config"
	"mosaic-ai/internal/infra/logger"
	"mosaic-ai/internal/infra/tracer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "check":
		if err := runCheck(); err != nil {
			fmt.Fprintf(os.Stderr, "check: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := encryptSecret(os.Stdout, os.Stdin, os.Args[2:], os.Getenv(config.PassphraseEnv)); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`mosaic-coordinator - multi-agent orchestration service

USAGE:
    mosaic-coordinator [--config <path>]       Run the coordinator
    mosaic-coordinator check [--config <path>] Validate config and store connectivity
    mosaic-coordinator encrypt [value]         Encrypt a secret for the config (reads stdin without value)
    mosaic-coordinator help                    Show this help

The coordinator answers orchestration requests on the Coordination Bus
(bus.request_topic) and serves its configured agents to other nodes.

ENVIRONMENT:
    MOSAIC_CONFIG        Config file path (default: config.yaml)
    MOSAIC_CONFIG_KEY    Passphrase for enc: secrets in the config
    MOSAIC_*             Overrides for individual settings`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("MOSAIC_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}

	// 3. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Components
	a, err := build(ctx, cfg, log)
	if err != nil {
		_ = tracerShutdown(context.Background())
		return err
	}
	a.flushTracer = tracerShutdown

	// 5. Start serving
	if err := a.start(ctx); err != nil {
		a.shutdown(context.Background())
		return err
	}
	log.Info("mosaic coordinator started",
		"agents", len(cfg.Agents),
		"transport", cfg.Bus.Transport,
		"store", cfg.Store.Backend,
		"request_topic", cfg.Bus.RequestTopic,
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	a.shutdown(shutdownCtx)
	return nil
}
