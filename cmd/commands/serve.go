package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dermaflow/dermaflow/internal/audit"
	"github.com/dermaflow/dermaflow/internal/config"
	"github.com/dermaflow/dermaflow/internal/events"
	"github.com/dermaflow/dermaflow/internal/gateway"
	"github.com/dermaflow/dermaflow/internal/models"
	"github.com/dermaflow/dermaflow/internal/pipeline"
	"github.com/dermaflow/dermaflow/internal/session"
	"github.com/dermaflow/dermaflow/internal/tools"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the dermaflow gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func runServe(_ context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}

	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	eventLog := events.NewLogger(filepath.Join(config.DataPath(), "events"), bus)
	defer eventLog.Close()

	registry := models.NewRegistry(cfg.Models)
	pubmed := tools.NewPubMedClient(cfg.Tools.PubMed)

	store, err := audit.OpenStore(filepath.Join(config.DataPath(), "audit.db"))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	runner := pipeline.NewRunner(cfg.Pipeline, registry, pubmed, bus)
	clarifier := pipeline.NewClarifier(
		pipeline.NewInvoker(registry).WithCallTimeout(cfg.Pipeline.CallTimeout.Duration()),
		cfg.Pipeline.MaxClarificationRounds)

	manager := session.NewManager(cfg.Pipeline, runner, clarifier, store, bus)
	manager.Start(ctx)

	server := gateway.NewServer(bus, manager, registry, config.ProfilePath(), cfg.Gateway.Host, cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
