package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/skypro1111/live-interpreter/internal/config"
	"github.com/skypro1111/live-interpreter/internal/metrics"
	"github.com/skypro1111/live-interpreter/internal/relay"
	"github.com/skypro1111/live-interpreter/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the room relay",
	Long: `Run the room relay and its HTTP API.

Endpoints:
  POST   /rooms                 create a room
  GET    /rooms/{id}            room status
  DELETE /rooms/{id}            delete a room (writer secret)
  GET    /rooms/{id}/publish    writer websocket (writer secret)
  GET    /rooms/{id}/listen     listener websocket
  GET    /health, /stats, /config, /metrics

Examples:
  interpreter serve --config config.yaml
  interpreter serve --port 9000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "override server.port")
}

// relayConfig converts the relay section to the relay package config
func relayConfig(cfg config.RelayConfig) relay.Config {
	return relay.Config{
		RoomTTL:         cfg.GetRoomTTLDuration(),
		CleanupInterval: cfg.GetCleanupIntervalDuration(),
		MaxRooms:        cfg.MaxRooms,
		MaxMessageBytes: cfg.MaxMessageBytes,
		ListenerQueue:   cfg.ListenerQueue,
		WriteTimeout:    cfg.GetWriteTimeoutDuration(),
		PingInterval:    cfg.GetPingIntervalDuration(),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", cfgFile),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address),
		slog.Int("port", cfg.Server.Port),
		slog.Duration("room_ttl", cfg.Relay.GetRoomTTLDuration()),
		slog.Int("max_rooms", cfg.Relay.MaxRooms),
		slog.Int("max_message_bytes", cfg.Relay.MaxMessageBytes),
		slog.Int("listener_queue", cfg.Relay.ListenerQueue),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Prometheus metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg)
	logger.Info("Prometheus metrics initialized")

	registry := relay.NewRegistry(relayConfig(cfg.Relay), appMetrics, logger)
	logger.Info("Room registry initialized",
		slog.Duration("cleanup_interval", cfg.Relay.GetCleanupIntervalDuration()),
	)

	httpServer := server.NewHTTPServer(cfg, registry, appMetrics, reg, logger)
	if err := httpServer.Start(); err != nil {
		registry.Stop()
		return err
	}

	logger.Info("Service started successfully, waiting for signals...")
	<-ctx.Done()

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Closing the rooms ends every relay connection
	stats := registry.GetStats()
	registry.Stop()

	logger.Info("Final relay statistics",
		slog.Uint64("rooms_created", stats.RoomsCreated),
		slog.Uint64("rooms_expired", stats.RoomsExpired),
		slog.Uint64("messages_relayed", stats.MessagesRelayed),
		slog.Int("active_rooms", stats.ActiveRooms),
	)

	logger.Info("Service stopped")
	return nil
}
