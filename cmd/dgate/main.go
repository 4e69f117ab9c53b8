// dgate server — request dispatch over HTTP, WebSocket, and broker
// transports, with handler actors and streaming sessions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/dgate/pkg/actor"
	"github.com/codeready-toolchain/dgate/pkg/api"
	"github.com/codeready-toolchain/dgate/pkg/config"
	"github.com/codeready-toolchain/dgate/pkg/engine"
	"github.com/codeready-toolchain/dgate/pkg/handler"
	"github.com/codeready-toolchain/dgate/pkg/ingress"
	"github.com/codeready-toolchain/dgate/pkg/metrics"
	"github.com/codeready-toolchain/dgate/pkg/models"
	"github.com/codeready-toolchain/dgate/pkg/registry"
	"github.com/codeready-toolchain/dgate/pkg/streaming"
	"github.com/codeready-toolchain/dgate/pkg/transport"
	"github.com/codeready-toolchain/dgate/pkg/users"
	"github.com/codeready-toolchain/dgate/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// brokerTransport is one enabled broker: a shared publisher, a subscriber,
// and its request/response destinations.
type brokerTransport struct {
	name       string
	source     models.SourceChannel
	channel    models.ChannelType
	publisher  transport.Publisher
	subscriber transport.Subscriber
	requests   string
	responses  string
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting dgate", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Load users and API keys
	userSvc := users.NewService(cfg.Security.UsersFile, cfg.Security.APIKeysFile)
	if err := userSvc.Reload(); err != nil {
		slog.Error("Failed to load user data", "error", err)
		os.Exit(1)
	}

	// 3. Load handler bindings
	reg := registry.New(
		&registry.FileSource{Path: cfg.Security.HandlersFile},
		cfg.Streaming.DefaultTTLMinutes,
		cfg.Streaming.MaxTTLMinutes,
	)
	if err := reg.Reload(); err != nil {
		slog.Error("Failed to load handler registry", "error", err)
		os.Exit(1)
	}
	resolver := handler.NewResolver()
	slog.Info("Handler registry loaded",
		"request_types", reg.AllRequestTypes(), "classes", resolver.Classes())

	m := metrics.New()

	// 4. Start the handler supervisor
	supervisor := actor.NewSupervisor(cfg.Actor)
	supervisor.Start(ctx)

	// 5. Connect broker transports. Connect starts each transport's dial
	// loop; a broker that is down at boot keeps retrying in the background
	// and the health endpoint reports it as degraded.
	brokers, err := buildBrokers(ctx, cfg, m)
	if err != nil {
		slog.Error("Failed to initialize transports", "error", err)
		os.Exit(2)
	}

	// 6. WebSocket hub and streaming egress. The hub must exist before the
	// engine so streaming sessions can broadcast through live sockets; the
	// hub's dispatcher is wired once the engine is built.
	connManager := api.NewConnectionManager(nil, cfg.HTTP.WSWriteTimeout)

	egress := map[models.ChannelType]streaming.Egress{
		models.ChannelWebSocket: {Publisher: transport.NewWebSocketPublisher(connManager)},
	}
	for _, b := range brokers {
		egress[b.channel] = streaming.Egress{Publisher: b.publisher, Topic: b.responses}
	}

	var sessions *streaming.Manager
	if cfg.Streaming.IsEnabled() {
		sessions = streaming.NewManager(cfg.Streaming, egress, m)
		sessions.Start()
		slog.Info("Streaming session manager started",
			"max_sessions", cfg.Streaming.MaxConcurrentSessions,
			"default_ttl_minutes", cfg.Streaming.DefaultTTLMinutes)
	}

	// 7. Execution engine
	var starter engine.SessionStarter
	if sessions != nil {
		starter = sessions
	}
	eng := engine.New(cfg, userSvc, reg, resolver, supervisor, starter, m)
	connManager.SetDispatcher(eng)

	// 8. Ingress bridges, one per enabled broker
	bridges := make([]*ingress.Bridge, 0, len(brokers))
	for _, b := range brokers {
		bridge := ingress.New(b.name, b.source, b.subscriber, b.publisher, b.requests, b.responses, eng)
		if err := bridge.Start(); err != nil {
			slog.Error("Failed to start ingress bridge", "bridge", b.name, "error", err)
			os.Exit(2)
		}
		bridges = append(bridges, bridge)
	}

	// 9. HTTP server
	checkers := make(map[string]api.ConnectionChecker, len(brokers))
	for _, b := range brokers {
		checkers[b.name] = b.publisher
	}
	var sessionAdmin api.SessionAdmin
	if sessions != nil {
		sessionAdmin = sessions
	}
	httpServer := api.NewServer(cfg, eng, sessionAdmin, eng.Ring(), reg, supervisor, checkers, m, connManager)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.HTTP.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("dgate started successfully",
		"http_port", cfg.HTTP.Port,
		"transports", len(brokers),
		"streaming", cfg.Streaming.IsEnabled())

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop consuming new work, cancel live streams,
	// drain active handlers, then close the outward surfaces.
	for _, bridge := range bridges {
		if err := bridge.Stop(); err != nil {
			slog.Warn("Ingress bridge stop error", "error", err)
		}
	}

	if sessions != nil {
		streamCtx, streamCancel := context.WithTimeout(ctx, 10*time.Second)
		sessions.Shutdown(streamCtx)
		streamCancel()
		slog.Info("Streaming sessions stopped")
	}

	eng.Shutdown(ctx)
	slog.Info("Handler supervisor drained")

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	for _, b := range brokers {
		if err := b.subscriber.Disconnect(); err != nil {
			slog.Warn("Transport disconnect error", "transport", b.name, "error", err)
		}
		if err := b.publisher.Disconnect(); err != nil {
			slog.Warn("Transport disconnect error", "transport", b.name, "error", err)
		}
	}

	slog.Info("Shutdown complete")
}

// buildBrokers creates and connects a publisher and subscriber for every
// enabled transport block.
func buildBrokers(ctx context.Context, cfg *config.Config, m *metrics.Metrics) ([]*brokerTransport, error) {
	var brokers []*brokerTransport

	if kc := cfg.Transports.Kafka; kc != nil {
		brokers = append(brokers, &brokerTransport{
			name:       "kafka",
			source:     models.SourceKafka,
			channel:    models.ChannelKafka,
			publisher:  transport.NewKafkaPublisher(kc, m),
			subscriber: transport.NewKafkaSubscriber(kc, m),
			requests:   kc.RequestsTopic,
			responses:  kc.ResponsesTopic,
		})
	}
	if ac := cfg.Transports.AMQP; ac != nil {
		brokers = append(brokers, &brokerTransport{
			name:       "amqp",
			source:     models.SourceRabbitMQ,
			channel:    models.ChannelRabbitMQ,
			publisher:  transport.NewAMQPPublisher(ac, m),
			subscriber: transport.NewAMQPSubscriber(ac, m),
			requests:   ac.RequestsQueue,
			responses:  ac.ResponsesQueue,
		})
	}
	if mc := cfg.Transports.ActiveMQ; mc != nil {
		brokers = append(brokers, &brokerTransport{
			name:       "activemq",
			source:     models.SourceActiveMQ,
			channel:    models.ChannelActiveMQ,
			publisher:  transport.NewSTOMPPublisher(mc, m),
			subscriber: transport.NewSTOMPSubscriber(mc, m),
			requests:   mc.RequestsQueue,
			responses:  mc.ResponsesQueue,
		})
	}

	for _, b := range brokers {
		if err := b.publisher.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connecting %s publisher: %w", b.name, err)
		}
		if err := b.subscriber.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connecting %s subscriber: %w", b.name, err)
		}
		slog.Info("Transport initialized", "transport", b.name,
			"requests", b.requests, "responses", b.responses)
	}
	return brokers, nil
}
