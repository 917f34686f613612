// Command backend runs one backend of a pairsync pair.
//
// # Configuration File
//
// Create a YAML file with backend settings:
//
//	http_addr: ":8420"
//	data_dir: "/var/lib/pairsync"
//	kind: "local"
//	peer_url: "https://hosted.example.com"
//	capabilities: ["sync", "telemetry"]
//	pairing_secret_file: "/var/lib/pairsync/pairing-secret"
//	admin_token: ""
//	postgres_dsn: ""
//	redis_addr: ""
//	protocol:
//	  sync_interval: 5s
//	  probe_interval: 10s
//	  rate_budget: 60
//	  rate_period: 1m
//
// # Endpoints
//
//   - GET /identity - Public identity and key material
//   - POST /register-peer - Mutual registration with a session binding token
//   - POST /sync/{peer_id} - Signed conversation sync payloads
//   - POST /telemetry/{peer_id} - Streaming telemetry events
//   - POST /peers/{peer_id}/rotate-key - Key rotation announcements
//   - DELETE /peers/{peer_id} - Revoke a pairing (requires the admin token)
//   - GET /health - Health check
//
// # Usage
//
//	go run ./cmd/backend --config=backend.yaml
//	go run ./cmd/backend --addr=:8420 --kind=hosted --data-dir=/var/lib/pairsync
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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/tandemnet/pairsync/cmd/common"
	"github.com/tandemnet/pairsync/protocol"
	"github.com/tandemnet/pairsync/services"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		addr       = flag.String("addr", "", "HTTP listen address")
		dataDir    = flag.String("data-dir", "", "Directory for keys, queue, and conversation snapshots")
		kind       = flag.String("kind", "", "Backend kind: local or hosted")
		peerURL    = flag.String("peer-url", "", "Paired backend base URL")
		sessionID  = flag.String("session-id", "", "Session id to register under at startup")
		userID     = flag.String("user-id", "", "User id bound into the session token")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, *addr, *dataDir, *kind, *peerURL, *logLevel)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *sessionID, *userID); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

func applyFlagOverrides(cfg *common.Config, addr, dataDir, kind, peerURL, logLevel string) {
	if addr != "" {
		cfg.HTTPAddr = addr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if kind != "" {
		cfg.Kind = kind
	}
	if peerURL != "" {
		cfg.PeerURL = peerURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

func run(cfg *common.Config, sessionID, userID string) error {
	log := common.NewLogger(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	identity := services.NewIdentityManager(cfg.DataDir, protocol.BackendKind(cfg.Kind), cfg.Capabilities, log)
	if _, err := identity.EnsureIdentity(); err != nil {
		return err
	}

	audit, err := services.NewAuditLog(filepath.Join(cfg.DataDir, "audit.jsonl"), 1000)
	if err != nil {
		return err
	}
	defer audit.Close()

	peerStore, closePeerStore, err := newPeerStore(cfg)
	if err != nil {
		return err
	}
	defer closePeerStore()
	registry := services.NewRegistry(peerStore, audit, log)

	convStore, err := services.NewFileConversationStore(filepath.Join(cfg.DataDir, "conversations"))
	if err != nil {
		return err
	}
	queue, err := services.NewSQLiteQueue(filepath.Join(cfg.DataDir, "queue.db"), cfg.Protocol.QueueBudgetBytes)
	if err != nil {
		return err
	}
	defer queue.Close()

	limiter, err := newRateLimiter(cfg)
	if err != nil {
		return err
	}

	var secrets services.SecretsProvider
	if cfg.PairingSecretFile != "" {
		secrets = services.NewFileSecretsProvider(cfg.PairingSecretFile)
	} else {
		log.Warn("no pairing secret file configured; peer registration is disabled")
	}
	if cfg.AdminToken == "" {
		log.Warn("no admin token configured; revocation endpoint is disabled")
	}

	client := services.NewPeerClient(cfg.PeerURL, identity, secrets)
	monitor := services.NewNetworkMonitor(client.Probe, cfg.Protocol.ProbeInterval, log)
	retry := services.NewRetryController(cfg.Protocol.RetryBaseDelay, cfg.Protocol.MaxRetries, log)
	syncer := services.NewSyncer(identity, registry, convStore, queue, client, monitor, retry, &cfg.Protocol, log)
	rotator := services.NewKeyRotator(identity, registry, client, audit, log)

	server := services.NewServer(identity, registry, syncer, rotator, limiter, audit, secrets, cfg.AdminToken, &cfg.Protocol, log)
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Timeout(30 * time.Second))
	server.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("backend listening", "addr", cfg.HTTPAddr, "kind", cfg.Kind)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	if cfg.PeerURL != "" {
		go monitor.Run(ctx)
		go syncer.Run(ctx)

		if sessionID != "" {
			go registerWithPeer(ctx, client, sessionID, userID, retry, log)
		}
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), common.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newPeerStore(cfg *common.Config) (services.PeerStore, func(), error) {
	if cfg.PostgresDSN == "" {
		return services.NewInMemoryPeerStore(), func() {}, nil
	}
	store, err := services.NewPostgresPeerStoreDSN(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func newRateLimiter(cfg *common.Config) (services.RateLimiter, error) {
	if cfg.RedisAddr == "" {
		return services.NewMemoryRateLimiter(cfg.Protocol.RateBudget, cfg.Protocol.RatePeriod), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
	}
	return services.NewRedisRateLimiter(client, cfg.Protocol.RateBudget, cfg.Protocol.RatePeriod), nil
}

func registerWithPeer(ctx context.Context, client *services.PeerClient, sessionID, userID string, retry *services.RetryController, log *slog.Logger) {
	err := retry.Do(ctx, "register", func(ctx context.Context) error {
		resp, err := client.Register(ctx, sessionID, userID)
		if err != nil {
			return err
		}
		log.Info("registered with peer", "peer_id", resp.PeerID, "sync_endpoint", resp.SyncEndpoint)
		return nil
	})
	if err != nil {
		log.Error("peer registration failed", "err", err)
	}
}
