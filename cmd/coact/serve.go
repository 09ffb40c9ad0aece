package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/coact/internal/audit"
	"github.com/fentz26/coact/internal/auth"
	"github.com/fentz26/coact/internal/config"
	"github.com/fentz26/coact/internal/controlplane"
	"github.com/fentz26/coact/internal/envelope"
	"github.com/fentz26/coact/internal/events"
	"github.com/fentz26/coact/internal/gateway"
	"github.com/fentz26/coact/internal/logging"
	"github.com/fentz26/coact/internal/metrics"
	"github.com/fentz26/coact/internal/presence"
	"github.com/fentz26/coact/internal/ratelimit"
	"github.com/fentz26/coact/internal/registry"
	"github.com/fentz26/coact/internal/routing"
	"github.com/fentz26/coact/internal/safety"
	"github.com/fentz26/coact/internal/store"
	"github.com/fentz26/coact/internal/sweeper"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	configPath string
	listenAddr string
	dbDSN      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coact control plane",
	Long:  `Starts the HTTP API and the device websocket channel on one listener.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "coact.yaml", "Path to the YAML config file")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&dbDSN, "db", "", "Database DSN (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbDSN != "" {
		cfg.Database.DSN = dbDSN
	}

	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	log = log.With().Str("node_id", cfg.NodeID).Logger()
	log.Info().Str("driver", cfg.Database.Driver).Msg("starting coact")

	s, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err = events.NewRedisClient(ctx, cfg.Redis.URL)
		cancel()
		if err != nil {
			s.Close()
			return err
		}
	} else {
		log.Warn().Msg("no redis configured: running single node without revocation")
	}

	policyCfg, err := safety.LoadConfig(cfg.Safety.PolicyFile)
	if err != nil {
		closeAll(s, rdb)
		return err
	}
	policy, err := safety.New(policyCfg)
	if err != nil {
		closeAll(s, rdb)
		return err
	}

	tokens, err := auth.NewTokens(cfg.Auth.DeviceKeys, cfg.Auth.AccessSecret)
	if err != nil {
		closeAll(s, rdb)
		return err
	}

	// Initialize components
	publisher := events.NewPublisher(rdb, cfg.NodeID, log)
	reg := registry.New(log)
	tracker := presence.NewTracker(rdb, cfg.NodeID, cfg.Presence.TTL, publisher, log)
	routes := routing.NewTable(rdb, cfg.NodeID, cfg.Presence.TTL, log)
	limiter := ratelimit.New(cfg.RateLimit, nil)
	auditWriter := audit.NewWriter(s, log)

	service := controlplane.NewService(controlplane.Deps{
		Store:    s,
		Audit:    auditWriter,
		Policy:   policy,
		Signer:   envelope.NewSigner([]byte(cfg.Signing.Key)),
		Registry: reg,
		Routes:   routes,
		Presence: tracker,
		Sessions: auth.NewSessions(rdb),
		Tokens:   tokens,
		Limiter:  limiter,
		Events:   publisher,
		Metrics:  metrics.New(),
		Log:      log,
	}, controlplane.Options{
		NodeID:         cfg.NodeID,
		SelfHeal:       cfg.Idempotency.SelfHeal,
		RetryBase:      cfg.Idempotency.RetryBase,
		RetryAttempts:  cfg.Idempotency.RetryAttempts,
		DeviceTokenTTL: cfg.Auth.DeviceTokenTTL,
	})

	gw := gateway.New(service, gateway.Options{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		RevocationPoll:    cfg.Gateway.RevocationPoll,
		WriteTimeout:      cfg.Gateway.WriteTimeout,
		MaxMessageBytes:   cfg.Gateway.MaxMessageBytes,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
	}, log)

	server := controlplane.NewServer(service, controlplane.ServerOptions{
		Addr:          cfg.Listen,
		Tokens:        tokens,
		AdminToken:    cfg.Auth.AdminToken,
		MetricsToken:  cfg.Auth.MetricsToken,
		Redis:         rdb,
		DeviceChannel: gw,
		Log:           log,
	})

	sw := sweeper.New(sweeper.Deps{
		Store:    s,
		Audit:    auditWriter,
		Limiter:  limiter,
		Presence: tracker,
		Registry: reg,
		Log:      log,
	}, &sweeper.Config{
		Interval:   cfg.Sweeper.Interval,
		StaleAfter: cfg.Sweeper.StaleAfter,
		ClaimTTL:   cfg.Idempotency.ClaimTTL,
	})
	sw.Start()

	// Deliveries published by other nodes for devices connected here.
	subCtx, stopSub := context.WithCancel(context.Background())
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		if err := routes.Subscribe(subCtx, service.HandleDelivery); err != nil {
			log.Error().Err(err).Msg("delivery subscription ended")
		}
	}()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
			runErr = fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Websocket connections are hijacked and not tracked by the HTTP server,
	// so the gateway goes first.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("gateway shutdown")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	stopSub()
	<-subDone
	sw.Stop()

	closeAll(s, rdb)
	log.Info().Msg("shutdown complete")
	return runErr
}

func closeAll(s *store.Store, rdb *redis.Client) {
	if rdb != nil {
		rdb.Close()
	}
	s.Close()
}
