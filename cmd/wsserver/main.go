package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harborchat/harbor/internal/auth"
	"github.com/harborchat/harbor/internal/config"
	"github.com/harborchat/harbor/internal/fanout"
	"github.com/harborchat/harbor/internal/membership"
	"github.com/harborchat/harbor/internal/metrics"
	"github.com/harborchat/harbor/internal/presence"
	"github.com/harborchat/harbor/internal/protocol"
	"github.com/harborchat/harbor/internal/ratelimit"
	"github.com/harborchat/harbor/internal/session"
	"github.com/harborchat/harbor/internal/typing"
	"github.com/harborchat/harbor/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}

	log.Printf("Harbor realtime server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  nats_url:        %s", cfg.NatsURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  grace_window:    %s", cfg.PresenceGraceWindow)
	log.Printf("  typing_ttl:      %s", cfg.TypingTTL)

	// --- Redis: session mirror, presence last-seen, rate limits ---
	mirror, err := session.NewMirror(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(mirror.Client())
	lastSeen := presence.NewLastSeenStore(mirror.Client())

	// --- NATS: cross-process fanout relay ---
	relayConfig := fanout.DefaultRelayConfig()
	relayConfig.URL = cfg.NatsURL
	relayConfig.Name = "harbor-" + cfg.ServerName
	relay, err := fanout.NewRelay(relayConfig)
	if err != nil {
		// Single-process deployments run without NATS; cross-process
		// delivery is degraded, local delivery is not.
		log.Printf("NATS unavailable, running with local-only fanout: %v", err)
		relay = nil
	}

	// --- PostgreSQL: chat membership ---
	if err := membership.Migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	members, err := membership.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}

	// --- Core wiring ---
	// The broadcaster delivers through the server, which is constructed
	// last; the adapter closes over the late-bound variable.
	var server *ws.Server
	sender := fanout.SenderFunc(func(connID string, data []byte) error {
		return server.Send(connID, data)
	})

	verifier := auth.NewVerifier(cfg.JWTSecret)
	registry := session.NewRegistry(verifier, nil, mirror)
	broadcaster := fanout.NewBroadcaster(cfg.ServerName, members, registry, sender, relay)
	tracker := presence.NewTracker(cfg.PresenceGraceWindow, broadcaster, lastSeen)
	registry.SetPresenceSink(tracker)
	tracker.SetLiveness(registry)
	coordinator := typing.NewCoordinator(cfg.TypingTTL, broadcaster)

	if err := broadcaster.Listen(); err != nil {
		log.Fatalf("failed to subscribe to fanout subjects: %v", err)
	}

	// --- Inbound event handlers ---
	dispatcher := ws.NewDispatcher()

	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		ev, ok := msg.(protocol.TypingEvent)
		if !ok || ev.ChatID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if allowed, _ := limiter.Allow(ctx, conn.UserID, ratelimit.RuleTyping); !allowed {
			return
		}
		member, err := members.IsParticipant(ctx, ev.ChatID, conn.UserID)
		if err != nil || !member {
			return
		}
		coordinator.Start(ev.ChatID, conn.UserID)
	})

	dispatcher.Register(protocol.TypeStopTyping, func(conn *ws.Connection, msg interface{}) {
		ev, ok := msg.(protocol.StopTypingEvent)
		if !ok || ev.ChatID == "" {
			return
		}
		coordinator.Stop(ev.ChatID, conn.UserID)
	})

	server = ws.NewServer(serverConfig, registry, limiter, dispatcher.Dispatch)

	// A dropped connection may leave dangling typing indicators; the TTL
	// would clear them anyway, but an explicit disconnect should not make
	// peers wait for it.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		// No per-chat index of the user's indicators is kept here; the
		// coordinator's TTL covers the remainder.
		log.Printf("[disconnect] conn=%s user=%s", conn.ID, conn.UserID)
	})

	// Gauge refresh for presence and typing counts.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.OnlineUsers.Set(float64(tracker.OnlineCount()))
			metrics.ActiveTypers.Set(float64(coordinator.ActiveCount()))
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if relay != nil {
			relay.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		coordinator.Close()
		tracker.Close()
		if err := members.Close(); err != nil {
			log.Printf("membership close error: %v", err)
		}
		if err := mirror.Close(); err != nil {
			log.Printf("session mirror close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
