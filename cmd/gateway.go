package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/channels"
	"github.com/nextlevelbuilder/agentgate/internal/channels/discord"
	"github.com/nextlevelbuilder/agentgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/cron"
	"github.com/nextlevelbuilder/agentgate/internal/gateway"
	"github.com/nextlevelbuilder/agentgate/internal/runtime"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/internal/store/pg"
	"github.com/nextlevelbuilder/agentgate/internal/tts"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) &&
		!cfg.Channels.Telegram.Enabled && !cfg.Channels.Discord.Enabled {
		fmt.Println("No configuration found. Run the setup wizard:")
		fmt.Println()
		fmt.Println("  agentgate onboard")
		fmt.Println()
		fmt.Println("Starting with defaults (control-plane WebSocket only).")
	}

	// Session metadata store: sqlite in standalone mode, Postgres when a DSN
	// is provided via env.
	var sessStore store.SessionStore
	if cfg.IsPostgres() {
		pgStore, err := pg.Open(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Error("failed to open postgres store", "error", err)
			os.Exit(1)
		}
		sessStore = pgStore
		slog.Info("session store: postgres")
	} else {
		sqliteStore, err := store.NewSQLiteSessionStore(cfg.DatabasePath())
		if err != nil {
			slog.Error("failed to open sqlite store", "error", err)
			os.Exit(1)
		}
		sessStore = sqliteStore
		slog.Info("session store: sqlite", "path", cfg.DatabasePath())
	}
	defer sessStore.Close()

	msgBus := bus.NewMessageBus()

	// Backend runtime connection (lazy: dialed on first turn).
	runtimeMgr := runtime.NewManager(cfg.Runtime, cfg.AgentID(), sessStore)
	defer runtimeMgr.Close()

	// Channels
	channelMgr := channels.NewManager(msgBus)

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			channelMgr.RegisterChannel("telegram", tg)
			slog.Info("telegram channel enabled")
		}
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			channelMgr.RegisterChannel("discord", dc)
			slog.Info("discord channel enabled")
		}
	}

	// Reply post-processing (TTS). nil synthesizer yields a nil pass-through func.
	synth := tts.New(cfg.Tts)

	// Control-plane WebSocket server
	server := gateway.NewServer(cfg, msgBus, sessStore, channelMgr)

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// OTLP turn-span export: compiled via build tags. Build with
	// 'go build -tags otel' to enable.
	otelShutdown := initOTelExporter(ctx, cfg)
	defer otelShutdown()

	pipeline := &turnPipeline{
		cfg:      cfg,
		bus:      msgBus,
		runtime:  runtimeMgr,
		channels: channelMgr,
		sessions: sessStore,
		tts:      synth.Func(),
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(gctx)
	})

	g.Go(func() error {
		consumeInboundMessages(gctx, pipeline)
		return nil
	})

	cronSched := cron.NewScheduler(cfg, makeCronRunFunc(pipeline), msgBus)
	g.Go(func() error {
		return cronSched.Run(gctx)
	})

	// Hot-reload config.json changes (schedules, policies, chunk limits).
	// Channel enable/disable still requires a restart.
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, cfg, func(updated *config.Config) {
			slog.Info("config reloaded", "hash", updated.Hash())
		})
		if err != nil && gctx.Err() == nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
		return nil
	})

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
		channelMgr.StopAll(context.Background())
		cancel()
	}()

	slog.Info("agentgate gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"agent", cfg.AgentID(),
		"runtime", cfg.Runtime.URL,
		"channels", channelMgr.GetEnabledChannels(),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
