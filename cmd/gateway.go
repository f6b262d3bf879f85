package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/gatewaybot/internal/adapter"
	"github.com/nextlevelbuilder/gatewaybot/internal/adapter/discord"
	"github.com/nextlevelbuilder/gatewaybot/internal/adapter/qqmilky"
	"github.com/nextlevelbuilder/gatewaybot/internal/adapter/telegram"
	"github.com/nextlevelbuilder/gatewaybot/internal/adapterpool"
	"github.com/nextlevelbuilder/gatewaybot/internal/config"
	"github.com/nextlevelbuilder/gatewaybot/internal/dispatcher"
	"github.com/nextlevelbuilder/gatewaybot/internal/echotracker"
	"github.com/nextlevelbuilder/gatewaybot/internal/gwerrors"
	"github.com/nextlevelbuilder/gatewaybot/internal/groupstore"
	"github.com/nextlevelbuilder/gatewaybot/internal/grouproute"
	"github.com/nextlevelbuilder/gatewaybot/internal/llbot"
	"github.com/nextlevelbuilder/gatewaybot/internal/pushscheduler"
	"github.com/nextlevelbuilder/gatewaybot/internal/router"
	"github.com/nextlevelbuilder/gatewaybot/internal/sessionbuf"
	"github.com/nextlevelbuilder/gatewaybot/internal/sessionqueue"
	"github.com/nextlevelbuilder/gatewaybot/internal/sessionresolve"
	"github.com/nextlevelbuilder/gatewaybot/internal/sessionresolve/pg"
	"github.com/nextlevelbuilder/gatewaybot/internal/sessionresolve/sqlite"
	"github.com/nextlevelbuilder/gatewaybot/internal/telemetry"
	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

// shutdownHardDeadline bounds the entire graceful-shutdown sequence
// (drain sleep plus every deferred cleanup call below). If it's not
// reached in time — a hung Redis/NATS connection, say — the process is
// force-exited rather than left running.
const shutdownHardDeadline = 15 * time.Second

// runGateway wires every component and blocks until interrupted. Any
// wiring failure is fatal (ConfigMissingError-shaped); runtime failures
// after this point are logged and handled per spec §4.4's
// never-panic-to-caller contract.
func runGateway() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Registered first so it runs last: by the time this fires, every
	// other deferred cleanup below has already completed and the
	// watchdog started at shutdown is stopped.
	var watchdog *time.Timer
	defer func() {
		if watchdog != nil {
			watchdog.Stop()
		}
	}()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("gateway: config load failed", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("gateway: telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()

	natsConn, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		slog.Error("gateway: nats connect failed", "error", err)
		os.Exit(1)
	}
	defer natsConn.Close()

	routerStore := router.New(cfg.DataDir, 0)
	if err := routerStore.EnsureInit(); err != nil {
		slog.Error("gateway: router init failed", "error", err)
		os.Exit(1)
	}

	groupStore := groupstore.New(cfg.DataDir, 0)
	if err := groupStore.Watch(); err != nil {
		slog.Warn("gateway: group store watch failed, hot-reload disabled", "error", err)
	}
	defer groupStore.Close()

	buffer := sessionbuf.New(redisClient, 0)
	echoTracker := echotracker.New(redisClient, 0)
	routes := grouproute.New(redisClient)

	queue, err := sessionqueue.New(natsConn, cfg.NATS.StreamName, cfg.NATS.Subject)
	if err != nil {
		slog.Error("gateway: session queue init failed", "error", err)
		os.Exit(1)
	}

	resolver, err := openResolver(ctx, cfg.Database)
	if err != nil {
		slog.Error("gateway: session resolver init failed", "error", err)
		os.Exit(1)
	}
	defer resolver.Close()

	sender := buildSender(cfg)

	d := dispatcher.New(routerStore, groupStore, routes, buffer, queue, echoTracker, resolver, sender, dispatcher.Config{
		ModelWhitelist: cfg.ModelWhitelist,
	})

	sender.OnEvent(func(event protocol.Event) { d.Dispatch(ctx, event) })

	if err := sender.Connect(ctx); err != nil {
		slog.Error("gateway: adapter connect failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sender.Disconnect(context.Background()) }()

	scheduler := pushscheduler.New(groupStore, routes, pushDispatchAdapter{d}, cfg.PushTickInterval)
	go scheduler.Run(ctx)

	if cfg.QQMilky.Enabled {
		pool := adapterpool.New("qq", qqmilkyFactory)
		sender.RegisterChild("qq", pool)
		registry := llbot.NewRegistry(redisClient, cfg.LlbotPrefix, 0)
		registry.Start(ctx, func(entries map[protocol.BotID]protocol.LlbotRegistryEntry) {
			pool.Reconcile(ctx, entries)
		})
	}

	slog.Info("gateway running")
	<-ctx.Done()
	slog.Info("gateway shutting down")
	watchdog = time.AfterFunc(shutdownHardDeadline, func() {
		slog.Error("gateway: shutdown exceeded hard deadline, forcing exit", "deadline", shutdownHardDeadline)
		os.Exit(1)
	})
	time.Sleep(200 * time.Millisecond) // let in-flight sends drain
}

// pushDispatchAdapter adapts *dispatcher.Dispatcher to
// pushscheduler.Dispatcher without the scheduler package importing the
// full dispatcher dependency graph.
type pushDispatchAdapter struct{ d *dispatcher.Dispatcher }

func (p pushDispatchAdapter) Dispatch(ctx context.Context, event protocol.Event) {
	p.d.Dispatch(ctx, event)
}

func buildSender(cfg *config.Config) *adapter.MultiAdapter {
	children := map[string]adapter.Adapter{}

	if cfg.Discord.Enabled {
		a, err := discord.New(discord.Config{Token: cfg.Discord.Token})
		if err != nil {
			slog.Error("gateway: discord adapter init failed", "error", err)
			os.Exit(1)
		}
		children["discord"] = a
	}
	if cfg.Telegram.Enabled {
		a, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token})
		if err != nil {
			slog.Error("gateway: telegram adapter init failed", "error", err)
			os.Exit(1)
		}
		children["telegram"] = a
	}

	return adapter.NewMultiAdapter(children)
}

func qqmilkyFactory(entry protocol.LlbotRegistryEntry) (adapter.Adapter, error) {
	return qqmilky.New(qqmilky.Config{WSUrl: entry.WSUrl, SelfID: string(entry.BotID)}), nil
}

func openResolver(ctx context.Context, dbCfg config.DatabaseConfig) (sessionresolve.Resolver, error) {
	switch dbCfg.Mode {
	case "postgres":
		return pg.Open(ctx, dbCfg.PostgresDSN)
	case "sqlite", "":
		return sqlite.Open(dbCfg.SqlitePath)
	default:
		return nil, &gwerrors.ConfigMissingError{Key: "GATEWAY_DB_MODE (" + dbCfg.Mode + ")"}
	}
}
