package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/semaphore"

	"github.com/okatkov/tradematch/internal/announce"
	"github.com/okatkov/tradematch/internal/bot"
	"github.com/okatkov/tradematch/internal/config"
	"github.com/okatkov/tradematch/internal/directory"
	"github.com/okatkov/tradematch/internal/events"
	"github.com/okatkov/tradematch/internal/ipc"
	"github.com/okatkov/tradematch/internal/limiter"
	"github.com/okatkov/tradematch/internal/matcher"
	"github.com/okatkov/tradematch/internal/steam"
	"github.com/okatkov/tradematch/internal/store"
	"github.com/okatkov/tradematch/internal/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "tradematch.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("tradematch starting", "version", version)

	crypto := store.NewCrypto(cfg.EncryptionKey)
	st, err := store.New(cfg.DatabasePath, crypto)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("database ready", "path", cfg.DatabasePath)

	tm, err := transport.NewManager(cfg.WebProxy, cfg.ConnectionTimeout)
	if err != nil {
		slog.Error("transport init failed", "error", err)
		os.Exit(1)
	}
	defer tm.Close()

	var universeKeys map[steam.Universe]*rsa.PublicKey
	if cfg.PlatformKeyFile != "" {
		universeKeys, err = steam.LoadUniverseKeys(cfg.PlatformKeyFile)
		if err != nil {
			slog.Error("loading platform keys failed", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	guid, err := st.Identifier(ctx)
	if err != nil {
		slog.Error("process identifier failed", "error", err)
		os.Exit(1)
	}

	lim := limiter.New(cfg.WebLimiterDelay, cfg.MaxConnections,
		string(steam.HostCommunity), string(steam.HostStore),
		string(steam.HostHelp), string(steam.HostWebAPI))

	// One inventory fetch at a time, process-wide.
	inventorySem := semaphore.NewWeighted(1)

	dir := directory.New(cfg.StatisticsServer, nil)
	bus := events.NewBus(200)

	records, err := st.ListBots(ctx)
	if err != nil {
		slog.Error("loading bots failed", "error", err)
		os.Exit(1)
	}

	var bots []*bot.Bot
	triggers := make(map[uint64]ipc.MatchTrigger)
	wallets := make(map[uint64]ipc.WalletRedeemer)
	for _, record := range records {
		if !record.Enabled {
			continue
		}

		b := bot.New(cfg, record, bus, nil, len(records))

		opts := []steam.Option{steam.WithUniverseKeys(universeKeys)}
		if record.Limited {
			opts = append(opts, steam.WithLimitedAccount())
		}
		client, err := steam.NewClient(cfg, b, tm, lim, inventorySem, opts...)
		if err != nil {
			slog.Error("client init failed", "steamID", record.SteamID, "error", err)
			continue
		}
		b.SetClient(client)

		engine := announce.NewEngine(client, dir, bus, st, b, guid)
		engine.SeedTimes(record.LastAnnounceAt, record.LastHeartBeatAt)
		m := matcher.New(cfg, client, dir, bus, st, b, engine, matcher.LogConfirmer{})
		b.Attach(engine, m)

		b.Start(ctx)
		bots = append(bots, b)
		triggers[record.SteamID] = m
		wallets[record.SteamID] = client
		slog.Info("bot started", "steamID", record.SteamID, "nickname", record.Nickname)
	}
	defer func() {
		for _, b := range bots {
			b.Stop()
		}
	}()

	srv := ipc.NewServer(cfg,
		ipc.NewBotController(st, triggers, wallets),
		ipc.NewEventsController(bus, logHandler))
	if err := srv.Run(ctx); err != nil {
		slog.Error("ipc server error", "error", err)
		os.Exit(1)
	}
}
