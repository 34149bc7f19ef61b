// Copyright 2024-2026 Aiku AI

// Command relaybridge runs the cross-platform message relay: it connects
// one adapter per enabled platform, mirrors messages, edits and deletions
// between them, and keeps the identity map that ties each logical message
// to its per-platform copies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/relaybridge/pkg/eventbus"
	"github.com/aiku/relaybridge/pkg/mappingstore"
	"github.com/aiku/relaybridge/pkg/platforms/discord"
	"github.com/aiku/relaybridge/pkg/platforms/matrix"
	"github.com/aiku/relaybridge/pkg/platforms/mattermost"
	"github.com/aiku/relaybridge/pkg/relay"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath    = pflag.StringP("config", "c", "config.yaml", "path to the config file")
	writeExample  = pflag.BoolP("generate-config", "g", false, "write an example config to stdout and exit")
	logLevel      = pflag.StringP("log-level", "l", "info", "minimum log level")
	versionFlag   = pflag.BoolP("version", "v", false, "print the version and exit")
	prettyLogging = pflag.Bool("pretty-logs", false, "human-readable console logging")
)

func main() {
	pflag.Parse()

	if *versionFlag {
		fmt.Printf("relaybridge %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *writeExample {
		fmt.Print(relay.ExampleConfig)
		return
	}

	// Secrets can come from a local .env next to the config.
	_ = godotenv.Load()

	log := setupLogging()

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("Relay failed")
	}
}

func setupLogging() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(*logLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if *prettyLogging {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli})
	} else {
		log = zerolog.New(os.Stderr)
	}
	log = log.With().Timestamp().Logger().Level(level)
	exzerolog.SetupDefaults(&log)
	return log
}

func run(log zerolog.Logger) error {
	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store relay.Store
	if cfg.Database.Enabled {
		sqlStore, err := mappingstore.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open mapping store: %w", err)
		}
		store = sqlStore
		log.Info().Str("path", cfg.Database.Path).Msg("Durable mapping store enabled")
	}

	var broker eventbus.Broker
	if cfg.EventBus.RedisEnabled {
		redisBroker, err := eventbus.NewRedisBroker(ctx, cfg.EventBus.RedisAddr, cfg.EventBus.RedisPassword, cfg.EventBus.RedisDB, log)
		if err != nil {
			return fmt.Errorf("failed to connect event bus: %w", err)
		}
		broker = redisBroker
		log.Info().Str("addr", cfg.EventBus.RedisAddr).Msg("Redis event bus enabled")
	} else {
		broker = eventbus.NewMemoryBroker()
	}

	mapper := relay.NewMapper(relay.MapperConfig{
		MaxMappings: cfg.Cache.MaxMappings,
		TTL:         cfg.Cache.TTL,
		ReplyWindow: cfg.Cache.ReplyWindow,
		Store:       store,
	}, log)
	if store != nil {
		if err := mapper.Load(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to warm mapping cache from store")
		}
	}

	limiter := relay.NewRateLimiter(relay.RateLimiterConfig{
		Window:       cfg.RateLimit.Window,
		DefaultLimit: cfg.RateLimit.DefaultLimit,
		Limits:       cfg.RateLimits(),
	}, log)

	orch := relay.NewOrchestrator(cfg, mapper, limiter, broker, log)
	for name, pc := range cfg.Platforms {
		if !pc.Enabled {
			continue
		}
		adapter, err := buildAdapter(name, pc, cfg, log)
		if err != nil {
			return err
		}
		orch.AddAdapter(adapter)
	}

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	log.Info().Str("version", Tag).Msg("Relay started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	orch.Close()
	broker.Close()
	if store != nil {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close mapping store")
		}
	}
	return nil
}

func buildAdapter(name string, pc *relay.PlatformConfig, cfg *relay.Config, log zerolog.Logger) (relay.Adapter, error) {
	isAdmin := func(userID string) bool { return cfg.IsAdmin(name, userID) }
	switch name {
	case "mattermost":
		return mattermost.New(mattermost.Config{
			ServerURL:        pc.ServerURL,
			Token:            pc.Token,
			DefaultChannelID: pc.DefaultChannel,
			IsAdmin:          isAdmin,
		}, log), nil
	case "discord":
		return discord.New(discord.Config{
			Token:            pc.Token,
			DefaultChannelID: pc.DefaultChannel,
			IsAdmin:          isAdmin,
		}, log), nil
	case "matrix":
		return matrix.New(matrix.Config{
			HomeserverURL: pc.ServerURL,
			UserID:        pc.UserID,
			AccessToken:   pc.Token,
			DefaultRoomID: pc.DefaultChannel,
			IsAdmin:       isAdmin,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown platform %q in config", name)
	}
}
