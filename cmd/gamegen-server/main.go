// Package main provides the gamegen server entry point.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/gamegen/internal/config"
	"github.com/thebtf/gamegen/internal/db/gorm"
	"github.com/thebtf/gamegen/internal/generator"
	"github.com/thebtf/gamegen/internal/watcher"
	"github.com/thebtf/gamegen/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

// errConfigChanged stops the server so a supervisor restarts it with the new settings.
var errConfigChanged = errors.New("configuration changed")

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	setupLogging(cfg, *debug)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = randomSecret()
		log.Warn().Msg("GAMEGEN_JWT_SECRET is not set, tokens will not survive a restart")
	}

	store, err := gorm.NewStore(gorm.Config{
		Driver:   string(cfg.DBDriver),
		DSN:      cfg.DSN(),
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		log.Fatal().Err(err).Str("driver", string(cfg.DBDriver)).Msg("Failed to open database")
	}
	defer store.Close()

	client, err := generator.New(generator.Config{
		BaseURL: cfg.GeneratorURL,
		APIKey:  cfg.GeneratorAPIKey,
		Timeout: cfg.GeneratorTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create generator client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := worker.NewService(context.Background(), cfg, Version, store, client)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create service")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})

	// Settings changes trigger process exit for restart.
	changed := make(chan string, 1)
	configWatcher := watcher.New([]string{config.SettingsPath(), config.EnvPath()}, func(path string) {
		select {
		case changed <- path:
		default:
		}
	})
	g.Go(func() error {
		if err := configWatcher.Run(gctx); err != nil {
			log.Warn().Err(err).Msg("Config watcher stopped")
		}
		return nil
	})
	g.Go(func() error {
		select {
		case path := <-changed:
			log.Info().Str("path", path).Msg("Config file changed, restarting")
			return errConfigChanged
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	switch {
	case errors.Is(err, errConfigChanged):
		log.Info().Msg("Server stopped for restart")
		store.Close()
		os.Exit(0)
	case err != nil:
		log.Error().Err(err).Msg("Server stopped with error")
		store.Close()
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}

func setupLogging(cfg *config.Config, debug bool) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if !cfg.LogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal().Err(err).Msg("Failed to generate JWT secret")
	}
	return hex.EncodeToString(buf)
}
