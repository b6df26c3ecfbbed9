package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nightvote/gamesync/internal/api"
	"github.com/nightvote/gamesync/internal/config"
	"github.com/nightvote/gamesync/internal/game"
	"github.com/nightvote/gamesync/internal/observability"
	"github.com/nightvote/gamesync/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	sessionID := flag.String("session", "", "session ID to subscribe to (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := config.FromEnv()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
		cfg = loaded
	}
	if *sessionID != "" {
		cfg.SessionID = *sessionID
	}
	if cfg.SessionID == "" {
		log.Fatal().Msg("session ID is required (flag -session or GAMESYNC_SESSION_ID)")
	}

	metrics := observability.NewMetrics("gamesync", nil)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()

	client := api.NewClient(cfg.ServerURL)
	if cfg.Token != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.Token)
	}

	facade := session.Subscribe(cfg.SessionConfig(), client, metrics, nil, func(snapshot *game.Snapshot, first bool) {
		evt := log.Info().
			Str("session_id", snapshot.SessionID).
			Int64("version", snapshot.Version).
			Str("status", string(snapshot.Status)).
			Str("phase", string(snapshot.Phase)).
			Int("events", len(snapshot.EventLog)).
			Bool("needs_action", snapshot.NeedsHumanAction())
		if first {
			evt = evt.Bool("first_update", true)
		}
		evt.Msg("snapshot accepted")
	})
	defer facade.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
}
