package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nightvote/gamesync/internal/devserver"
)

func main() {
	port := flag.String("port", "", "listen port (defaults to PORT env or 8080)")
	sessionID := flag.String("seed-session", "dev-session", "session ID to seed on startup")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	listenPort := *port
	if listenPort == "" {
		listenPort = os.Getenv("PORT")
	}
	if listenPort == "" {
		listenPort = "8080"
	}

	srv := devserver.NewServer(os.Getenv("GAMESYNC_TOKEN"))
	if *sessionID != "" {
		srv.CreateSession(*sessionID)
		log.Info().Str("session_id", *sessionID).Msg("seeded session")
	}

	addr := fmt.Sprintf(":%s", listenPort)
	log.Info().Str("addr", addr).Msg("dev server listening")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("dev server failed")
	}
}
