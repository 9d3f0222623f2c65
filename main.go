package main

import (
	"os"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/cmd"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Bootstrap logger for the pre-config phase. The commands reinstall
	// the logger with the configured level and redaction once the config
	// has loaded.
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Run failed")
		os.Exit(1)
	}
}
