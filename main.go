package main

import (
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/mailingset/mailingset/journal"
	"github.com/mailingset/mailingset/liststate"
	"github.com/mailingset/mailingset/relay"
	"github.com/mailingset/mailingset/setexpr"
	"github.com/mailingset/mailingset/userconfig"

	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Log with filename and line number. This writes to stderr, so it should
	// be thread safe.
	// https://github.com/rs/zerolog/blob/7ccd4c940bf8a02fcc5f10e5475f9d3daff04d57/log/log.go#L13
	log.Logger = log.With().Caller().Logger()

	// Intercept interrupts so we can get more visibility into them.
	// Notify is registered up front so a signal arriving during setup is
	// buffered rather than dropped; the goroutine that handles it starts
	// once the journal exists, since it has to close it.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	configPath := flag.String(
		"config",
		"./config.yaml",
		"path to a YAML file containing your configuration",
	)
	level := flag.String(
		"level",
		"info",
		`log level: "info", "debug", or "warn"`,
	)
	flag.Parse()

	switch *level {
	case "debug":
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	case "warn":
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	default:
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	log.Info().
		Str("configPath", *configPath).
		Msg("starting the application")

	f, err := os.Open(*configPath)

	if err != nil {
		log.Error().
			Str("config-path", *configPath).
			Err(err).
			Msg("We can't open the application config file")
		os.Exit(1)
	}

	config, err := userconfig.Parse(f)

	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem parsing your config")
		os.Exit(1)
	}

	checkedConfig, err := config.CheckAndSetDefaults()
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem validating your config")
		os.Exit(1)
	}

	log.Info().Str("configPath", *configPath).Msg("successfully validated the config")

	// Load all list definitions up front: a bad lists directory or symbols
	// file should stop the server before it starts accepting mail.
	state, err := liststate.New(
		checkedConfig.Data.ListsDir,
		checkedConfig.Data.SymbolsFile,
		checkedConfig.Incoming.Domain,
	)
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem loading the mailing list definitions")
		os.Exit(1)
	}

	jour, err := journal.Open(&checkedConfig.Data.Journal)
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem opening the delivery journal")
		os.Exit(1)
	}
	defer jour.Close()

	// One goroutine listens exclusively for interrupts so we can handle
	// them before the main application loop in case of setup issues.
	go awaitInterrupt(sigCh, jour, os.Exit)

	go func() {
		cleanupCadence := time.NewTicker(checkedConfig.Data.Journal.CleanupInterval)
		for range cleanupCadence.C {
			if err := jour.Cleanup(); err != nil {
				log.Error().Err(err).Msg("error cleaning up the delivery journal")
			}
		}
	}()

	parse := func(local string) (string, setexpr.Set, error) {
		return setexpr.Parse(state.Lookup, local)
	}

	backend := relay.NewBackend(&checkedConfig, parse, relay.Sendmail, jour)
	server := smtp.NewServer(backend)
	server.Addr = checkedConfig.Incoming.Listen
	server.Domain = checkedConfig.Incoming.Domain
	server.AuthDisabled = true

	tlsConfig, err := checkedConfig.Incoming.TLSConfig()
	if err != nil {
		log.Error().
			Err(err).
			Msg("Problem loading the TLS keypair")
		os.Exit(1)
	}
	server.TLSConfig = tlsConfig

	log.Info().
		Str("listen", server.Addr).
		Str("domain", server.Domain).
		Msg("starting the SMTP server")

	if err := server.ListenAndServe(); err != nil {
		log.Error().Err(err).Msg("the SMTP server stopped")
		os.Exit(1)
	}
}

// awaitInterrupt blocks until an interrupt arrives, closes the journal so
// the storage layer can flush, and exits through exitFn.
func awaitInterrupt(sigCh <-chan os.Signal, jour journal.KeyValue, exitFn func(int)) {
	<-sigCh
	log.Info().Msg("interrupt: exiting")
	if err := jour.Close(); err != nil {
		log.Error().Err(err).Msg("error closing the delivery journal")
	}
	exitFn(0)
}
