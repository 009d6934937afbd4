package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	hostFlag           string
	portFlag           int
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file (YAML), overridden by OFFLINE_CACHE_* variables")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "offline-cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// loadConfig loads the config file, with flags taking precedence.
func loadConfig() (config.Config, error) {
	if originFlag != "" {
		os.Setenv(config.EnvPrefix+"ORIGIN", originFlag)
	}
	if hostFlag != "" {
		os.Setenv(config.EnvPrefix+"HOST", hostFlag)
	}
	return config.Load(configFlag)
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// set up sqlite provider, empty name means private in-memory db
	dbFilename := dbFilenameFlag
	if dbFilename == "memory" {
		dbFilename = ""
	}
	provider, err := cache.NewSQLiteCache(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open cache database")
	}
	defer provider.Close()

	originURL := cfg.OriginURL()
	oc, err := offlinecache.CreateCache(cfg.CacheConfig(offlinecache.Config{
		Cache:   provider,
		Fetcher: offlinecache.NewOriginFetcher(originURL, cfg.Host),
	}))
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot create cache")
	}
	oc.OnActivate(func(version string) {
		log.Info().Str("cacheVersion", version).Msg("Now serving version")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := oc.Install(ctx, cfg.Manifest())
	if err != nil {
		// keep proxying, a later update may succeed
		log.Error().Err(err).Str("cacheVersion", cfg.Version).Msg("Initial install failed")
	} else {
		log.Info().Str("cacheVersion", report.Version).Str("state", report.State.String()).
			Int("core", report.Core).Int("precached", report.Precached).Int("failed", len(report.Failed)).
			Msg("Installed")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: newServer(oc, loadConfig, log.Logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", portFlag, originURL.String(), cfg.Host)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
	oc.Drain()
	log.Info().Msg("Stopped")
}
