// Command portrelay runs the relay daemon: it loads the forwarding rules
// from the database, activates the enabled ones and serves the management
// API until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portrelay/portrelay/internal/access"
	"github.com/portrelay/portrelay/internal/api"
	"github.com/portrelay/portrelay/internal/config"
	"github.com/portrelay/portrelay/internal/database"
	"github.com/portrelay/portrelay/internal/logging"
	"github.com/portrelay/portrelay/internal/metrics"
	"github.com/portrelay/portrelay/internal/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "portrelay:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()

	dbPath := flag.String("db", cfg.Database.Path, "path to the SQLite database")
	logLevel := flag.String("log-level", cfg.Logging.Level, "log level (DEBUG, INFO, WARN, ERROR)")
	logFormat := flag.String("log-format", cfg.Logging.Format, "log format (text, json, console)")
	apiHost := flag.String("api-host", cfg.API.Host, "management API bind host")
	apiPort := flag.Int("api-port", cfg.API.Port, "management API port")
	apiKey := flag.String("api-key", "", "management API key (empty disables auth)")
	noAPI := flag.Bool("no-api", false, "disable the management API")
	udpMode := flag.String("udp-mode", string(cfg.Forwarding.UDP.Mode), "UDP forwarding mode (pointtopoint or broadcast)")
	flag.Parse()

	cfg.Database.Path = *dbPath
	cfg.Logging.Level = *logLevel
	cfg.Logging.Format = *logFormat
	cfg.API.Host = *apiHost
	cfg.API.Port = *apiPort
	cfg.API.APIKey = *apiKey
	cfg.API.Enabled = !*noAPI
	cfg.Forwarding.UDP.Mode = config.UDPMode(*udpMode)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Configure(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	store, err := database.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	decider := access.NewDecider(store, logger)
	conns := relay.NewAsyncConnectionSink(store, 2, logger)
	m := metrics.New()
	engine := relay.NewEngine(cfg, decider, conns, m, store, logger, nil)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rules, err := store.ListEnabledRules(ctx)
	if err != nil {
		return err
	}
	started := 0
	for _, r := range rules {
		if err := engine.Activate(r); err != nil {
			logger.Error("rule failed to start", "rule_id", r.ID, "name", r.Name, "error", err)
			continue
		}
		started++
	}
	logger.Info("engine started", "rules", started, "of", len(rules))

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.New(cfg.API, store, engine, m, logger)
		apiSrv.Start()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if apiSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiSrv.Stop(shutdownCtx); err != nil {
			logger.Warn("api shutdown incomplete", "error", err)
		}
	}
	engine.Shutdown()
	conns.Close()
	return nil
}
