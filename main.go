package main

import (
	"context"
	"embed"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"tailscale.com/hostinfo"
)

//go:embed tmpl/*.html
var templateFiles embed.FS

//go:embed static/style.css
var cssFile embed.FS

//go:embed schema.sql
var schemaSQL string

var (
	hostname            = flag.String("hostname", envOr("TSNET_HOSTNAME", "tforum"), "Hostname to use on your tailnet")
	dataDir             = flag.String("data-location", dataLocation(), "Configuration data location.")
	debug               = flag.Bool("debug", false, "Enable debug logging")
	tsnetLog            = flag.Bool("tsnet-log", false, "Enable tsnet logging")
	redisAddr           = flag.String("redis-addr", envOr("REDIS_ADDR", ""), "Redis address for the page cache, empty disables caching")
	siteIDFlag          = flag.String("site-id", envOr("SITE_ID", ""), "Site id, defaults to the nil uuid")
	version  string     = "dev"
	gitSha   string     = "no-commit"
	logLevel slog.Level = slog.LevelInfo
)

func main() {
	flag.Parse()

	hostinfo.SetApp("tforum")

	host, _ := os.Hostname()
	versionGauge.With(prometheus.Labels{"version": version, "git_commit": gitSha, "hostname": host}).Set(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger := setupLogger()

	siteID := uuid.Nil
	if *siteIDFlag != "" {
		parsed, err := uuid.Parse(*siteIDFlag)
		if err != nil {
			logger.Error("invalid site-id", slog.String("error", err.Error()))
			os.Exit(1)
		}
		siteID = parsed
	}

	config, err := LoadConfig()
	if err != nil {
		logger.Error("unable to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	config.Logger = logger
	config.LogDebug = *debug
	config.ServiceVersion = version

	telemetry, telemetryCleanup, err := setupTelemetry(ctx, config)
	if err != nil {
		logger.Error("unable to set up telemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := telemetryCleanup(context.Background()); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	dbconn := setupDatabase(ctx, logger)
	defer dbconn.Close()

	cache := setupCache(ctx, *redisAddr, logger)

	s := setupTsNetServer(logger)
	defer s.Close()

	tmpls := setupTemplates()

	lc := getTailscaleLocalClient(s, logger)

	store := NewTracedStore(NewStore(dbconn), telemetry)

	topics := NewTopicService(dbconn, store, NewTopicRules(store), cache, logger)

	bsvc := NewBoardService(
		lc,
		logger,
		topics,
		store,
		cache,
		tmpls,
		siteID,
		*hostname,
		version,
		gitSha,
	)

	authProvider := NewBoardAuthProvider(lc, store)

	mux := setupMux(bsvc, authProvider, telemetry.Tracer)

	serverPlain := createHTTPServer(mux)
	serverTls := createHTTPSServer(mux)

	ln, tln := startListeners(s, logger)
	defer ln.Close()
	defer tln.Close()

	go startServer(serverPlain, ln, logger, "http", *hostname)
	go startServer(serverTls, tln, logger, "https", expandSNIName(ctx, lc, logger))

	waitForShutdown(sigChan, ctx, logger, serverPlain, serverTls)
}
