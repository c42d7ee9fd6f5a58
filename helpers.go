package main

import (
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mveld/tforum/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"tailscale.com/client/tailscale"
	"tailscale.com/tsnet"
)

func createConfigDir(dir string) error {
	err := os.MkdirAll(dir, 0o700)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Join(dir, "tsnet"), 0o700)
	if err != nil {
		return err
	}

	return nil
}

func newLogger(logLevel *slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     logLevel,
	}))
	slog.SetDefault(logger)

	return logger
}

func dataLocation() string {
	if dir, ok := os.LookupEnv("DATA_DIR"); ok {
		return dir
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return os.Getenv("DATA_DIR")
	}
	return filepath.Join(dir, "tailscale", "tforum")
}

func envOr(key, defaultVal string) string {
	if result, ok := os.LookupEnv(key); ok {
		return result
	}
	return defaultVal
}

func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func setupLogger() *slog.Logger {
	if *debug {
		logLevel = slog.LevelDebug
	}
	return newLogger(&logLevel)
}

func setupDatabase(ctx context.Context, logger *slog.Logger) *pgxpool.Pool {
	dbCtx, dbCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbCancel()

	dsn := os.Getenv("DATABASE_URL")

	poolConfig, err := PoolConfig(&dsn, logger)
	if err != nil {
		logger.Error("invalid database configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dbconn, err := pgxpool.NewWithConfig(dbCtx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if _, err := dbconn.Exec(ctx, schemaSQL); err != nil {
		logger.Error("unable to apply schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	return dbconn
}

func setupCache(ctx context.Context, addr string, logger *slog.Logger) PageCache {
	if addr == "" {
		logger.Info("no redis address configured, page cache disabled")
		return nopCache{}
	}

	cache, err := NewRedisCache(ctx, addr, logger)
	if err != nil {
		logger.Warn("redis unreachable, page cache disabled", slog.String("error", err.Error()))
		return nopCache{}
	}

	return cache
}

func setupTsNetServer(logger *slog.Logger) *tsnet.Server {
	err := createConfigDir(*dataDir)
	if err != nil {
		logger.Info(fmt.Sprintf("creating configuration directory (%s) failed: %v", *dataDir, err), "data-dir", *dataDir)
	}

	s := NewTsNetServer(dataDir)

	if *tsnetLog {
		s.UserLogf = log.Printf
		s.Logf = log.Printf
	}

	if err := s.Start(); err != nil {
		logger.Error("error starting tsnet server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	lc, err := s.LocalClient()
	if err != nil {
		logger.Error("error creating s.LocalClient()", slog.String("error", err.Error()))
		os.Exit(1)
	}

	err = checkTailscaleReady(context.Background(), lc, logger)
	if err != nil {
		logger.Error("tsnet not ready", slog.String("error", err.Error()))
		os.Exit(1)
	}

	return s
}

func setupTemplates() *template.Template {
	return template.Must(template.New("any").Funcs(template.FuncMap{
		"formatTimestamp": formatTimestamp,
	}).ParseFS(templateFiles, "tmpl/*html"))
}

func setupMux(bsvc *BoardService, auth middleware.AuthProvider, tracer trace.Tracer) http.Handler {
	static, err := fs.Sub(cssFile, "static")
	if err != nil {
		bsvc.logger.Error("error creating fs for static assets", slog.String("error", err.Error()))
		return nil
	}

	base := middleware.NewChain(
		middleware.RequestContextMiddleware(),
		middleware.SecurityHeadersMiddleware(),
		middleware.RequestSizeLimitMiddleware(1<<20),
		middleware.LoggingMiddleware(bsvc.logger),
		middleware.AuthMiddleware(auth, tracer),
	)

	// Moderation routes get an extra admin gate on top of the base chain.
	requireAdmin := middleware.NewChain(middleware.RequireAdminMiddleware())

	tailnetMux := http.NewServeMux()
	tailnetMux.HandleFunc("GET /", bsvc.ListForums)
	tailnetMux.HandleFunc("GET /forum/{id}", bsvc.ListTopics)
	tailnetMux.HandleFunc("GET /forum/{id}/new", bsvc.NewTopic)
	tailnetMux.HandleFunc("POST /forum/{id}/new", bsvc.CreateTopic)
	tailnetMux.HandleFunc("GET /topic/{id}", bsvc.ShowTopic)
	tailnetMux.HandleFunc("GET /topic/{id}/edit", bsvc.EditTopic)
	tailnetMux.HandleFunc("POST /topic/{id}/edit", bsvc.EditTopic)
	tailnetMux.Handle("POST /topic/{id}/pin", requireAdmin.ThenFunc(bsvc.PinTopic))
	tailnetMux.Handle("POST /topic/{id}/lock", requireAdmin.ThenFunc(bsvc.LockTopic))
	tailnetMux.Handle("POST /topic/{id}/delete", requireAdmin.ThenFunc(bsvc.DeleteTopic))
	tailnetMux.Handle("GET /topic/{id}/events", requireAdmin.ThenFunc(bsvc.ListEvents))
	handler := base.Then(tailnetMux)

	outerMux := http.NewServeMux()
	outerMux.Handle("GET /metrics", promhttp.Handler())
	outerMux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(static))))
	outerMux.Handle("/", handler)

	return HistogramHttpHandler(outerMux)
}

func createHTTPServer(mux http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":80",
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

func createHTTPSServer(mux http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":443",
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

func startListeners(s *tsnet.Server, logger *slog.Logger) (net.Listener, net.Listener) {
	ln, err := s.Listen("tcp", ":80")
	if err != nil {
		logger.Error("error creating non-TLS listener", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tln, err := s.ListenTLS("tcp", ":443")
	if err != nil {
		logger.Error("error creating TLS listener", slog.String("error", err.Error()))
		os.Exit(1)
	}

	return ln, tln
}

func startServer(server *http.Server, ln net.Listener, logger *slog.Logger, scheme, hostname string) {
	logger.Info(fmt.Sprintf("listening on %s://%s", scheme, hostname))
	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		logger.Error(fmt.Sprintf("%s server failed", scheme), slog.String("error", err.Error()))
	}
}

func waitForShutdown(sigChan chan os.Signal, ctx context.Context, logger *slog.Logger, serverPlain, serverTls *http.Server) {
	sig := <-sigChan
	logger.Info("shutting down gracefully", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := serverPlain.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown HTTP server", slog.String("error", err.Error()))
	}

	if err := serverTls.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown HTTPS server", slog.String("error", err.Error()))
	}

	logger.Info("servers stopped")

	if sigNum, ok := sig.(syscall.Signal); ok {
		s := 128 + int(sigNum)
		os.Exit(s)
	}
}

func getTailscaleLocalClient(s *tsnet.Server, logger *slog.Logger) *tailscale.LocalClient {
	lc, err := s.LocalClient()
	if err != nil {
		logger.Error("error creating s.LocalClient()")
		return nil
	}

	return lc
}

func expandSNIName(ctx context.Context, lc *tailscale.LocalClient, logger *slog.Logger) string {
	sni, ok := lc.ExpandSNIName(ctx, *hostname)
	if !ok {
		logger.Error("error expanding SNI name")
		return ""
	}
	return sni
}
