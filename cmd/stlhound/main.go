// Command stlhound serves the aggregated model-search API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/stlhound/stlhound/adapters"
	"github.com/stlhound/stlhound/browser"
	"github.com/stlhound/stlhound/dbopen"
	"github.com/stlhound/stlhound/search"
	"github.com/stlhound/stlhound/shield"
)

func main() {
	godotenv.Load()

	port := env("PORT", "8080")
	dbPath := env("DB_PATH", "db/stlhound.db")
	configPath := env("CONFIG", "")
	remoteChrome := env("CHROME_URL", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Config.
	cfg := search.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = search.LoadConfig(configPath)
		if err != nil {
			slog.Error("load config", "path", configPath, "error", err)
			os.Exit(1)
		}
	}

	// Cache DB.
	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open cache db", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Shared Chrome session for the browser-driven sources. A failed
	// start is non-fatal: those sources report zero counts until the
	// next restart while Thingiverse keeps working over plain HTTP.
	session := browser.NewSession(browser.Config{
		RemoteURL:      remoteChrome,
		BlockResources: []string{"images", "fonts", "media"},
		Logger:         logger,
	})
	if err := session.Start(ctx); err != nil {
		slog.Warn("browser session unavailable", "error", err)
	}
	defer session.Close()

	svc, err := search.New(db, []search.Adapter{
		adapters.NewPrintables(session),
		adapters.NewThingiverse(),
		adapters.NewMakerWorld(session),
	}, cfg, search.WithLogger(logger))
	if err != nil {
		slog.Error("init search service", "error", err)
		os.Exit(1)
	}
	go svc.StartPruner(ctx)

	// Rate limiting: sensible default for the search endpoint, operator
	// overrides via the rate_limits table.
	limiter := shield.NewRateLimiter(db)
	limiter.SetRule("GET /api/search", shield.Rule{MaxRequests: 30, WindowSeconds: 60, Enabled: true})
	limiter.StartReloader(ctx.Done())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.MaxBody(64 * 1024))
	r.Use(limiter.Middleware)
	r.Mount("/api", svc.Routes(session.Healthy))

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("stlhound listening", "port", port, "db", dbPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
