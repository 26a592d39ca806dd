package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ericksa/contractlens/internal/api"
	"github.com/ericksa/contractlens/internal/app"
	"github.com/ericksa/contractlens/internal/config"
	"github.com/ericksa/contractlens/internal/logging"
	"github.com/ericksa/contractlens/internal/middleware"
	"github.com/ericksa/contractlens/pkg/mcp"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	if _, err := a.Lifecycle.RecoverStale(ctx); err != nil {
		logger.Error("failed to recover stale analyses", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(a),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting contractlens gateway", zap.String("addr", cfg.Server.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newRouter(a *app.App) http.Handler {
	cfg := a.Config
	router := mux.NewRouter()
	middleware.Register(router, a.Logger, a.Metrics)
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))

	router.HandleFunc("/health", healthHandler(a)).Methods(http.MethodGet)
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, a.Metrics.Handler()).Methods(http.MethodGet)
	}

	auth := middleware.Auth(cfg.Auth)
	limit := middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(auth, limit)
	api.NewHandler(a.Lifecycle, a.Chat, cfg.Server.MaxUploadBytes, a.Logger).Register(apiRouter)

	mcpHandler := mcp.NewHandler(a.Lifecycle, a.Chat, version, cfg.Server.MaxUploadBytes, a.Logger)
	router.PathPrefix("/mcp").Handler(auth(limit(mcpHandler.HTTPHandler())))

	if len(cfg.Auth.AdminSubjects) > 0 {
		admin := middleware.RequireSubject(cfg.Auth.AdminSubjects...)
		router.PathPrefix("/configure").Handler(auth(admin(config.NewConfigAPI(cfg).Router())))
	}
	return router
}

func healthHandler(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Store.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status, "version": version})
	}
}
