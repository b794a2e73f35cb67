package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/classdesk/api/internal/auth/oidc"
	"github.com/classdesk/api/internal/config"
	"github.com/classdesk/api/internal/db"
	"github.com/classdesk/api/internal/flow"
	"github.com/classdesk/api/internal/handlers"
	"github.com/classdesk/api/internal/logging"
	"github.com/classdesk/api/internal/metrics"
	"github.com/classdesk/api/internal/middleware"
	"github.com/classdesk/api/internal/session"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger("error", "json", "stderr").Error("Failed to load configuration", err, nil)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	logger.Info("Starting ClassDesk API server", nil)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", err, nil)
		os.Exit(1)
	}

	// Connect to database
	database, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		logger.Error("Failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	// Configure connection pool
	database.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	database.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		logger.Error("Failed to ping database", err, nil)
		os.Exit(1)
	}

	logger.Info("Connected to database", map[string]interface{}{
		"host": cfg.Database.Host,
		"port": cfg.Database.Port,
		"name": cfg.Database.Name,
	})

	// Apply schema migrations
	if err := db.Migrate(database); err != nil {
		logger.Error("Failed to migrate database", err, nil)
		os.Exit(1)
	}

	// Initialize components
	queries := db.NewQueries(database)

	sessionMgr := session.NewManager(
		queries,
		cfg.Auth.JWTSecret,
		cfg.Session.AccessTTL,
		cfg.Session.RefreshTTL,
		cfg.Session.CookieDomain,
		cfg.Session.CookieSecure,
		cfg.Session.CookieSameSite,
	)

	resolver := oidc.NewResolver(
		cfg.Auth.OIDC.IssuerURL,
		cfg.Auth.OIDC.ClientID,
		cfg.Auth.OIDC.RedirectURL,
		cfg.Auth.OIDC.Scopes,
		cfg.Auth.OIDC.HostedDomain,
	)
	logger.Info("OIDC client configured", map[string]interface{}{
		"issuer": cfg.Auth.OIDC.IssuerURL,
	})

	attempts := flow.NewAttemptStore()
	resolve := flow.ResolveFunc(func(ctx context.Context) (flow.Provider, error) {
		provider, err := resolver.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		return provider, nil
	})
	flowLogger := logger.With(map[string]interface{}{"component": "flow"})
	pipeline := flow.NewPipeline(resolve, attempts, queries, queries, sessionMgr, flowLogger, cfg.Auth.AttemptTTL)

	// Background lifecycle for sweepers and collectors
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				attempts.Sweep()
			}
		}
	}()

	metrics.StartHostCollector(bgCtx, 15*time.Second)

	// Initialize handlers
	signInHandlers := handlers.NewSignInHandlers(pipeline, sessionMgr, queries, logger)

	// Rate limiter for the auth endpoints
	rateLimiter := middleware.NewRateLimiter(60, 1*time.Minute)
	defer rateLimiter.Stop()

	// Setup router
	router := mux.NewRouter()

	// Apply middleware (order matters)
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	// Health check (no auth)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "ok",
			"service":   "classdesk-api",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods("GET")

	// Prometheus metrics (no auth)
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Auth routes (no auth required, rate limited)
	authRouter := router.PathPrefix("/api/v1/auth").Subrouter()
	authRouter.Use(middleware.RateLimitMiddleware(rateLimiter))
	authRouter.HandleFunc("/signin/start", signInHandlers.Start).Methods("GET")
	authRouter.HandleFunc("/signin/callback", signInHandlers.Callback).Methods("GET", "POST")
	authRouter.HandleFunc("/signin/cancel", signInHandlers.Cancel).Methods("POST")
	authRouter.HandleFunc("/refresh", signInHandlers.Refresh).Methods("POST")

	// API routes (session required)
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(sessionMgr.Middleware())
	apiRouter.HandleFunc("/auth/me", signInHandlers.Me).Methods("GET")
	apiRouter.HandleFunc("/auth/logout", signInHandlers.Logout).Methods("POST")

	// CORS handler wrapper
	//
	// Important: we wrap the router at the HTTP handler level (instead of router.Use),
	// so CORS headers and OPTIONS preflight responses work even when gorilla/mux would
	// otherwise return 404 for method-mismatches (e.g. OPTIONS on a GET-only route).
	corsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false
		allowAll := false

		for _, allowedOrigin := range cfg.CORS.AllowedOrigins {
			if allowedOrigin == "*" {
				allowAll = true
				allowed = true
				break
			} else if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			// If "*" is allowed, use the actual origin (required when credentials are allowed)
			if allowAll && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}

		// Only set credentials if we're using a specific origin (not "*")
		if allowed && (!allowAll || origin != "") {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", joinStrings(cfg.CORS.AllowedMethods, ", "))
		w.Header().Set("Access-Control-Allow-Headers", joinStrings(cfg.CORS.AllowedHeaders, ", "))

		// Preflight
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		router.ServeHTTP(w, r)
	})

	// Create HTTP server
	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      corsHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", map[string]interface{}{
			"address": addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", err, nil)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server", nil)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", err, nil)
	}

	logger.Info("Server stopped", nil)
}

func joinStrings(strs []string, sep string) string {
	if len(strs) == 0 {
		return ""
	}
	result := strs[0]
	for i := 1; i < len(strs); i++ {
		result += sep + strs[i]
	}
	return result
}
