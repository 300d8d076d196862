// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"enclava/platform/gateway/budget"
	"enclava/platform/gateway/llm"
	"enclava/platform/gateway/llm/sdk"
	"enclava/platform/gateway/llm/tee"
	"enclava/platform/gateway/security"
)

// Run boots the gateway: config from env, postgres, redis, providers,
// HTTP server, graceful shutdown. It blocks until SIGINT/SIGTERM.
func Run() {
	log.Println("Starting Enclava Gateway...")

	cfg := LoadConfig()

	// Database.
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL (or DATABASE_HOST/DATABASE_PASSWORD) is required")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("failed to connect to database: %v", err)
	}
	cancel()
	log.Println("database connected")

	// Budget engine.
	engine := budget.NewEngine(budget.NewPostgresStore(db), budget.LoadPricingFromEnv())

	// Providers.
	registry := llm.NewRegistry()
	if cfg.TEEBaseURL != "" && cfg.TEEAPIKey != "" {
		provider, err := tee.NewProvider(tee.Config{
			BaseURL:      cfg.TEEBaseURL,
			APIKey:       cfg.TEEAPIKey,
			DefaultModel: cfg.TEEModel,
			Timeout:      cfg.ProviderTimeout,
		})
		if err != nil {
			log.Fatalf("failed to create TEE provider: %v", err)
		}
		if err := registry.Register(provider, llm.ProviderConfig{Name: provider.Name(), Enabled: true}); err != nil {
			log.Fatalf("failed to register TEE provider: %v", err)
		}
		log.Printf("TEE provider registered (%s)", cfg.TEEBaseURL)
	} else {
		log.Println("warning: no TEE provider configured (TEE_BASE_URL / TEE_API_KEY unset)")
	}

	if cfg.ProvidersFile != "" {
		configs, err := LoadProviderConfigs(cfg.ProvidersFile)
		if err != nil {
			log.Fatalf("failed to load provider config: %v", err)
		}
		if err := RegisterConfiguredProviders(registry, configs, cfg.ProviderTimeout); err != nil {
			log.Fatalf("failed to register configured providers: %v", err)
		}
		log.Printf("%d providers registered from %s", len(configs), cfg.ProvidersFile)
	}

	// Rate limiter (optional).
	var limiter *RateLimiter
	if cfg.RedisURL != "" {
		limiter, err = NewRateLimiter(cfg.RedisURL, cfg.RateLimitPerMinute)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer limiter.Close()
		log.Println("redis rate limiter enabled")
	}

	recorder := NewUsageRecorder(db, log.Default())
	defer recorder.Close()

	keys := NewPostgresAPIKeyStore(db)
	service := NewService(
		engine,
		registry,
		sdk.NewResilienceManager(),
		security.NewScreener(),
		recorder,
		WithAPIKeyStore(keys),
		WithProviderTimeout(cfg.ProviderTimeout),
	)
	authenticator := NewAuthenticator(keys, cfg.JWTSecret)
	handler := NewHandler(service, authenticator, limiter)

	// Router.
	r := mux.NewRouter()
	handler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(r),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 30*time.Second,
	}

	go func() {
		log.Printf("Enclava Gateway listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Periodic provider health checks feed the /health snapshot.
	healthTicker := time.NewTicker(30 * time.Second)
	defer healthTicker.Stop()
	go func() {
		for range healthTicker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			registry.CheckHealth(ctx)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("goodbye")
}
