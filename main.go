package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"studysync-cloud/batch"
	"studysync-cloud/bus"
	"studysync-cloud/provider"
	"studysync-cloud/ratelimit"
	"studysync-cloud/security"
	"studysync-cloud/store"
	"studysync-cloud/syncer"
	"studysync-cloud/watch"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Service string `json:"service"`
}

const VERSION = "0.1.0"

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	log.Println("Starting StudySync Cloud Server...")

	// Initialize Redis
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	if strings.HasPrefix(redisURL, "redis://") {
		redisURL = strings.TrimPrefix(redisURL, "redis://")
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis")

	st := store.New(redisClient)

	// Token lifecycle manager
	clientID := os.Getenv("GOOGLE_CLIENT_ID")
	clientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		log.Fatal("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET environment variables are required")
	}
	tokenManager := security.NewManager(redisClient, st.Accounts, security.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  getEnv("OAUTH_REDIRECT_URL", "http://localhost:8080/accounts/oauth/callback"),
	})

	// Per-account rate limiter feeding the provider client
	limiter := ratelimit.New(ratelimit.Config{
		RefillPerSecond: parseFloatOrDefault(os.Getenv("RATE_LIMIT_PER_SECOND"), 5),
		Burst:           parseIntOrDefault(os.Getenv("RATE_LIMIT_BURST"), 10),
	})
	client := provider.NewGoogleClient(tokenManager, limiter)
	batchExec := batch.NewExecutor(client, parseIntOrDefault(os.Getenv("BATCH_CONCURRENCY"), 5))

	// Sync orchestration
	statusBus := bus.NewBus(redisClient)
	orchestrator := syncer.New(st, client, batchExec, statusBus, syncer.Config{
		Policy:        syncer.ParsePolicy(os.Getenv("SYNC_CONFLICT_POLICY")),
		HorizonPast:   parseDurationOrDefault(os.Getenv("SYNC_HORIZON_PAST"), 30*24*time.Hour),
		HorizonFuture: parseDurationOrDefault(os.Getenv("SYNC_HORIZON_FUTURE"), 60*24*time.Hour),
	})
	triggers := syncer.NewTriggerQueue(redisClient, orchestrator, parseIntOrDefault(os.Getenv("SYNC_WORKERS"), 4))
	if err := triggers.Start(ctx); err != nil {
		log.Fatalf("Failed to start sync trigger workers: %v", err)
	}

	// Webhook channels
	callbackURL := getEnv("WEBHOOK_CALLBACK_URL", "http://localhost:8080/calendar/webhook/notification")
	watchManager := watch.New(client, st.Channels, triggers, callbackURL)

	// Periodic pull-sync fallback and channel renewal
	scheduler := NewSyncScheduler(st.Accounts, triggers, watchManager,
		getEnv("SYNC_CRON", "@every 3m"),
		getEnv("WEBHOOK_RENEW_CRON", "@every 1h"))
	if strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_SCHEDULER_ENABLED"))) != "false" {
		if err := scheduler.Start(); err != nil {
			log.Fatalf("Failed to start sync scheduler: %v", err)
		}
	} else {
		log.Println("Sync scheduler disabled: SYNC_SCHEDULER_ENABLED=false")
	}

	r := mux.NewRouter()

	// Health check endpoint
	r.HandleFunc("/healthz", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	NewAccountHandler(tokenManager, st.Accounts, client).RegisterRoutes(r)
	NewScheduleHandler(st, client, triggers).RegisterRoutes(r)
	NewSyncHandler(st, triggers).RegisterRoutes(r)
	NewWebhookHandler(watchManager, st.Channels).RegisterRoutes(r)
	NewStatusWSHandler(statusBus).RegisterRoutes(r)

	// Configure server
	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Handler:      r,
		Addr:         "0.0.0.0:" + port,
		WriteTimeout: 180 * time.Second,
		ReadTimeout:  180 * time.Second,
	}

	log.Printf("StudySync Cloud Server v%s starting on %s", VERSION, srv.Addr)

	// Setup graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	scheduler.Stop()
	triggers.Stop()

	// Shutdown server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := HealthResponse{
		OK:      true,
		Version: VERSION,
		Service: "studysync-cloud",
	}

	json.NewEncoder(w).Encode(response)
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := map[string]string{
		"message": "StudySync Cloud API Server",
		"version": VERSION,
	}

	json.NewEncoder(w).Encode(response)
}

// Helper function to get environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

func parseIntOrDefault(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return def
}

func parseFloatOrDefault(raw string, def float64) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return def
}
