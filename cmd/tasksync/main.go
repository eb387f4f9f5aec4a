package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/claritihq/tasksync/internal/classify"
	"github.com/claritihq/tasksync/internal/httpapi"
	"github.com/claritihq/tasksync/internal/ingest"
	"github.com/claritihq/tasksync/internal/taskstore"
)

func main() {
	_ = godotenv.Load()

	addr := os.Getenv("TASKSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := taskstore.BuildStoreFromDSN(os.Getenv("TASKSYNC_STORE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize task store: %v", err)
	}
	defer store.Close()

	classifier, prompts := buildClassifierFromEnv()
	if dir := strings.TrimSpace(os.Getenv("TASKSYNC_PROMPT_DIR")); dir != "" {
		if err := prompts.LoadDir(dir); err != nil {
			log.Fatalf("failed to load prompt templates: %v", err)
		}
		go func() {
			if err := prompts.Watch(context.Background()); err != nil {
				log.Printf("prompt watcher stopped: %v", err)
			}
		}()
	}

	hub := httpapi.NewStreamHub()
	orchestrator, err := ingest.NewOrchestrator(ingest.OrchestratorOptions{
		Store:      store,
		Classifier: classifier,
		Providers:  buildProvidersFromEnv(),
		Refreshers: buildRefreshersFromEnv(),
		EventSink:  hub,
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}

	server := httpapi.NewServer(store, orchestrator, classifier, hub, httpapi.ServerConfig{
		JWTSecret:        os.Getenv("TASKSYNC_JWT_SECRET"),
		RateLimitMax:     intEnv("TASKSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:  durationEnv("TASKSYNC_RATE_LIMIT_WINDOW", time.Minute),
		PrioritizeWindow: durationEnv("TASKSYNC_PRIORITIZE_WINDOW", 0),
	})

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins: splitEnv("TASKSYNC_CORS_ORIGINS", "*"),
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
	})

	log.Printf("tasksync listening on %s", addr)
	if err := http.ListenAndServe(addr, corsWrapper.Handler(server)); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildClassifierFromEnv() (*classify.Classifier, *classify.PromptSet) {
	prompts := classify.NewPromptSet()
	prompts.SetLogger(log.Default())
	chat := classify.NewHTTPChatClient(classify.ChatClientOptions{
		BaseURL:     os.Getenv("TASKSYNC_CHAT_BASE_URL"),
		APIKey:      os.Getenv("TASKSYNC_CHAT_API_KEY"),
		Model:       os.Getenv("TASKSYNC_CHAT_MODEL"),
		Temperature: floatEnv("TASKSYNC_CHAT_TEMPERATURE", 0),
		MaxRetries:  intEnv("TASKSYNC_CHAT_MAX_RETRIES", 0),
	})
	classifier := classify.NewClassifier(classify.ClassifierOptions{
		ChatClient: chat,
		Prompts:    prompts,
		Logger:     log.Default(),
	})
	return classifier, prompts
}

func buildProvidersFromEnv() []ingest.Provider {
	return []ingest.Provider{
		ingest.NewCanvasProvider(os.Getenv("TASKSYNC_CANVAS_BASE_URL"), nil, log.Default()),
		ingest.NewGmailProvider(nil, log.Default()),
		ingest.NewCalendarProvider(nil),
		ingest.NewSlackProvider(nil, log.Default()),
	}
}

func buildRefreshersFromEnv() map[taskstore.Source]ingest.TokenRefresher {
	clientID := strings.TrimSpace(os.Getenv("TASKSYNC_GOOGLE_CLIENT_ID"))
	clientSecret := strings.TrimSpace(os.Getenv("TASKSYNC_GOOGLE_CLIENT_SECRET"))
	if clientID == "" || clientSecret == "" {
		return nil
	}
	google := ingest.NewGoogleTokenRefresher(clientID, clientSecret, nil)
	return map[taskstore.Source]ingest.TokenRefresher{
		taskstore.SourceGmail:          google,
		taskstore.SourceGoogleCalendar: google,
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %g", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func splitEnv(name, fallback string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		raw = fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
