package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/claritihq/tasksync/internal/classify"
	"github.com/claritihq/tasksync/internal/ingest"
	"github.com/claritihq/tasksync/internal/taskstore"
)

// tasksync-run triggers syncs directly against the store, without the
// HTTP server. Useful for cron jobs and local debugging.
func main() {
	_ = godotenv.Load()

	userID := flag.String("user", strings.TrimSpace(os.Getenv("TASKSYNC_USER")), "user ID to sync")
	provider := flag.String("provider", "", "single provider to sync (canvas, gmail, google_calendar, slack); empty syncs all connected")
	storeDSN := flag.String("store", os.Getenv("TASKSYNC_STORE_DSN"), "task store DSN")
	canvasURL := flag.String("canvas-url", os.Getenv("TASKSYNC_CANVAS_BASE_URL"), "default Canvas base URL")
	timeout := flag.Duration("timeout", 2*time.Minute, "per-run timeout")
	interval := flag.Duration("interval", 0, "rerun interval; zero runs once and exits")
	flag.Parse()

	if strings.TrimSpace(*userID) == "" {
		log.Fatalf("user is required (--user or TASKSYNC_USER)")
	}

	store, err := taskstore.BuildStoreFromDSN(*storeDSN)
	if err != nil {
		log.Fatalf("failed to initialize task store: %v", err)
	}
	defer store.Close()

	classifier := classify.NewClassifier(classify.ClassifierOptions{
		ChatClient: classify.NewHTTPChatClient(classify.ChatClientOptions{
			BaseURL: os.Getenv("TASKSYNC_CHAT_BASE_URL"),
			APIKey:  os.Getenv("TASKSYNC_CHAT_API_KEY"),
			Model:   os.Getenv("TASKSYNC_CHAT_MODEL"),
		}),
		Logger: log.Default(),
	})

	orchestrator, err := ingest.NewOrchestrator(ingest.OrchestratorOptions{
		Store:      store,
		Classifier: classifier,
		Providers: []ingest.Provider{
			ingest.NewCanvasProvider(*canvasURL, nil, log.Default()),
			ingest.NewGmailProvider(nil, log.Default()),
			ingest.NewCalendarProvider(nil),
			ingest.NewSlackProvider(nil, log.Default()),
		},
		Refreshers: googleRefreshers(),
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if *provider != "" {
			source, ok := taskstore.ParseSource(*provider)
			if !ok {
				log.Fatalf("unknown provider %q", *provider)
			}
			summary, err := orchestrator.SyncProvider(ctx, *userID, source)
			if err != nil {
				log.Printf("sync %s failed: %v", source, err)
			}
			printJSON(summary)
			return
		}
		all, err := orchestrator.SyncAll(ctx, *userID)
		if err != nil {
			log.Printf("sync-all failed: %v", err)
			return
		}
		printJSON(all)
	}

	run()
	if *interval <= 0 {
		return
	}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-rootCtx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func googleRefreshers() map[taskstore.Source]ingest.TokenRefresher {
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

func printJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(v)
}
