package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgekit/modelsync/internal/alert"
	"github.com/edgekit/modelsync/internal/api"
	"github.com/edgekit/modelsync/internal/ledger"
	"github.com/edgekit/modelsync/internal/middleware"
	"github.com/edgekit/modelsync/internal/prefs"
	"github.com/edgekit/modelsync/internal/remote"
	"github.com/edgekit/modelsync/internal/store"
	"github.com/edgekit/modelsync/internal/updater"
	"github.com/edgekit/modelsync/internal/uploader"
)

func main() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	postgresDSN := os.Getenv("POSTGRES_DSN")
	if postgresDSN == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	serverURL := os.Getenv("SERVER_URL")
	if serverURL == "" {
		log.Fatal("SERVER_URL is required")
	}

	modelDir := os.Getenv("MODEL_DIR")
	if modelDir == "" {
		modelDir = "./models"
	}

	artifactDir := os.Getenv("ARTIFACT_DIR")
	if artifactDir == "" {
		artifactDir = "./captures"
	}

	prefStore, err := prefs.NewStore(redisAddr)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := prefStore.Close(); err != nil {
			log.Printf("failed to close preference store: %v", err)
		}
	}()

	clientID, err := prefStore.ClientID()
	if err != nil {
		log.Fatal(err)
	}
	if clientID == "" {
		clientID = uuid.New().String()
		if err := prefStore.SetClientID(clientID); err != nil {
			log.Fatal(err)
		}
		log.Printf("Assigned client ID %s", clientID)
	}

	uploadLedger, err := ledger.NewPostgresLedger(postgresDSN)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := uploadLedger.Close(); err != nil {
			log.Printf("failed to close upload ledger: %v", err)
		}
	}()

	artifactStore, err := store.New(modelDir, prefStore)
	if err != nil {
		log.Fatal(err)
	}

	client := remote.NewClient(serverURL, clientID)

	var reloader updater.Reloader = updater.LogReloader{}
	if reloadURL := os.Getenv("INFERENCE_RELOAD_URL"); reloadURL != "" {
		reloader = updater.NewHTTPReloader(reloadURL)
	}

	var alerts alert.Notifier = alert.LogNotifier{}
	if os.Getenv("EMAIL_API_KEY") != "" {
		alerts = alert.EmailNotifier{}
	}

	model := updater.NewManager(client, artifactStore, prefStore, reloader, alerts)
	uploads := uploader.NewManager(uploadLedger, client, uploader.NewDirSource(artifactDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	swept, err := uploads.ReconcileStale(ctx)
	if err != nil {
		log.Printf("Failed to reconcile stale uploads: %v", err)
	} else if swept > 0 {
		log.Printf("Recovered %d upload(s) interrupted by a previous shutdown", swept)
	}

	go runUpdateLoop(ctx, model, intervalFromEnv("CHECK_INTERVAL_MINUTES", 60))
	go runUploadLoop(ctx, uploads, intervalFromEnv("UPLOAD_INTERVAL_MINUTES", 15))
	go startMetricsCollector(ctx, uploads)

	apiHandler := api.NewAPI(uploads, model)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", middleware.MetricsMiddleware(apiHandler))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		log.Printf("Sync core listening on :%s", port)
		log.Printf("Syncing with %s as client %s", serverURL, clientID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down sync core...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("failed to shut down HTTP server: %v", err)
	}
}

func runUpdateLoop(ctx context.Context, model *updater.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		desc, err := model.CheckForUpdates(ctx)
		if err != nil {
			log.Printf("Update check failed: %v", err)
			continue
		}
		if desc == nil {
			continue
		}

		log.Printf("Model %s available, updating", desc.Version)
		if err := model.DownloadAndInstall(ctx, desc, nil); err != nil {
			log.Printf("Update to %s failed: %v", desc.Version, err)
		}
	}
}

func runUploadLoop(ctx context.Context, uploads *uploader.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		result, err := uploads.ProcessPending(ctx, nil)
		if err != nil {
			log.Printf("Upload drain failed: %v", err)
			continue
		}
		if result.SuccessCount+result.FailedCount > 0 {
			log.Printf("Upload drain finished: %d succeeded, %d failed", result.SuccessCount, result.FailedCount)
		}

		if _, err := uploads.RetryFailed(ctx, nil); err != nil {
			log.Printf("Upload retry pass failed: %v", err)
		}
	}
}

func intervalFromEnv(name string, defaultMinutes int) time.Duration {
	minutes := defaultMinutes
	if v := os.Getenv(name); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			log.Fatalf("%s must be a positive integer, got %q", name, v)
		}
		minutes = parsed
	}

	return time.Duration(minutes) * time.Minute
}
