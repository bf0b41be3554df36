package main

import (
	"context"
	"log"
	"time"

	"github.com/edgekit/modelsync/internal/uploader"
)

func startMetricsCollector(ctx context.Context, uploads *uploader.Manager) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Stats refreshes the per-status gauges as a side effect.
		if _, err := uploads.Stats(ctx); err != nil {
			log.Printf("Failed to collect upload stats for metrics: %v", err)
		}
	}
}
