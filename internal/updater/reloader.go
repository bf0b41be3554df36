package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Reloader instructs the inference host to hot-swap its loaded model
// without a process restart. An error means the host could not serve from
// the given artifact.
type Reloader interface {
	Reload(ctx context.Context, path string) error
}

// HTTPReloader notifies an inference host over a local HTTP endpoint.
type HTTPReloader struct {
	url    string
	client *http.Client
}

func NewHTTPReloader(url string) *HTTPReloader {
	return &HTTPReloader{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *HTTPReloader) Reload(ctx context.Context, path string) error {
	body, err := json.Marshal(map[string]string{"model_path": path})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("reload request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference host rejected reload: status %d", resp.StatusCode)
	}

	return nil
}

// LogReloader is for inference hosts that lazily re-read the active slot on
// their next inference; the swap itself cannot fail.
type LogReloader struct{}

func (LogReloader) Reload(_ context.Context, path string) error {
	log.Printf("Model reload requested: %s", path)
	return nil
}
