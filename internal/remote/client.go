// Package remote implements the typed client for the sync server: model
// metadata checks, streaming model downloads, and multipart image batch
// uploads. The server is an opaque HTTP boundary with a fixed contract.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ModelDescriptor is the server-supplied metadata for the latest model.
// Fetched fresh on every check, never cached.
type ModelDescriptor struct {
	Version        string    `json:"version"`
	Checksum       string    `json:"checksum"`
	DownloadURL    string    `json:"download_url"`
	RequiresUpdate bool      `json:"requires_update"`
	FileSize       int64     `json:"file_size"`
	ReleasedAt     time.Time `json:"released_at"`
	Accuracy       *float64  `json:"accuracy,omitempty"`
	Description    string    `json:"description,omitempty"`
}

// Progress is a byte-level download progress event. Fraction is -1 when the
// server did not declare a content length.
type Progress struct {
	Bytes    int64
	Total    int64
	Fraction float64
}

type Client struct {
	baseURL  string
	clientID string

	// Metadata and upload calls get an overall deadline; downloads can be
	// arbitrarily large, so only the context bounds them.
	apiClient      *http.Client
	downloadClient *http.Client
}

func NewClient(baseURL, clientID string) *Client {
	return &Client{
		baseURL:        baseURL,
		clientID:       clientID,
		apiClient:      &http.Client{Timeout: 2 * time.Minute},
		downloadClient: &http.Client{},
	}
}

// CheckLatest asks the server for the latest model, passing the current
// version as a comparison hint. It returns nil when the server reports no
// update is required. Network failures leave no local state changed.
func (c *Client) CheckLatest(ctx context.Context, currentVersion string) (*ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models/latest", nil)
	if err != nil {
		return nil, err
	}
	if currentVersion != "" {
		req.Header.Set("X-Model-Version", currentVersion)
	}

	resp, err := c.apiClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update check failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update check failed: status %d", resp.StatusCode)
	}

	var desc ModelDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("failed to decode model descriptor: %w", err)
	}

	if !desc.RequiresUpdate {
		return nil, nil
	}

	return &desc, nil
}

// Download streams the model binary for a version into dst, reporting
// byte-level progress through onProgress after each chunk. It returns the
// number of bytes written. dst receives no partial cleanup here; the caller
// owns the staging file.
func (c *Client) Download(ctx context.Context, version string, dst io.Writer, onProgress func(Progress)) (int64, error) {
	url := fmt.Sprintf("%s/models/download/%s", c.baseURL, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("model download failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("model download failed: status %d", resp.StatusCode)
	}

	total := resp.ContentLength

	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write model artifact: %w", err)
			}
			written += int64(n)

			if onProgress != nil {
				fraction := -1.0
				if total > 0 {
					fraction = float64(written) / float64(total)
				}
				onProgress(Progress{Bytes: written, Total: total, Fraction: fraction})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, fmt.Errorf("model download interrupted: %w", readErr)
		}
	}

	return written, nil
}
