package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
)

// UploadItem is one image in a batch upload. Items and labels are paired by
// order in the multipart request.
type UploadItem struct {
	Filename string
	Label    string
	Data     []byte
}

// UploadError is a per-item failure in the server's response, addressable by
// the item's index within the submitted batch.
type UploadError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type UploadResult struct {
	Success  int           `json:"success"`
	Failed   int           `json:"failed"`
	Total    int           `json:"total"`
	ImageIDs []string      `json:"image_ids"`
	Errors   []UploadError `json:"errors"`
	BatchID  string        `json:"batch_id,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// FailedIndexes returns the set of item indexes the server rejected.
func (r *UploadResult) FailedIndexes() map[int]string {
	failed := make(map[int]string, len(r.Errors))
	for _, e := range r.Errors {
		failed[e.Index] = e.Error
	}

	return failed
}

// UploadBatch submits a batch of labeled images in a single multipart
// request: repeated "images" file parts plus a "labels" JSON array aligned
// by order. A transport error means nothing in the batch was acknowledged.
func (c *Client) UploadBatch(ctx context.Context, items []UploadItem, batchID string) (*UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	labels := make([]string, 0, len(items))
	for _, item := range items {
		part, err := writer.CreateFormFile("images", item.Filename)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(item.Data); err != nil {
			return nil, err
		}
		labels = append(labels, item.Label)
	}

	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, err
	}
	if err := writer.WriteField("labels", string(labelsJSON)); err != nil {
		return nil, err
	}
	if err := writer.WriteField("client_id", c.clientID); err != nil {
		return nil, err
	}
	if batchID != "" {
		if err := writer.WriteField("batch_id", batchID); err != nil {
			return nil, err
		}
	}
	if err := writer.WriteField("auto_validate", "true"); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	url := c.baseURL + "/training/images/upload_from_mobile"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.apiClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch upload failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	// Per-item failures arrive in a 2xx body; any other status is a
	// batch-level rejection and nothing in the batch was stored.
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var reject struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&reject); err == nil && reject.Error != "" {
			return nil, fmt.Errorf("batch upload rejected: status %d: %s", resp.StatusCode, reject.Error)
		}
		return nil, fmt.Errorf("batch upload failed: status %d", resp.StatusCode)
	}

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}

	return &result, nil
}
