// Package objectstore uploads images and returns references that can be
// stored in map data.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/OCAP2/worldmap/internal/imageinfo"
	"github.com/OCAP2/worldmap/internal/storage"
)

// Folders used by the shell.
const (
	FolderMaps      = "maps"
	FolderTokens    = "tokens"
	FolderLocations = "locations"
)

// ObjectName builds the stored name for an upload: <folder>/<unix-millis>_<name>.
func ObjectName(folder, name string, now time.Time) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" {
		base = "upload"
	}
	return fmt.Sprintf("%s/%d_%s", folder, now.UnixMilli(), base)
}

// Client uploads to an HTTP object store.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

var _ storage.ObjectStore = (*Client)(nil)

// New creates a new object store client.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload sends data as a multipart form to {baseURL}/upload/{folder} and
// returns the retrieval URL from the response.
func (c *Client) Upload(ctx context.Context, data []byte, folder, name string) (string, error) {
	objectName := ObjectName(folder, name, c.now())

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("name", objectName)
	part, err := writer.CreateFormFile("file", path.Base(objectName))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to copy file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	endpoint := c.baseURL + "/upload/" + url.PathEscape(folder)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", storage.ErrUploadUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload response has no url")
	}
	return out.URL, nil
}

// Healthcheck checks if the object store is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthcheck", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

// Inline stores nothing remotely: the reference is the image itself as a data URL.
type Inline struct{}

var _ storage.ObjectStore = Inline{}

// Upload implements storage.ObjectStore.
func (Inline) Upload(_ context.Context, data []byte, _, _ string) (string, error) {
	return imageinfo.DataURL(data)
}
