package imageinfo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxHeaderBytes bounds how much of a remote image is read to find its size.
const maxHeaderBytes = 4 << 20

// IsRemoteURL reports whether ref is an http or https link.
func IsRemoteURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Fetcher probes images served over HTTP.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a Fetcher whose requests give up after timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{httpClient: &http.Client{Timeout: timeout}}
}

// ProbeURL downloads the head of the image at ref and probes it. Only as
// much of the body as the decoder needs is read.
func (f *Fetcher) ProbeURL(ctx context.Context, ref string) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return Info{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("image request returned status %d", resp.StatusCode)
	}
	return probe(io.LimitReader(resp.Body, maxHeaderBytes))
}
