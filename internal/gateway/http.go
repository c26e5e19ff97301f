package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// postJSON POSTs body as JSON to url with the given extra headers,
// decoding a 200 response into out (if out is non-nil). Any other
// status is reported as an error, matching the hooks contract in
// §4.4/§4.7: non-200 means rejection or retryable failure.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode hook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build hook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("hook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hook %s returned status %d", url, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode hook response: %w", err)
		}
	}
	return nil
}

// newOpaqueID generates a fresh opaque identifier for queue envelope
// meta.id, grounded on the pack's use of google/uuid for this purpose.
func newOpaqueID() string {
	return uuid.NewString()
}
