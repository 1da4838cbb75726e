package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// fetchJSON GETs path from target's debug HTTP endpoint and decodes the
// response into v, following fbclock/daemon/datafetcher_http.go's
// HTTPFetcher pattern of wrapping one GET+decode per call.
func fetchJSON(target, path string, v interface{}) error {
	url := fmt.Sprintf("http://%s%s", target, path)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response from %s: %w", url, err)
	}
	return nil
}
