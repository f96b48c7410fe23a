// Package homeassistant provides a minimal client for the Home
// Assistant REST API, scoped to service calls.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bakeable/ha-add-on-whatsapp-api/internal/rules"
)

// Client calls Home Assistant services over REST. The HTTP client
// carries a timeout so a hanging call cannot stall rule processing
// indefinitely.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the Home Assistant instance at baseURL,
// authenticating with a long-lived access token.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// CallService invokes a service identified as "domain.service"
// (e.g. "light.turn_on") against POST /api/services/{domain}/{service}.
// The target entity, when present, is merged into the payload as
// entity_id alongside the action data.
func (c *Client) CallService(ctx context.Context, service string, target *rules.ServiceTarget, data map[string]any) error {
	domain, name, ok := strings.Cut(service, ".")
	if !ok || domain == "" || name == "" {
		return fmt.Errorf("invalid service identifier %q, expected \"domain.service\"", service)
	}

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	if target != nil && target.EntityID != "" {
		payload["entity_id"] = target.EntityID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal service payload: %w", err)
	}

	url := fmt.Sprintf("%s/api/services/%s/%s", c.baseURL, domain, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build service request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("call %s: status %d: %s", service, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
