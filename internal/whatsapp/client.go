// Package whatsapp integrates with an Evolution API instance: sending
// reply messages and decoding inbound webhook events.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client sends messages through the Evolution API HTTP interface.
type Client struct {
	baseURL  string
	apiKey   string
	instance string
	http     *http.Client
}

// New creates a sender for the given Evolution API instance.
func New(baseURL, apiKey, instance string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		instance: instance,
		http:     &http.Client{Timeout: timeout},
	}
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendTextResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

// SendText sends a literal text message to the chat identified by
// chatID (a JID or bare number) and returns the provider's message id.
func (c *Client) SendText(ctx context.Context, chatID, text string) (string, error) {
	body, err := json.Marshal(sendTextRequest{Number: chatID, Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/message/sendText/%s", c.baseURL, c.instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send text to %s: %w", chatID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("send text to %s: status %d: %s", chatID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out sendTextResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// The message went out; a malformed response only costs the id.
		return "", nil
	}
	return out.Key.ID, nil
}
