package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PhoneClient drives a call-control style REST API: originate a call, then
// steer it with per-call actions.
type PhoneClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// PhoneConfig configures the phone client.
type PhoneConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func NewPhoneClient(cfg PhoneConfig) (*PhoneClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("providers: phone API key is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("providers: phone API base URL is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &PhoneClient{apiKey: cfg.APIKey, baseURL: cfg.BaseURL, httpClient: hc}, nil
}

type initiateCallRequest struct {
	To         string `json:"to"`
	From       string `json:"from"`
	WebhookURL string `json:"webhook_url"`
}

type initiateCallResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
	} `json:"data"`
}

func (c *PhoneClient) InitiateCall(ctx context.Context, to, from, callbackURL string) (string, error) {
	var out initiateCallResponse
	err := c.post(ctx, "/calls", initiateCallRequest{To: to, From: from, WebhookURL: callbackURL}, &out)
	if err != nil {
		return "", fmt.Errorf("initiate call: %w", err)
	}
	if out.Data.CallControlID == "" {
		return "", fmt.Errorf("initiate call: provider returned no call handle")
	}
	return out.Data.CallControlID, nil
}

func (c *PhoneClient) StartStreaming(ctx context.Context, handle, mediaURL string) error {
	body := map[string]string{
		"stream_url":   mediaURL,
		"stream_track": "both_tracks",
	}
	if err := c.post(ctx, "/calls/"+handle+"/actions/streaming_start", body, nil); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}
	return nil
}

func (c *PhoneClient) Hangup(ctx context.Context, handle string) error {
	if err := c.post(ctx, "/calls/"+handle+"/actions/hangup", map[string]string{}, nil); err != nil {
		return fmt.Errorf("hangup: %w", err)
	}
	return nil
}

func (c *PhoneClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
