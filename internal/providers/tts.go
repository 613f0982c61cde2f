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

// TTSClient calls a speech-synthesis REST endpoint and returns raw PCM
// (24 kHz, 16-bit LE, mono) ready for the codec pipeline.
type TTSClient struct {
	apiKey     string
	baseURL    string
	voice      string
	model      string
	httpClient *http.Client
}

type TTSConfig struct {
	APIKey     string
	BaseURL    string
	Voice      string
	Model      string
	HTTPClient *http.Client
}

func NewTTSClient(cfg TTSConfig) (*TTSClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("providers: TTS API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &TTSClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		voice:      cfg.Voice,
		model:      cfg.Model,
		httpClient: hc,
	}, nil
}

func (c *TTSClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"model":           c.model,
		"voice":           c.voice,
		"input":           text,
		"response_format": "pcm", // 24 kHz 16-bit LE mono
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synthesize: provider returned %d: %s", resp.StatusCode, snippet)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("synthesize: read audio: %w", err)
	}
	return audio, nil
}
