package providers

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

// LLMClient talks to a chat-completions style endpoint for both dialogue
// analysis and escalation arbitration.
type LLMClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type LLMConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

func NewLLMClient(cfg LLMConfig) (*LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("providers: LLM API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 45 * time.Second}
	}
	return &LLMClient{apiKey: cfg.APIKey, baseURL: cfg.BaseURL, model: cfg.Model, httpClient: hc}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Analyze sends a structured analysis request. The model is instructed to
// reply with a JSON verdict; replies that are not valid JSON degrade to a
// plain "respond" action carrying the raw text.
func (c *LLMClient) Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error) {
	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	text, err := c.chat(ctx, msgs, req.MaxTokens)
	if err != nil {
		return AnalyzeResult{}, err
	}
	return ParseAnalyzeReply(text), nil
}

// Complete returns raw completion text for a single prompt.
func (c *LLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.chat(ctx, []chatMessage{{Role: "user", Content: prompt}}, 0)
}

func (c *LLMClient) chat(ctx context.Context, msgs []chatMessage, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: msgs, MaxTokens: maxTokens})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("llm returned %d: %s", resp.StatusCode, snippet)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// ParseAnalyzeReply extracts the structured verdict from model text. The
// JSON object may be wrapped in code fences or prose; anything unparseable
// becomes a plain response with low confidence.
func ParseAnalyzeReply(text string) AnalyzeResult {
	candidate := text
	if i := strings.Index(candidate, "{"); i >= 0 {
		if j := strings.LastIndex(candidate, "}"); j > i {
			candidate = candidate[i : j+1]
		}
	}
	var res AnalyzeResult
	if err := json.Unmarshal([]byte(candidate), &res); err == nil && res.Action != "" {
		return res
	}
	return AnalyzeResult{Action: "respond", Response: strings.TrimSpace(text), Confidence: 0.3}
}
