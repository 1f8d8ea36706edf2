package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mojisejr/mimi-vibe-backend/internal/models"
)

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient constructs the client with a bounded request timeout.
func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const systemPrompt = "You are MiMi, a warm fortune-telling guide. " +
	"Interpret the user's question thoughtfully and answer in their language."

// Generate sends one chat completion request and classifies failures:
// network errors, 429 and 5xx are transient; other HTTP errors and
// malformed responses are terminal.
func (c *OpenAIClient) Generate(ctx context.Context, payload models.ReadingPayload) (Result, error) {
	question := payload.Question
	if payload.Topic != "" {
		question = fmt.Sprintf("[%s] %s", payload.Topic, question)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: question},
		},
	})
	if err != nil {
		return Result{}, Terminal(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, Terminal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, Transient(fmt.Errorf("call provider: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Result{}, Transient(fmt.Errorf("provider status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, Terminal(fmt.Errorf("provider status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, Transient(fmt.Errorf("read response: %w", err))
	}
	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{}, Terminal(fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return Result{}, Terminal(fmt.Errorf("provider returned no content"))
	}
	return Result{Text: parsed.Choices[0].Message.Content, Model: parsed.Model}, nil
}
