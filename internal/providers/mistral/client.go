// Package mistral implements a plain net/http adapter for the Mistral chat
// API, since no official Go SDK for it appears among the broker's
// dependencies.
package mistral

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/broker/llmbroker/internal/broker"
)

const (
	defaultBaseURL = "https://api.mistral.ai/v1/chat/completions"
	callTimeout    = 120 * time.Second
)

// Client is a minimal Mistral chat-completions adapter.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a Client authenticated with apiKey against the default
// Mistral API base URL.
func New(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: callTimeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Ask sends history to model and returns the assistant's reply text.
func (c *Client) Ask(model string, history []broker.Message) (string, error) {
	messages := make([]chatMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return c.complete(model, messages)
}

// AnalyzeImage sends an image plus prompt to model using Mistral's
// multi-part content convention (an image_url part alongside text).
func (c *Client) AnalyzeImage(model string, image []byte, prompt string) (string, error) {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)
	content := []map[string]any{
		{"type": "text", "text": prompt},
		{"type": "image_url", "image_url": dataURL},
	}
	messages := []chatMessage{{Role: "user", Content: content}}
	return c.complete(model, messages)
}

func (c *Client) complete(model string, messages []chatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("mistral: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("mistral: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("mistral: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("mistral: reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("mistral: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("mistral: decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("mistral: empty response")
	}
	return parsed.Choices[0].Message.Content, nil
}
