// Package ollama adapts the Ollama API client to the broker's Client
// interface, for models served from a local or self-hosted Ollama runtime.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/broker/llmbroker/internal/broker"
)

const callTimeout = 180 * time.Second

// Client wraps an Ollama api.Client bound to one host.
type Client struct {
	raw *api.Client
}

// New creates a Client talking to the Ollama server at hostURL, falling
// back to the local default if hostURL does not parse.
func New(hostURL string) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &Client{raw: api.NewClient(parsed, http.DefaultClient)}
}

// Ask sends history to model and returns the assistant's reply text.
func (c *Client) Ask(model string, history []broker.Message) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	messages := make([]api.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
	}

	stream := false
	var reply string
	err := c.raw.Chat(ctx, &api.ChatRequest{Model: model, Messages: messages, Stream: &stream}, func(resp api.ChatResponse) error {
		reply = resp.Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	return reply, nil
}

// AnalyzeImage sends an image plus prompt to model as a user message with
// an attached image (Ollama's multimodal chat format).
func (c *Client) AnalyzeImage(model string, image []byte, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	stream := false
	var reply string
	req := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{Role: "user", Content: prompt, Images: []api.ImageData{image}},
		},
		Stream: &stream,
	}
	err := c.raw.Chat(ctx, req, func(resp api.ChatResponse) error {
		reply = resp.Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	return reply, nil
}
