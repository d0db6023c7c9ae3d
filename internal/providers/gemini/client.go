// Package gemini adapts Google's genai SDK to the broker's Client interface.
package gemini

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/broker/llmbroker/internal/broker"
)

const callTimeout = 120 * time.Second

// Client wraps a genai.Client bound to one API key.
type Client struct {
	raw *genai.Client
}

// New creates a Client authenticated with apiKey.
func New(ctx context.Context, apiKey string) (*Client, error) {
	raw, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}
	return &Client{raw: raw}, nil
}

// Ask sends history to model and returns the assistant's reply text.
func (c *Client) Ask(model string, history []broker.Message) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var contents []*genai.Content
	var systemPrompt string
	for _, m := range history {
		if m.Role == "system" {
			systemPrompt += m.Content + "\n"
			continue
		}
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	var config *genai.GenerateContentConfig
	if systemPrompt != "" {
		config = &genai.GenerateContentConfig{SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser)}
	}

	resp, err := c.raw.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return resp.Text(), nil
}

// AnalyzeImage sends an image plus prompt to model.
func (c *Client) AnalyzeImage(model string, image []byte, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, "image/png"),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}

	resp, err := c.raw.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return resp.Text(), nil
}
