// Package anthropic adapts the Anthropic SDK to the broker's Client
// interface: one Ask/AnalyzeImage pair per provider, no retries or
// streaming (the engine forwards provider errors unchanged and does not
// observe partial output).
package anthropic

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/broker/llmbroker/internal/broker"
)

const defaultMaxTokens = 4096
const callTimeout = 120 * time.Second

// Client wraps an anthropic.Client bound to one API key.
type Client struct {
	raw anthropic.Client
}

// New creates a Client authenticated with apiKey.
func New(apiKey string) *Client {
	return &Client{raw: anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))}
}

// Ask sends history to model and returns the assistant's reply text.
func (c *Client) Ask(model string, history []broker.Message) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	systemPrompt, messages := splitSystem(history)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt, Type: "text"}}
	}

	resp, err := c.raw.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", fmt.Errorf("anthropic: empty response")
	}

	var text string
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			text += resp.Content[i].AsText().Text
		}
	}
	return text, nil
}

// AnalyzeImage sends a base64-encoded image plus prompt to model.
func (c *Client) AnalyzeImage(model string, image []byte, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	encoded := base64.StdEncoding.EncodeToString(image)
	imageBlock := anthropic.NewImageBlockBase64("image/png", encoded)
	textBlock := anthropic.NewTextBlock(prompt)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(imageBlock, textBlock),
		},
	}

	resp, err := c.raw.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", fmt.Errorf("anthropic: empty response")
	}

	var text string
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			text += resp.Content[i].AsText().Text
		}
	}
	return text, nil
}

// splitSystem extracts system-role turns into a joined system prompt and
// converts the rest into alternating Anthropic message params.
func splitSystem(history []broker.Message) (string, []anthropic.MessageParam) {
	var systemParts []string
	messages := make([]anthropic.MessageParam, 0, len(history))

	for _, m := range history {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, m.Content)
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	var system string
	for i, p := range systemParts {
		if i > 0 {
			system += "\n\n"
		}
		system += p
	}
	return system, messages
}
