// ABOUTME: Completer implementations for Ollama and OpenAI-compatible chat APIs
// ABOUTME: Both run deterministically with temperature 0 and a fixed seed

package clarify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
)

// OllamaCompleter talks to an Ollama server's /api/chat endpoint.
type OllamaCompleter struct {
	client *api.Client
	model  string
	seed   int
}

// NewOllamaCompleter creates a completer for the Ollama server at baseURL.
func NewOllamaCompleter(baseURL, model string, seed int, timeout time.Duration) (*OllamaCompleter, error) {
	if model == "" {
		return nil, errors.New("ollama completer: model is required")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama completer: parsing base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaCompleter{
		client: api.NewClient(u, &http.Client{Timeout: timeout}),
		model:  model,
		seed:   seed,
	}, nil
}

func (c *OllamaCompleter) Snapshot() string { return "ollama:" + c.model }

func (c *OllamaCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0,
			"seed":        c.seed,
		},
	}

	var out strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return out.String(), nil
}

// OpenAICompleter talks to any OpenAI-compatible chat completions API.
type OpenAICompleter struct {
	client *openai.Client
	model  string
	seed   int
}

// NewOpenAICompleter creates a completer. An empty baseURL uses the OpenAI default.
func NewOpenAICompleter(baseURL, apiKey, model string, seed int) (*OpenAICompleter, error) {
	if model == "" {
		return nil, errors.New("openai completer: model is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAICompleter{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		seed:   seed,
	}, nil
}

func (c *OpenAICompleter) Snapshot() string { return "openai:" + c.model }

func (c *OpenAICompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	seed := c.seed
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: p.User},
		},
		// A literal 0 is dropped by omitempty and the server default applies
		Temperature: math.SmallestNonzeroFloat32,
		Seed:        &seed,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

var (
	_ Completer = (*OllamaCompleter)(nil)
	_ Completer = (*OpenAICompleter)(nil)
)
