// Package textgen implements the TextGenerator router (§6 component M): an
// OpenAI-compatible HTTP chat-completion client that routes a prompt to a
// provider/model chosen by task complexity (simple/complex/critical), per
// config.ModelsConfig.Routing.
package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ellmago/ellma/internal/config"
)

// Errors raised by this package, matching the failure surface named in §6:
// NotLoaded, GenerationFailed.
var (
	// ErrNotLoaded is returned when no provider/model is configured for the
	// requested (or default) routing complexity.
	ErrNotLoaded = errors.New("textgen: model not loaded")
	// ErrGenerationFailed wraps any transport or API-level failure talking
	// to the provider.
	ErrGenerationFailed = errors.New("textgen: generation failed")
)

// Options configures a single Generate call.
type Options struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
	// Complexity selects which of ModelRouting's three routes ("simple",
	// "complex", "critical") this call is routed through. Empty defaults
	// to "complex".
	Complexity string
}

// Client routes Generate calls to an OpenAI-compatible chat-completion
// endpoint, the one concrete implementation of the abstract TextGenerator
// capability this core depends on (§1).
type Client struct {
	cfg        config.ModelsConfig
	httpClient *http.Client
}

// New creates a Client bound to cfg. A Client with no configured providers
// is still safe to construct; every Generate call on it returns ErrNotLoaded.
func New(cfg config.ModelsConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// chatRequest is the OpenAI-compatible request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate routes prompt to the provider/model selected for opts.Complexity
// and returns the first choice's message content.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	modelID := c.selectModel(opts.Complexity)
	if modelID == "" {
		return "", ErrNotLoaded
	}

	providerName, modelName, ok := strings.Cut(modelID, "/")
	if !ok {
		return "", fmt.Errorf("%w: malformed model id %q (expected provider/model)", ErrNotLoaded, modelID)
	}
	provider, ok := c.cfg.Providers[providerName]
	if !ok {
		return "", fmt.Errorf("%w: provider %q not configured", ErrNotLoaded, providerName)
	}

	body, err := json.Marshal(chatRequest{
		Model:       modelName,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", ErrGenerationFailed, err)
	}

	url := strings.TrimRight(provider.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrGenerationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrGenerationFailed, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrGenerationFailed, err)
	}
	if resp.StatusCode >= 400 {
		if parsed.Error != nil {
			return "", fmt.Errorf("%w: %s (status %d)", ErrGenerationFailed, parsed.Error.Message, resp.StatusCode)
		}
		return "", fmt.Errorf("%w: status %d", ErrGenerationFailed, resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrGenerationFailed)
	}
	return parsed.Choices[0].Message.Content, nil
}

// selectModel mirrors the teacher's Router.SelectModel: pick a route by
// complexity class, defaulting to "complex" for an empty or unknown class.
func (c *Client) selectModel(complexity string) string {
	switch complexity {
	case "simple":
		return c.cfg.Routing.Simple
	case "critical":
		return c.cfg.Routing.Critical
	case "complex", "":
		return c.cfg.Routing.Complex
	default:
		return c.cfg.Routing.Complex
	}
}
