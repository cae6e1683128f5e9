package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var reasoningPrefix = regexp.MustCompile(`(?s)^.*?</think>`)

// stripReasoning drops a leading reasoning block, including one whose
// opening tag was never emitted.
func stripReasoning(s string) string {
	return strings.TrimSpace(reasoningPrefix.ReplaceAllString(s, ""))
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// (vLLM, llama.cpp server, hosted APIs).
type OpenAIClient struct {
	http        *resty.Client
	model       string
	temperature float64
}

func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &OpenAIClient{http: c, model: model, temperature: 0.3}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *OpenAIClient) Invoke(ctx context.Context, prompt, system string) (string, error) {
	var msgs []chatMessage
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	var out chatResponse
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{Model: c.model, Messages: msgs, Temperature: c.temperature}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp.IsError() {
		if apiErr.Error.Message != "" {
			return "", fmt.Errorf("api error %d: %s", resp.StatusCode(), apiErr.Error.Message)
		}
		return "", fmt.Errorf("api error %d: %s", resp.StatusCode(), resp.String())
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("empty response choices")
	}
	return stripReasoning(out.Choices[0].Message.Content), nil
}

// OllamaClient talks to a local Ollama server's generate endpoint.
type OllamaClient struct {
	http        *resty.Client
	model       string
	temperature float64
}

func NewOllamaClient(baseURL, model string, timeout time.Duration) *OllamaClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)
	return &OllamaClient{http: c, model: model, temperature: 0.3}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *OllamaClient) Invoke(ctx context.Context, prompt, system string) (string, error) {
	full := prompt
	if system != "" {
		full = system + "\n\n" + prompt
	}

	var out generateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(generateRequest{
			Model:   c.model,
			Prompt:  full,
			Options: map[string]any{"temperature": c.temperature, "seed": 42},
		}).
		SetResult(&out).
		Post("/api/generate")
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("api error %d: %s", resp.StatusCode(), resp.String())
	}
	return stripReasoning(out.Response), nil
}
