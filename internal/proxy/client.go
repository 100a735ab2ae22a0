// Package proxy implements the upstream completion clients the gateway calls
// on a cache miss.
//
// Client speaks the OpenAI chat-completions and Anthropic messages APIs. API
// keys are held in memory and never logged or persisted. Echo answers
// locally and is used when no upstream is configured.
package proxy

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

	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/models"
)

const (
	defaultMaxResponseBodySize = 10 << 20 // 10 MB
	defaultTimeout             = 2 * time.Minute
	errorBodySnippet           = 512
)

// Provider represents a supported LLM API provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// providerBaseURLs maps providers to their API base URLs.
var providerBaseURLs = map[Provider]string{
	ProviderOpenAI:    "https://api.openai.com",
	ProviderAnthropic: "https://api.anthropic.com",
}

// providerPaths maps providers to their completion endpoint.
var providerPaths = map[Provider]string{
	ProviderOpenAI:    "/v1/chat/completions",
	ProviderAnthropic: "/v1/messages",
}

// ErrUpstream wraps every failure to obtain a completion.
var ErrUpstream = errors.New("upstream request failed")

// Client calls one upstream provider.
type Client struct {
	provider            Provider
	baseURL             string
	apiKey              string
	client              *http.Client
	maxResponseBodySize int64
}

// NewClient creates a Client for provider. An empty baseURL selects the
// provider's public endpoint.
func NewClient(provider Provider, baseURL, apiKey string) (*Client, error) {
	def, ok := providerBaseURLs[provider]
	if !ok {
		return nil, fmt.Errorf("proxy: unsupported provider %q", provider)
	}
	if baseURL == "" {
		baseURL = def
	}
	return &Client{
		provider:            provider,
		baseURL:             strings.TrimRight(baseURL, "/"),
		apiKey:              apiKey,
		client:              &http.Client{Timeout: defaultTimeout},
		maxResponseBodySize: defaultMaxResponseBodySize,
	}, nil
}

// Backend names the provider for cache keys.
func (c *Client) Backend() string {
	return string(c.provider)
}

// Complete sends one single-turn completion request.
func (c *Client) Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error) {
	body, err := buildRequestBody(c.provider, req)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrUpstream, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+providerPaths[c.provider], bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrUpstream, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setProviderAuth(httpReq)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstream, err)
	}
	if int64(len(respBody)) > c.maxResponseBodySize {
		return nil, fmt.Errorf("%w: response body too large", ErrUpstream)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := respBody
		if len(snippet) > errorBodySnippet {
			snippet = snippet[:errorBodySnippet]
		}
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrUpstream, c.provider, resp.StatusCode, snippet)
	}

	content, err := extractContent(c.provider, respBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	input, output, _ := extractTokenUsage(c.provider, respBody)
	model := extractModel(c.provider, respBody)
	if model == "" {
		model = req.Model
	}

	log.Debug().Str("component", "proxy").Str("provider", string(c.provider)).Str("model", model).
		Int64("input_tokens", input).Int64("output_tokens", output).Dur("latency", time.Since(start)).
		Msg("upstream completion")

	return &models.Completion{
		Content:      content,
		Model:        model,
		InputTokens:  input,
		OutputTokens: output,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildRequestBody(provider Provider, req models.CompletionRequest) ([]byte, error) {
	msgs := []chatMessage{{Role: "user", Content: req.Prompt}}
	switch provider {
	case ProviderAnthropic:
		return json.Marshal(struct {
			Model     string        `json:"model"`
			MaxTokens int           `json:"max_tokens"`
			Messages  []chatMessage `json:"messages"`
		}{req.Model, req.MaxTokens, msgs})
	default:
		return json.Marshal(struct {
			Model     string        `json:"model"`
			MaxTokens int           `json:"max_tokens,omitempty"`
			Messages  []chatMessage `json:"messages"`
		}{req.Model, req.MaxTokens, msgs})
	}
}

// setProviderAuth sets the appropriate authentication header for each provider.
func (c *Client) setProviderAuth(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	switch c.provider {
	case ProviderOpenAI:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	case ProviderAnthropic:
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	}
}

// extractContent pulls the answer text from a provider response.
func extractContent(provider Provider, body []byte) (string, error) {
	switch provider {
	case ProviderAnthropic:
		var parsed struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("decoding response: %w", err)
		}
		var b strings.Builder
		for _, block := range parsed.Content {
			if block.Type == "" || block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		if b.Len() == 0 {
			return "", errors.New("response has no text content")
		}
		return b.String(), nil
	default:
		var parsed struct {
			Choices []struct {
				Message chatMessage `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("decoding response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return "", errors.New("response has no choices")
		}
		return parsed.Choices[0].Message.Content, nil
	}
}

// extractModel pulls the "model" field from a JSON request or response body.
func extractModel(_ Provider, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parsed struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Model
}

// extractTokenUsage pulls input/output/total token counts from the provider response.
func extractTokenUsage(provider Provider, body []byte) (int64, int64, int64) {
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, 0, 0
	}

	usage, ok := parsed["usage"].(map[string]interface{})
	if !ok {
		return 0, 0, 0
	}

	var input, output int64
	switch provider {
	case ProviderOpenAI:
		input = jsonToInt64(usage["prompt_tokens"])
		output = jsonToInt64(usage["completion_tokens"])
		if total := jsonToInt64(usage["total_tokens"]); total > 0 {
			return input, output, total
		}
	case ProviderAnthropic:
		input = jsonToInt64(usage["input_tokens"])
		output = jsonToInt64(usage["output_tokens"])
	}
	return input, output, input + output
}

func jsonToInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
