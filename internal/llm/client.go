package llm

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

	"github.com/sashabaranov/go-openai"

	"Jianghu-Annals/server/internal/config"
	"Jianghu-Annals/server/internal/interfaces"
	"Jianghu-Annals/server/internal/models"
)

const (
	defaultBaseURL = "https://open.bigmodel.cn/api/paas/v4"
	defaultTimeout = 120 * time.Second
	maxRetries     = 3
	retryDelay     = 1 * time.Second
)

// Client wraps an OpenAI-compatible endpoint for both blocking agent calls
// and the streamed narration completion.
type Client struct {
	client      *openai.Client
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// NewClient creates a client for the configured endpoint.
func NewClient(cfg config.LLMConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	oaCfg := openai.DefaultConfig(cfg.APIKey)
	oaCfg.BaseURL = baseURL

	return &Client{
		client:      openai.NewClientWithConfig(oaCfg),
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
}

type chatRequest struct {
	Messages    []interfaces.ChatMessage `json:"messages"`
	Model       string                   `json:"model"`
	Temperature float64                  `json:"temperature,omitempty"`
	MaxTokens   int                      `json:"max_tokens,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type chatResponse struct {
	Choices []struct {
		Message interfaces.ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

// Chat sends a blocking chat completion request with retries.
func (c *Client) Chat(ctx context.Context, messages []interfaces.ChatMessage) (string, models.Usage, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", models.Usage{}, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}

		text, usage, err := c.doChatRequest(ctx, messages)
		if err == nil {
			return text, usage, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	return "", models.Usage{}, fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// doChatRequest performs the actual HTTP request
func (c *Client) doChatRequest(ctx context.Context, messages []interfaces.ChatMessage) (string, models.Usage, error) {
	req := &chatRequest{
		Messages:    messages,
		Model:       c.model,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error *apiError `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errorResp); err == nil && errorResp.Error != nil {
			return "", models.Usage{}, fmt.Errorf("API error: %s (code: %s)", errorResp.Error.Message, errorResp.Error.Code)
		}
		return "", models.Usage{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", models.Usage{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", models.Usage{}, fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", models.Usage{}, fmt.Errorf("empty completion")
	}

	usage := models.Usage{
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
		CachedTokens:     chatResp.Usage.PromptTokensDetails.CachedTokens,
	}
	return chatResp.Choices[0].Message.Content, usage, nil
}

// ChatStream starts a streaming completion for the narration stage.
func (c *Client) ChatStream(ctx context.Context, messages []interfaces.ChatMessage) (interfaces.TokenStream, error) {
	oaMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		oaMessages = append(oaMessages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    oaMessages,
		Temperature: float32(c.temperature),
		MaxTokens:   c.maxTokens,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open completion stream: %w", err)
	}

	return &tokenStream{stream: stream}, nil
}

// tokenStream adapts the SDK stream to the TokenStream contract.
type tokenStream struct {
	stream *openai.ChatCompletionStream
	usage  models.Usage
}

func (t *tokenStream) Recv() (string, error) {
	for {
		resp, err := t.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("stream recv: %w", err)
		}
		if resp.Usage != nil {
			t.usage.PromptTokens = resp.Usage.PromptTokens
			t.usage.CompletionTokens = resp.Usage.CompletionTokens
			if resp.Usage.PromptTokensDetails != nil {
				t.usage.CachedTokens = resp.Usage.PromptTokensDetails.CachedTokens
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (t *tokenStream) Usage() models.Usage {
	return t.usage
}

func (t *tokenStream) Close() error {
	return t.stream.Close()
}

// isRetryableError checks if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "rate limit")
}
