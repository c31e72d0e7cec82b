package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// MessagesOptions configures a message-API-compatible call
type MessagesOptions struct {
	BaseURL     string // optional; the public API endpoint is the default
	APIKey      string
	Model       string
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicDelta struct {
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

func postMessages(ctx context.Context, opts MessagesOptions, stream bool) (*http.Response, error) {
	base := opts.BaseURL
	if base == "" {
		base = anthropicDefaultBaseURL
	}
	url := strings.TrimRight(base, "/") + "/v1/messages"

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       opts.Model,
		Messages:    []ChatMessage{{Role: "user", Content: opts.Prompt}},
		MaxTokens:   maxTokens,
		System:      opts.System,
		Temperature: opts.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", opts.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	res, err := httpClient.Do(req)
	if err != nil {
		return nil, NewProviderError(0, "anthropic request failed: %v", err)
	}

	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if res.StatusCode == http.StatusTooManyRequests {
			return nil, NewRateLimitError(res.StatusCode, parseRetryAfter(res), "anthropic rate limited: %s", strings.TrimSpace(string(text)))
		}
		return nil, NewProviderError(res.StatusCode, "anthropic error: %d: %s", res.StatusCode, strings.TrimSpace(string(text)))
	}
	return res, nil
}

// RunMessages executes a non-streaming message-API-compatible call and
// concatenates all text content blocks.
func RunMessages(ctx context.Context, opts MessagesOptions) (string, error) {
	res, err := postMessages(ctx, opts, false)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", NewProviderError(0, "anthropic error: invalid response JSON: %v", err)
	}
	if parsed.Content == nil {
		return "", NewProviderError(0, "anthropic error: unexpected response shape (missing content array)")
	}

	var out strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", NewProviderError(0, "anthropic error: empty text response")
	}
	return text, nil
}

// RunMessagesStream executes a streaming message-API-compatible call,
// extracting only content_block_delta events' delta.text.
func RunMessagesStream(ctx context.Context, opts MessagesOptions, onDelta DeltaFunc) (string, error) {
	res, err := postMessages(ctx, opts, true)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var out strings.Builder
	err = readSSE(res.Body, func(evt sseEvent) {
		if evt.event != "content_block_delta" {
			return
		}
		var chunk anthropicDelta
		if err := json.Unmarshal([]byte(evt.data), &chunk); err != nil {
			return
		}
		if chunk.Delta.Text != "" {
			out.WriteString(chunk.Delta.Text)
			if onDelta != nil {
				onDelta(chunk.Delta.Text)
			}
		}
	})
	if err != nil {
		return "", NewProviderError(0, "anthropic error: reading stream: %v", err)
	}

	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", NewProviderError(0, "anthropic error: empty streamed response")
	}
	return text, nil
}
