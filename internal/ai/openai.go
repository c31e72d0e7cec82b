package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var httpClient = &http.Client{
	Timeout: 10 * time.Minute,
}

// ChatMessage is one message in a chat-completion conversation
type ChatMessage struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// ChatOptions configures a chat-completion-compatible call
type ChatOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	Messages    []ChatMessage
	Temperature float32
	MaxTokens   int
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func parseRetryAfter(res *http.Response) time.Duration {
	raw := res.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func chatURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/chat/completions"
}

func postChat(ctx context.Context, opts ChatOptions, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       opts.Model,
		Messages:    opts.Messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, err
	}

	url := chatURL(opts.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	}

	res, err := httpClient.Do(req)
	if err != nil {
		return nil, NewProviderError(0, "provider request failed: POST %s: %v", url, err)
	}

	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if res.StatusCode == http.StatusTooManyRequests {
			return nil, NewRateLimitError(res.StatusCode, parseRetryAfter(res), "provider rate limited: %s", strings.TrimSpace(string(text)))
		}
		return nil, NewProviderError(res.StatusCode, "provider error: POST %s -> %d: %s", url, res.StatusCode, strings.TrimSpace(string(text)))
	}
	return res, nil
}

// RunChatCompletion executes a non-streaming chat-completion-compatible call
// and returns choices[0].message.content.
func RunChatCompletion(ctx context.Context, opts ChatOptions) (string, error) {
	res, err := postChat(ctx, opts, false)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", NewProviderError(0, "provider error: invalid response JSON: %v", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == nil {
		return "", NewProviderError(0, "provider error: unexpected response shape (missing choices[0].message.content)")
	}
	return *parsed.Choices[0].Message.Content, nil
}

// RunChatCompletionStream executes a streaming chat-completion-compatible
// call, delivering choices[0].delta.content fragments to onDelta and
// returning the accumulated text. The stream terminates on the [DONE]
// sentinel.
func RunChatCompletionStream(ctx context.Context, opts ChatOptions, onDelta DeltaFunc) (string, error) {
	res, err := postChat(ctx, opts, true)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var out strings.Builder
	err = readSSE(res.Body, func(evt sseEvent) {
		if evt.data == "[DONE]" {
			return
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(evt.data), &chunk); err != nil {
			return
		}
		if len(chunk.Choices) == 0 {
			return
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			out.WriteString(text)
			if onDelta != nil {
				onDelta(text)
			}
		}
	})
	if err != nil {
		return "", NewProviderError(0, "provider error: reading stream: %v", err)
	}
	if out.Len() == 0 {
		return "", NewProviderError(0, "provider error: empty streamed response")
	}
	return out.String(), nil
}
