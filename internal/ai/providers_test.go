package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "glm-4", req["model"])
		assert.Nil(t, req["stream"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hello there"}}]}`))
	}))
	defer srv.Close()

	out, err := RunChatCompletion(context.Background(), ChatOptions{
		BaseURL: srv.URL,
		APIKey:  "sk-test",
		Model:   "glm-4",
		Messages: []ChatMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
}

func TestRunChatCompletionMissingContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{}}]}`))
	}))
	defer srv.Close()

	_, err := RunChatCompletion(context.Background(), ChatOptions{
		BaseURL: srv.URL, Model: "m",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected response shape")
}

func TestRunChatCompletion429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"quota exceeded"}`))
	}))
	defer srv.Close()

	_, err := RunChatCompletion(context.Background(), ChatOptions{
		BaseURL: srv.URL, Model: "m",
	})
	require.Error(t, err)
	assert.True(t, IsRateLimit(err))

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 30, int(rle.RetryAfter.Seconds()))
}

func TestRunChatCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, true, req["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	var deltas []string
	out, err := RunChatCompletionStream(context.Background(), ChatOptions{
		BaseURL: srv.URL, Model: "m",
	}, func(text string) {
		deltas = append(deltas, text)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", out)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
}

func TestRunChatCompletionStreamEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	_, err := RunChatCompletionStream(context.Background(), ChatOptions{
		BaseURL: srv.URL, Model: "m",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty streamed response")
}

func TestRunMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "you are terse", req["system"])
		assert.EqualValues(t, 1024, req["max_tokens"])

		w.Write([]byte(`{"content":[{"type":"text","text":"first"},{"type":"tool_use"},{"type":"text","text":" second"}]}`))
	}))
	defer srv.Close()

	out, err := RunMessages(context.Background(), MessagesOptions{
		BaseURL: srv.URL,
		APIKey:  "sk-ant",
		Model:   "claude-sonnet-4",
		System:  "you are terse",
		Prompt:  "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "first second", out)
}

func TestRunMessagesStreamOnlyContentBlockDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n"))
		w.Write([]byte("event: content_block_delta\ndata: {\"delta\":{\"text\":\"Hi \"}}\n\n"))
		w.Write([]byte("event: ping\ndata: {}\n\n"))
		w.Write([]byte("event: content_block_delta\ndata: {\"delta\":{\"text\":\"there\"}}\n\n"))
		w.Write([]byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
	}))
	defer srv.Close()

	out, err := RunMessagesStream(context.Background(), MessagesOptions{
		BaseURL: srv.URL, APIKey: "k", Model: "m", Prompt: "hi",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", out)
}

func TestRunMessages429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	_, err := RunMessages(context.Background(), MessagesOptions{
		BaseURL: srv.URL, APIKey: "k", Model: "m", Prompt: "hi",
	})
	require.Error(t, err)
	assert.True(t, IsRateLimit(err))
}

func TestReadSSEMultiDataLines(t *testing.T) {
	var events []sseEvent
	input := "event: thing\ndata: line1\ndata: line2\n\ndata: solo\n\n"
	err := readSSE(strings.NewReader(input), func(e sseEvent) { events = append(events, e) })
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "thing", events[0].event)
	assert.Equal(t, "line1\nline2", events[0].data)
	assert.Equal(t, "solo", events[1].data)
}
