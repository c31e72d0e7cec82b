// Package ai routes prompt completions across providers. It resolves a
// harness name to an ordered list of provider candidates, tracks rolling
// quota windows in the store, and executes calls over one of three provider
// protocols (chat-completion-compatible HTTP, message-API-compatible HTTP,
// or a local CLI process).
package ai

import (
	"context"

	"conductor/internal/config"
)

// ProviderCandidate is a concrete (protocol, model, credentials, quota)
// resolution for a harness
type ProviderCandidate struct {
	ProviderKey string
	Type        config.ProtocolType
	Model       string
	BaseURL     string
	APIKey      string

	// Rolling window quota (messages); zero disables quota tracking
	WindowSeconds int
	MessagesLimit int

	// CLI protocol settings
	CLICommand     string
	CLIArgs        string
	CLIPromptMode  string
	RateLimitRegex string
	TimeoutSeconds int
}

// HasQuota reports whether this candidate carries a usable quota window
func (c ProviderCandidate) HasQuota() bool {
	return c.WindowSeconds > 0 && c.MessagesLimit > 0
}

// InvokeRequest asks the runner to execute one prompt through an agent
// identity. InvocationID keys the AgentRun and Message rows.
type InvokeRequest struct {
	RoomID       string
	AgentID      string
	UserID       string
	Prompt       string
	InvocationID string
}

// InvokeResult is the outcome of a completed agent invocation
type InvokeResult struct {
	Content     string
	ProviderKey string
	Model       string
}

// Invoker executes a single prompt through an agent identity. The
// orchestrator depends on this interface, not on the concrete runner.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

// DeltaFunc receives streamed output fragments as they arrive
type DeltaFunc func(text string)
