package ai

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"conductor/internal/cache"
	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/pkg/models"
)

// ErrCancelled is returned when a run was cancelled externally. The caller
// should mark the work item CANCELLED rather than FAILED.
var ErrCancelled = errors.New("run cancelled")

// flushEvery throttles streamed-output persistence so observers see partial
// progress without hammering the store.
const flushEvery = 250 * time.Millisecond

// Runner executes prompts through agent identities: it resolves provider
// candidates for the agent's harness, fails over on rate limits, persists
// run state and streamed output, and respects external cancellation.
type Runner struct {
	db     *gorm.DB
	router *Router
	cache  *cache.Cache
	cfg    *config.Config
}

// NewRunner wires a runner over the shared store and provider router
func NewRunner(db *gorm.DB, router *Router, c *cache.Cache, cfg *config.Config) *Runner {
	return &Runner{db: db, router: router, cache: c, cfg: cfg}
}

func (r *Runner) loadAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	key := "agent:" + agentID
	var agent models.Agent
	if r.cache.Get(ctx, key, &agent) {
		return &agent, nil
	}
	if err := r.db.First(&agent, "id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("agent not found")
		}
		return nil, err
	}
	r.cache.Set(ctx, key, &agent, time.Minute)
	return &agent, nil
}

func (r *Runner) runState(id string) models.RunState {
	var run models.AgentRun
	if err := r.db.Select("state").First(&run, "id = ?", id).Error; err != nil {
		return ""
	}
	return run.State
}

func (r *Runner) cancelled(id string) bool {
	return r.runState(id) == models.RunCancelled
}

// Invoke runs one prompt through the agent identity in the request. The
// resulting Message row shares the invocation ID so streamed partial output
// and the final content land on the same row.
func (r *Runner) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if r.cancelled(req.InvocationID) {
		return nil, ErrCancelled
	}

	agent, err := r.loadAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	// The run row is the lifecycle record: cancellation flags, provider
	// selection, and lease reconciliation all read it. Callers that
	// pre-created one keep theirs.
	r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.AgentRun{
		ID:      req.InvocationID,
		RoomID:  req.RoomID,
		AgentID: req.AgentID,
		UserID:  req.UserID,
		State:   models.RunQueued,
	})

	// Placeholder message so observers can watch streamed deltas arrive.
	r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Message{
		ID:         req.InvocationID,
		RoomID:     req.RoomID,
		AuthorID:   req.AgentID,
		AuthorType: "agent",
		UserID:     req.UserID,
	})

	now := time.Now()
	r.db.Model(&models.AgentRun{}).
		Where("id = ? AND state = ?", req.InvocationID, models.RunQueued).
		Updates(map[string]any{"state": models.RunInProgress, "started_at": now})

	system := agent.SystemPrompt
	if system == "" {
		system = "You are an AI agent named " + agent.Name + ". Respond helpfully and concisely."
	}

	candidates, err := r.router.CandidatesForHarness(agent.Harness)
	if err != nil {
		r.failRun(req.InvocationID, err.Error())
		return nil, err
	}

	// Streamed output accumulates here; flush throttled to the store.
	var streamed string
	var lastFlush time.Time
	flush := func(force bool) {
		if !force && time.Since(lastFlush) < flushEvery {
			return
		}
		lastFlush = time.Now()
		if r.cancelled(req.InvocationID) {
			return
		}
		r.db.Model(&models.Message{}).
			Where("id = ?", req.InvocationID).
			Update("content", streamed)
	}
	onDelta := func(text string) {
		streamed += text
		flush(false)
	}

	var response string
	var lastErr error
	var chosen *ProviderCandidate

	for {
		if r.cancelled(req.InvocationID) {
			return nil, ErrCancelled
		}

		for i := range candidates {
			c := candidates[i]
			if r.router.Saturated(c) {
				continue
			}

			r.db.Model(&models.AgentRun{}).
				Where("id = ? AND state <> ?", req.InvocationID, models.RunCancelled).
				Updates(map[string]any{
					"state":         models.RunInProgress,
					"provider_key":  c.ProviderKey,
					"provider_type": string(c.Type),
					"model":         c.Model,
					"started_at":    time.Now(),
				})

			streamed = ""
			out, callErr := r.callProvider(ctx, c, system, req.Prompt, onDelta)
			if callErr == nil {
				metrics.Get().ProviderCallsTotal.WithLabelValues(c.ProviderKey, "ok").Inc()
				// Count usage only once the call succeeded.
				if err := r.router.RecordCallStart(c); err != nil {
					logging.S().Warnw("usage record failed", "provider", c.ProviderKey, "error", err)
				}
				response = out
				chosen = &c
				break
			}

			lastErr = callErr
			r.router.HandleProviderError(c, callErr)
			if IsRateLimit(callErr) {
				metrics.Get().ProviderCallsTotal.WithLabelValues(c.ProviderKey, "rate_limited").Inc()
				metrics.Get().ProviderFailoversTotal.WithLabelValues(c.ProviderKey).Inc()
				logging.S().Infow("provider rate limited, trying next candidate",
					"provider", c.ProviderKey, "agent", agent.Name)
				continue
			}
			metrics.Get().ProviderCallsTotal.WithLabelValues(c.ProviderKey, "error").Inc()
			r.failRun(req.InvocationID, callErr.Error())
			return nil, callErr
		}

		if chosen != nil {
			break
		}

		// Every candidate was saturated or rate limited.
		if !r.cfg.QueueOnSaturation {
			msg := "all providers saturated for harness " + agent.Harness
			if lastErr != nil {
				msg = lastErr.Error()
			}
			r.failRun(req.InvocationID, msg)
			return nil, NewRateLimitError(429, 0, "%s", msg)
		}

		reset, ok := r.router.EarliestReset(candidates)
		if !ok {
			reset = 5 * time.Second
		}
		wait := reset + 250*time.Millisecond
		if wait > r.cfg.QueueMaxWait {
			wait = r.cfg.QueueMaxWait
		}

		r.db.Model(&models.AgentRun{}).
			Where("id = ? AND state <> ?", req.InvocationID, models.RunCancelled).
			Update("state", models.RunQueued)
		logging.S().Infow("all providers saturated, waiting for quota reset",
			"harness", agent.Harness, "wait", wait)
		metrics.Get().SaturationWaitSeconds.Observe(wait.Seconds())

		select {
		case <-ctx.Done():
			r.failRun(req.InvocationID, "context cancelled while waiting for quota reset")
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	if r.cancelled(req.InvocationID) {
		return nil, ErrCancelled
	}

	if streamed != "" {
		flush(true)
	}
	if response == "" {
		response = streamed
	}

	completed := time.Now()
	r.db.Model(&models.Message{}).
		Where("id = ?", req.InvocationID).
		Update("content", response)
	r.db.Model(&models.AgentRun{}).
		Where("id = ? AND state <> ?", req.InvocationID, models.RunCancelled).
		Updates(map[string]any{
			"state":         models.RunSucceeded,
			"completed_at":  completed,
			"error_message": "",
		})

	return &InvokeResult{
		Content:     response,
		ProviderKey: chosen.ProviderKey,
		Model:       chosen.Model,
	}, nil
}

func (r *Runner) callProvider(ctx context.Context, c ProviderCandidate, system, prompt string, onDelta DeltaFunc) (string, error) {
	switch c.Type {
	case config.ProtocolAnthropic:
		if c.APIKey == "" {
			return "", &ConfigError{Message: "missing API key for provider " + c.ProviderKey}
		}
		opts := MessagesOptions{
			BaseURL:     c.BaseURL,
			APIKey:      c.APIKey,
			Model:       c.Model,
			System:      system,
			Prompt:      prompt,
			Temperature: 0.2,
			MaxTokens:   2048,
		}
		if r.cfg.Streaming {
			return RunMessagesStream(ctx, opts, onDelta)
		}
		return RunMessages(ctx, opts)

	case config.ProtocolCLI:
		return RunCLI(ctx, CLIOptions{
			Command:        c.CLICommand,
			Args:           c.CLIArgs,
			PromptMode:     c.CLIPromptMode,
			Prompt:         system + "\n\n" + prompt,
			Model:          c.Model,
			RateLimitRegex: c.RateLimitRegex,
			Timeout:        time.Duration(c.TimeoutSeconds) * time.Second,
		})

	default:
		opts := ChatOptions{
			BaseURL: c.BaseURL,
			APIKey:  c.APIKey,
			Model:   c.Model,
			Messages: []ChatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: prompt},
			},
			Temperature: 0.2,
		}
		if r.cfg.Streaming {
			return RunChatCompletionStream(ctx, opts, onDelta)
		}
		return RunChatCompletion(ctx, opts)
	}
}

func (r *Runner) failRun(id, msg string) {
	completed := time.Now()
	r.db.Model(&models.AgentRun{}).
		Where("id = ? AND state <> ?", id, models.RunCancelled).
		Updates(map[string]any{
			"state":         models.RunFailed,
			"error_message": msg,
			"completed_at":  completed,
		})
}
