package ai

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/pkg/models"
)

// Router resolves harness names to provider candidates and owns the
// store-backed rolling quota counters. Counters are advisory backpressure:
// increments are not transactional across instances, which is acceptable
// because saturation only reorders candidates, it never gates correctness.
type Router struct {
	db *gorm.DB
}

// NewRouter creates a provider router over the shared store
func NewRouter(db *gorm.DB) *Router {
	return &Router{db: db}
}

func candidateFromConfig(pc config.ProviderConfig) *ProviderCandidate {
	if pc.Model == "" {
		return nil
	}
	if pc.Type == config.ProtocolOpenAI && pc.BaseURL == "" {
		return nil
	}
	return &ProviderCandidate{
		ProviderKey:    pc.Key,
		Type:           pc.Type,
		Model:          pc.Model,
		BaseURL:        pc.BaseURL,
		APIKey:         pc.APIKey,
		WindowSeconds:  pc.WindowSeconds,
		MessagesLimit:  pc.MessagesLimit,
		CLICommand:     pc.CLICommand,
		CLIArgs:        pc.CLIArgs,
		CLIPromptMode:  pc.CLIPromptMode,
		RateLimitRegex: pc.RateLimitRegex,
		TimeoutSeconds: pc.TimeoutSeconds,
	}
}

// CandidatesForHarness resolves the ordered provider candidates for a
// harness: the harness default first, then the configured fallback keys.
// Candidates missing required configuration are silently dropped; zero
// resolvable candidates is a ConfigError.
func (r *Router) CandidatesForHarness(harness string) ([]ProviderCandidate, error) {
	primaryKey, primaryType := config.HarnessDefault(harness)
	keys := append([]string{primaryKey}, config.FallbackOrder(harness, primaryKey)...)

	var out []ProviderCandidate
	for i, key := range keys {
		fallbackType := config.ProtocolType("")
		if i == 0 {
			fallbackType = primaryType
		}
		if c := candidateFromConfig(config.ProviderFor(key, fallbackType)); c != nil {
			out = append(out, *c)
		}
	}

	if len(out) == 0 {
		return nil, &ConfigError{Message: fmt.Sprintf(
			"no providers configured for harness %q: set ORC_PROVIDER_%s_BASE_URL / _MODEL",
			harness, toEnvKey(primaryKey))}
	}
	return out, nil
}

func toEnvKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}

// Saturated reports whether a candidate's quota window exists, has not
// elapsed, and usage has reached the limit.
func (r *Router) Saturated(c ProviderCandidate) bool {
	if !c.HasQuota() {
		return false
	}
	var row models.ProviderUsage
	err := r.db.First(&row, "provider_key = ?", c.ProviderKey).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logging.S().Warnw("provider usage read failed", "provider", c.ProviderKey, "error", err)
		}
		return false
	}
	if !time.Now().Before(row.WindowEnd()) {
		return false
	}
	return row.MessagesUsed >= row.MessagesLimit
}

// RecordCallStart counts one message against the candidate's rolling window,
// resetting the window when it has elapsed or its configuration changed.
func (r *Router) RecordCallStart(c ProviderCandidate) error {
	if !c.HasQuota() {
		return nil
	}

	now := time.Now()
	var row models.ProviderUsage
	err := r.db.First(&row, "provider_key = ?", c.ProviderKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.Create(&models.ProviderUsage{
			ProviderKey:     c.ProviderKey,
			WindowStartedAt: now,
			WindowSeconds:   c.WindowSeconds,
			MessagesUsed:    1,
			MessagesLimit:   c.MessagesLimit,
		}).Error
	}
	if err != nil {
		return err
	}

	if !now.Before(row.WindowEnd()) || row.WindowSeconds != c.WindowSeconds || row.MessagesLimit != c.MessagesLimit {
		return r.db.Model(&models.ProviderUsage{}).
			Where("provider_key = ?", c.ProviderKey).
			Updates(map[string]any{
				"window_started_at": now,
				"window_seconds":    c.WindowSeconds,
				"messages_used":     1,
				"messages_limit":    c.MessagesLimit,
			}).Error
	}

	return r.db.Model(&models.ProviderUsage{}).
		Where("provider_key = ?", c.ProviderKey).
		Updates(map[string]any{
			"messages_used":  gorm.Expr("messages_used + 1"),
			"window_seconds": c.WindowSeconds,
			"messages_limit": c.MessagesLimit,
		}).Error
}

// HandleProviderError marks a candidate fully saturated when the error is a
// rate-limit signal, so subsequent claims prefer other candidates without
// waiting for a real counter to fill.
func (r *Router) HandleProviderError(c ProviderCandidate, err error) {
	if !IsRateLimit(err) {
		return
	}
	if markErr := r.markSaturated(c); markErr != nil {
		logging.S().Warnw("failed to mark provider saturated", "provider", c.ProviderKey, "error", markErr)
	}
}

func (r *Router) markSaturated(c ProviderCandidate) error {
	var row models.ProviderUsage
	err := r.db.First(&row, "provider_key = ?", c.ProviderKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if !c.HasQuota() {
			return nil
		}
		return r.db.Create(&models.ProviderUsage{
			ProviderKey:     c.ProviderKey,
			WindowStartedAt: time.Now(),
			WindowSeconds:   c.WindowSeconds,
			MessagesUsed:    c.MessagesLimit,
			MessagesLimit:   c.MessagesLimit,
		}).Error
	}
	if err != nil {
		return err
	}
	return r.db.Model(&models.ProviderUsage{}).
		Where("provider_key = ?", c.ProviderKey).
		Update("messages_used", row.MessagesLimit).Error
}

// EarliestReset returns the minimum remaining window time across the given
// candidates' usage rows; false when no window is still open.
func (r *Router) EarliestReset(candidates []ProviderCandidate) (time.Duration, bool) {
	keys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, c.ProviderKey)
	}
	if len(keys) == 0 {
		return 0, false
	}

	var rows []models.ProviderUsage
	if err := r.db.Find(&rows, "provider_key IN ?", keys).Error; err != nil {
		logging.S().Warnw("provider usage scan failed", "error", err)
		return 0, false
	}

	now := time.Now()
	var best time.Duration
	found := false
	for _, row := range rows {
		remaining := row.WindowEnd().Sub(now)
		if remaining <= 0 {
			continue
		}
		if !found || remaining < best {
			best = remaining
			found = true
		}
	}
	return best, found
}
