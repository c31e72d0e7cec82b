// Package config loads orchestrator configuration from the environment.
// godotenv is loaded once in main; everything here reads plain env vars so
// per-provider settings can be added without code changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProtocolType selects which provider protocol a candidate speaks
type ProtocolType string

const (
	ProtocolOpenAI    ProtocolType = "openai_compatible" // POST {base}/chat/completions
	ProtocolAnthropic ProtocolType = "anthropic"         // POST {base}/v1/messages
	ProtocolCLI       ProtocolType = "cli"               // spawn a local command
)

// Config holds the orchestrator-wide settings read once at startup
type Config struct {
	Port        string
	DatabaseURL string // postgres DSN; empty means sqlite
	SQLitePath  string
	RedisURL    string

	PollInterval  time.Duration
	LeaseDuration time.Duration
	Concurrency   int
	InstanceID    string

	Streaming         bool
	ReviewerName      string
	QueueOnSaturation bool
	QueueMaxWait      time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int
	SeedDemo           bool
}

// Load reads the orchestrator configuration with defaults applied
func Load() *Config {
	instanceID := Str("ORC_INSTANCE_ID")
	if instanceID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "orc"
		}
		instanceID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	poll := Duration("ORC_POLL_INTERVAL", 2*time.Second)
	if poll < 250*time.Millisecond {
		poll = 250 * time.Millisecond
	}
	lease := Duration("ORC_LEASE_DURATION", 10*time.Minute)
	if lease < 10*time.Second {
		lease = 10 * time.Second
	}

	concurrency := Int("ORC_CONCURRENCY", 1)
	if concurrency < 1 {
		concurrency = 1
	}

	return &Config{
		Port:              IntStr("PORT", "8085"),
		DatabaseURL:       Str("DATABASE_URL"),
		SQLitePath:        StrDefault("ORC_SQLITE_PATH", "conductor.db"),
		RedisURL:          Str("REDIS_URL"),
		PollInterval:      poll,
		LeaseDuration:     lease,
		Concurrency:       concurrency,
		InstanceID:        instanceID,
		Streaming:         Bool("ORC_STREAMING", true),
		ReviewerName:      StrDefault("ORC_REVIEWER_NAME", "Rex"),
		QueueOnSaturation: Bool("ORC_QUEUE_ON_SATURATION", false),
		QueueMaxWait:      Duration("ORC_QUEUE_MAX_WAIT", 5*time.Minute),

		RateLimitPerMinute: Int("ORC_RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:     Int("ORC_RATE_LIMIT_BURST", 50),
		SeedDemo:           Bool("ORC_SEED_DEMO", false),
	}
}

// ProviderConfig is the resolved env configuration for one provider key
type ProviderConfig struct {
	Key     string
	Type    ProtocolType
	Model   string
	BaseURL string
	APIKey  string

	// Rolling window quota (messages); zero means no quota tracking
	WindowSeconds int
	MessagesLimit int

	// CLI protocol settings
	CLICommand     string
	CLIArgs        string
	CLIPromptMode  string // stdin | arg | template
	RateLimitRegex string
	TimeoutSeconds int
}

func providerEnvName(key, suffix string) string {
	return "ORC_PROVIDER_" + strings.ToUpper(key) + "_" + suffix
}

// ProviderFor reads the configuration for one provider key. Per-key vars win
// over the ORC_PROVIDER_* globals.
func ProviderFor(key string, fallbackType ProtocolType) ProviderConfig {
	get := func(suffix string) string {
		if v := Str(providerEnvName(key, suffix)); v != "" {
			return v
		}
		return Str("ORC_PROVIDER_" + suffix)
	}

	typRaw := strings.ToLower(get("TYPE"))
	typ := fallbackType
	switch typRaw {
	case string(ProtocolAnthropic):
		typ = ProtocolAnthropic
	case string(ProtocolCLI):
		typ = ProtocolCLI
	case string(ProtocolOpenAI):
		typ = ProtocolOpenAI
	case "":
		if typ == "" {
			typ = ProtocolOpenAI
		}
	default:
		typ = ProtocolOpenAI
	}

	model := get("MODEL")
	if model == "" {
		model = Str("ORC_MODEL")
	}
	if model == "" && typ == ProtocolCLI {
		model = "cli"
	}

	windowSeconds := 0
	if v := get("WINDOW_SECONDS"); v != "" {
		windowSeconds, _ = strconv.Atoi(v)
	}
	messagesLimit := 0
	if v := get("MSG_LIMIT"); v != "" {
		messagesLimit, _ = strconv.Atoi(v)
	}

	timeoutSeconds := 300
	if v := get("TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeoutSeconds = n
		}
	}

	return ProviderConfig{
		Key:            key,
		Type:           typ,
		Model:          model,
		BaseURL:        get("BASE_URL"),
		APIKey:         get("API_KEY"),
		WindowSeconds:  windowSeconds,
		MessagesLimit:  messagesLimit,
		CLICommand:     get("CLI_CMD"),
		CLIArgs:        get("CLI_ARGS"),
		CLIPromptMode:  strings.ToLower(get("CLI_PROMPT_MODE")),
		RateLimitRegex: get("RATE_LIMIT_REGEX"),
		TimeoutSeconds: timeoutSeconds,
	}
}

// HarnessDefault maps a harness name to its default provider key and protocol
func HarnessDefault(harness string) (string, ProtocolType) {
	switch harness {
	case "claude-code":
		return "claude", ProtocolAnthropic
	case "codex":
		return "codex", ProtocolOpenAI
	case "glm":
		return "glm", ProtocolOpenAI
	case "kimi":
		return "kimi", ProtocolOpenAI
	case "gemini-cli":
		return "gemini", ProtocolOpenAI
	case "custom":
		return "custom", ProtocolOpenAI
	default:
		key := strings.ToLower(Str("ORC_DEFAULT_PROVIDER"))
		if key == "" {
			key = "custom"
		}
		return key, ProtocolOpenAI
	}
}

func normalizeHarnessKey(harness string) string {
	var b strings.Builder
	lastSep := false
	for _, r := range strings.ToLower(harness) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastSep = false
		} else if !lastSep {
			b.WriteRune('_')
			lastSep = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// FallbackOrder returns the configured fallback provider keys for a harness,
// deduplicated and excluding the primary key.
func FallbackOrder(harness, primaryKey string) []string {
	harnessKey := normalizeHarnessKey(harness)
	raw := Str("ORC_PROVIDER_FALLBACK_ORDER_" + strings.ToUpper(harnessKey))
	if raw == "" {
		raw = Str("ORC_PROVIDER_FALLBACK_ORDER")
	}

	var out []string
	seen := map[string]bool{strings.ToLower(primaryKey): true}
	for _, part := range strings.Split(raw, ",") {
		key := strings.ToLower(strings.TrimSpace(part))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

// Str returns a trimmed env value, empty when unset
func Str(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// StrDefault returns a trimmed env value or the fallback when unset
func StrDefault(key, fallback string) string {
	if v := Str(key); v != "" {
		return v
	}
	return fallback
}

// IntStr returns the env value when it parses as an integer, else the fallback.
// Used for numeric values kept as strings (ports).
func IntStr(key, fallback string) string {
	v := Str(key)
	if v == "" {
		return fallback
	}
	if _, err := strconv.Atoi(v); err != nil {
		return fallback
	}
	return v
}

// Int returns an integer env value or the fallback when unset/invalid
func Int(key string, fallback int) int {
	v := Str(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Bool returns a boolean env value; "1"/"true"/"on"/"yes" are true
func Bool(key string, fallback bool) bool {
	v := strings.ToLower(Str(key))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

// Duration returns a duration env value. Plain integers are treated as
// seconds; otherwise the value must be in time.ParseDuration syntax.
func Duration(key string, fallback time.Duration) time.Duration {
	v := Str(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
