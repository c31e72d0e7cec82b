package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// defaultRateLimitPattern matches common provider-CLI rate-limit output.
// Heuristic by nature; override per provider with the RATE_LIMIT_REGEX
// setting when a CLI emits these phrases in unrelated contexts.
const defaultRateLimitPattern = `(?i)rate limit|too many requests|429`

// CLIOptions configures a local-process provider call
type CLIOptions struct {
	Command        string
	Args           string // JSON array or space-separated
	PromptMode     string // stdin (default) | arg | template
	Prompt         string
	Model          string // prepended as a [model:...] hint when set
	RateLimitRegex string
	Timeout        time.Duration
}

// parseCLIArgs accepts either a JSON array of strings or a space-split
// argument list (not shell-escaped).
func parseCLIArgs(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
			return arr
		}
		return nil
	}
	return strings.Fields(trimmed)
}

// RunCLI spawns the configured command, feeding the prompt per the prompt
// mode, and returns trimmed stdout. Output matching the rate-limit pattern
// is surfaced as a retryable RateLimitError; empty stdout is a hard error.
func RunCLI(ctx context.Context, opts CLIOptions) (string, error) {
	if opts.Command == "" {
		return "", NewProviderError(0, "missing CLI command for provider")
	}

	pattern := opts.RateLimitRegex
	if pattern == "" {
		pattern = defaultRateLimitPattern
	}
	rateLimitRe, err := regexp.Compile(pattern)
	if err != nil {
		rateLimitRe = regexp.MustCompile(defaultRateLimitPattern)
	}

	fullPrompt := opts.Prompt
	if opts.Model != "" && opts.Model != "cli" {
		fullPrompt = "[model:" + opts.Model + "]\n" + fullPrompt
	}

	args := parseCLIArgs(opts.Args)
	var stdin string
	switch opts.PromptMode {
	case "", "stdin":
		stdin = fullPrompt
	case "arg":
		args = append(args, fullPrompt)
	case "template":
		replaced := false
		for i, a := range args {
			if strings.Contains(a, "{{PROMPT}}") {
				args[i] = strings.ReplaceAll(a, "{{PROMPT}}", fullPrompt)
				replaced = true
			}
		}
		if !replaced {
			return "", NewProviderError(0, "CLI prompt mode is template but no {{PROMPT}} placeholder found in args")
		}
	default:
		return "", NewProviderError(0, "invalid CLI prompt mode %q (expected stdin|arg|template)", opts.PromptMode)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, opts.Command, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	combined := stderr.String()
	if combined == "" {
		combined = stdout.String()
	}

	if runErr != nil {
		msg := strings.TrimSpace(combined)
		if msg == "" {
			msg = runErr.Error()
		}
		if rateLimitRe.MatchString(msg) {
			return "", NewRateLimitError(0, 0, "CLI rate limited: %s", msg)
		}
		return "", NewProviderError(0, "CLI provider failed: %s", msg)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", NewProviderError(0, "CLI provider returned empty output")
	}
	if rateLimitRe.MatchString(out) || rateLimitRe.MatchString(stderr.String()) {
		return "", NewRateLimitError(0, 0, "CLI rate limited: %s", strings.TrimSpace(combined))
	}
	return out, nil
}
