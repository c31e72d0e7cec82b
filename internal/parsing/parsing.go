// Package parsing extracts structured plans from free-form agent output.
// Every function is pure and total: malformed input yields nil, never an
// error or panic, because these feed directly into orchestrator control flow.
package parsing

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var jsonFence = regexp.MustCompile("(?is)```json\\s*(.*?)\\s*```")

// ExtractJSONBlock pulls a JSON object out of agent text. A fenced ```json
// block wins; otherwise the slice from the first "{" to the last "}" is used.
func ExtractJSONBlock(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if t == "" {
		return "", false
	}

	if m := jsonFence.FindStringSubmatch(t); m != nil && strings.TrimSpace(m[1]) != "" {
		return strings.TrimSpace(m[1]), true
	}

	start := strings.Index(t, "{")
	end := strings.LastIndex(t, "}")
	if start != -1 && end > start {
		return strings.TrimSpace(t[start : end+1]), true
	}
	return "", false
}

// ReviewVerdict is the decision a reviewer expressed
type ReviewVerdict string

const (
	VerdictApproved      ReviewVerdict = "APPROVED"
	VerdictChangesNeeded ReviewVerdict = "CHANGES_NEEDED"
)

// ReviewOutcome is a parsed review response. Details carries the full
// reviewer text so rework prompts can quote it.
type ReviewOutcome struct {
	Verdict ReviewVerdict
	Details string
}

// ParseReviewOutcome reads a reviewer's verdict. The first line takes
// priority; a substring scan is the fallback, and CHANGES_NEEDED wins when
// both keywords appear. Returns nil when no verdict can be read.
func ParseReviewOutcome(text string) *ReviewOutcome {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}

	firstLine := t
	if idx := strings.IndexAny(t, "\r\n"); idx != -1 {
		firstLine = t[:idx]
	}
	head := strings.ToUpper(strings.TrimSpace(firstLine))
	if head == "" {
		if len(t) > 40 {
			head = strings.ToUpper(strings.TrimSpace(t[:40]))
		} else {
			head = strings.ToUpper(t)
		}
	}

	if strings.HasPrefix(head, string(VerdictApproved)) {
		return &ReviewOutcome{Verdict: VerdictApproved, Details: t}
	}
	if strings.HasPrefix(head, string(VerdictChangesNeeded)) {
		return &ReviewOutcome{Verdict: VerdictChangesNeeded, Details: t}
	}

	upper := strings.ToUpper(t)
	if strings.Contains(upper, string(VerdictChangesNeeded)) {
		return &ReviewOutcome{Verdict: VerdictChangesNeeded, Details: t}
	}
	if strings.Contains(upper, string(VerdictApproved)) {
		return &ReviewOutcome{Verdict: VerdictApproved, Details: t}
	}
	return nil
}

// PlannedTask is one task extracted from a decompose response
type PlannedTask struct {
	Title   string `json:"title"`
	Prompt  string `json:"prompt"`
	AgentID string `json:"agentId,omitempty"`
}

// PlannedEpic groups planned tasks under one epic title
type PlannedEpic struct {
	Title string        `json:"title"`
	Tasks []PlannedTask `json:"tasks"`
}

// DecomposePlan is a parsed decompose response: either flat Tasks or Epics,
// never both.
type DecomposePlan struct {
	Tasks []PlannedTask
	Epics []PlannedEpic
}

func normalizeTask(raw json.RawMessage) *PlannedTask {
	var t struct {
		Title   any `json:"title"`
		Prompt  any `json:"prompt"`
		AgentID any `json:"agentId"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil
	}
	title, _ := t.Title.(string)
	prompt, _ := t.Prompt.(string)
	agentID, _ := t.AgentID.(string)
	title = strings.TrimSpace(title)
	prompt = strings.TrimSpace(prompt)
	if title == "" || prompt == "" {
		return nil
	}
	return &PlannedTask{Title: title, Prompt: prompt, AgentID: strings.TrimSpace(agentID)}
}

// ParseDecomposePlan reads a decompose response containing either a flat
// tasks[] array or an epics[{title,tasks[]}] array. Malformed entries are
// dropped; epics with no surviving task are dropped; nil when nothing valid
// remains.
func ParseDecomposePlan(text string) *DecomposePlan {
	jsonText, ok := ExtractJSONBlock(text)
	if !ok {
		return nil
	}

	var parsed struct {
		Tasks []json.RawMessage `json:"tasks"`
		Epics []struct {
			Title any               `json:"title"`
			Tasks []json.RawMessage `json:"tasks"`
		} `json:"epics"`
	}
	if err := json.Unmarshal([]byte(jsonText), &parsed); err != nil {
		return nil
	}

	if len(parsed.Epics) > 0 {
		var epics []PlannedEpic
		for _, e := range parsed.Epics {
			title, _ := e.Title.(string)
			title = strings.TrimSpace(title)
			if title == "" || len(e.Tasks) == 0 {
				continue
			}
			var tasks []PlannedTask
			for _, raw := range e.Tasks {
				if t := normalizeTask(raw); t != nil {
					tasks = append(tasks, *t)
				}
			}
			if len(tasks) > 0 {
				epics = append(epics, PlannedEpic{Title: title, Tasks: tasks})
			}
		}
		if len(epics) == 0 {
			return nil
		}
		return &DecomposePlan{Epics: epics}
	}

	if parsed.Tasks == nil {
		return nil
	}
	var tasks []PlannedTask
	for _, raw := range parsed.Tasks {
		if t := normalizeTask(raw); t != nil {
			tasks = append(tasks, *t)
		}
	}
	if len(tasks) == 0 {
		return nil
	}
	return &DecomposePlan{Tasks: tasks}
}

const (
	maxLearningTags   = 20
	maxLearningTagLen = 40
)

// Learning is one knowledge item extracted from a learnings response
type Learning struct {
	Kind    string
	Title   string
	Content string
	Tags    []string
}

// ParseLearnings reads a learnings response holding a learnings[],
// knowledge[] or items[] array of {title, content, kind?, tags?}. Entries
// missing title or content are dropped; tags are sanitized and capped.
func ParseLearnings(text string) []Learning {
	jsonText, ok := ExtractJSONBlock(text)
	if !ok {
		return nil
	}

	var parsed struct {
		Learnings []json.RawMessage `json:"learnings"`
		Knowledge []json.RawMessage `json:"knowledge"`
		Items     []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal([]byte(jsonText), &parsed); err != nil {
		return nil
	}

	items := parsed.Learnings
	if items == nil {
		items = parsed.Knowledge
	}
	if items == nil {
		items = parsed.Items
	}
	if items == nil {
		return nil
	}

	var out []Learning
	for _, raw := range items {
		var entry struct {
			Kind    any   `json:"kind"`
			Title   any   `json:"title"`
			Content any   `json:"content"`
			Tags    []any `json:"tags"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		title, _ := entry.Title.(string)
		content, _ := entry.Content.(string)
		kind, _ := entry.Kind.(string)
		title = strings.TrimSpace(title)
		content = strings.TrimSpace(content)
		if title == "" || content == "" {
			continue
		}

		var tags []string
		for _, t := range entry.Tags {
			s, ok := t.(string)
			if !ok {
				continue
			}
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if len(s) > maxLearningTagLen {
				s = s[:maxLearningTagLen]
			}
			tags = append(tags, s)
			if len(tags) == maxLearningTags {
				break
			}
		}

		out = append(out, Learning{
			Kind:    strings.TrimSpace(kind),
			Title:   title,
			Content: content,
			Tags:    tags,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Truncate bounds a string, appending a note with the clipped length
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n\n[truncated " + strconv.Itoa(len(s)-max) + " chars]"
}
