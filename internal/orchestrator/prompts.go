package orchestrator

import (
	"fmt"
	"strings"

	"conductor/pkg/models"
)

// Prompt output is bounded before embedding so a runaway agent response
// cannot balloon downstream prompts.
const maxEmbeddedOutput = 8000

func buildReviewPrompt(originalPrompt, implementerOutput string) string {
	var b strings.Builder
	b.WriteString("You are reviewing completed work. Read the task and the implementer's response, then give a verdict.\n\n")
	b.WriteString("VERDICT FORMAT (mandatory, first line):\n")
	b.WriteString("APPROVED\n")
	b.WriteString("or\n")
	b.WriteString("CHANGES_NEEDED: <specific, actionable details>\n\n")
	b.WriteString("Original task:\n")
	b.WriteString(originalPrompt)
	b.WriteString("\n\nImplementer's response:\n")
	b.WriteString(truncateForPrompt(implementerOutput))
	return b.String()
}

func buildReworkPrompt(originalPrompt, reviewDetails string) string {
	var b strings.Builder
	b.WriteString("Your previous attempt at this task needs changes. Address every point from the review, then redo the task.\n\n")
	b.WriteString("Review feedback:\n")
	b.WriteString(truncateForPrompt(reviewDetails))
	b.WriteString("\n\nOriginal task:\n")
	b.WriteString(originalPrompt)
	return b.String()
}

func buildLearningsPrompt(prdTitle string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "All work for %q is complete. Reflect on what was built and extract reusable learnings.\n\n", prdTitle)
	b.WriteString("OUTPUT FORMAT (mandatory): return a single JSON object, preferably in a ```json code fence```:\n")
	b.WriteString("{\n")
	b.WriteString("  \"learnings\": [\n")
	b.WriteString("    { \"title\": \"...\", \"content\": \"...\", \"kind\": \"optional\", \"tags\": [\"optional\"] }\n")
	b.WriteString("  ]\n")
	b.WriteString("}\n\n")
	b.WriteString("Keep each learning self-contained: something a future agent could apply without this project's context.")
	return b.String()
}

// BuildDecomposePrompt asks an architect agent to split a PRD into
// implementation tasks. Collaborator routes reuse this when they enqueue a
// decompose item.
func BuildDecomposePrompt(prd *models.PRD) string {
	var b strings.Builder
	b.WriteString("You are the architect. Decompose the PRD into implementation tasks.\n\n")
	b.WriteString("OUTPUT FORMAT (mandatory): return a single JSON object. Prefer a ```json code fence```.\n")
	b.WriteString("Choose ONE of these schemas:\n\n")
	b.WriteString("Schema A (flat tasks):\n")
	b.WriteString("{\n")
	b.WriteString("  \"tasks\": [\n")
	b.WriteString("    { \"title\": \"...\", \"prompt\": \"...\", \"agentId\": \"optional-override\" }\n")
	b.WriteString("  ]\n")
	b.WriteString("}\n\n")
	b.WriteString("Schema B (epics -> tasks):\n")
	b.WriteString("{\n")
	b.WriteString("  \"epics\": [\n")
	b.WriteString("    { \"title\": \"...\", \"tasks\": [ { \"title\": \"...\", \"prompt\": \"...\", \"agentId\": \"optional-override\" } ] }\n")
	b.WriteString("  ]\n")
	b.WriteString("}\n\n")
	b.WriteString("Guidance:\n")
	b.WriteString("- Produce tasks that are independently executable and reviewable.\n")
	b.WriteString("- Include acceptance criteria and test guidance in each task prompt.\n")
	b.WriteString("- Keep prompts concise and specific.\n")
	b.WriteString("- Use epics when the PRD is large; otherwise flat tasks is fine.\n\n")
	fmt.Fprintf(&b, "PRD Title: %s\n\n", prd.Title)
	b.WriteString("PRD Content (markdown):\n")
	if prd.Content == "" {
		b.WriteString("(empty)")
	} else {
		b.WriteString(prd.Content)
	}
	return b.String()
}

func truncateForPrompt(s string) string {
	if len(s) <= maxEmbeddedOutput {
		return s
	}
	return s[:maxEmbeddedOutput] + "\n\n[output truncated]"
}
