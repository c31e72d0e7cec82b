package parsing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONBlock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{
			name: "fenced json block",
			in:   "Here is the plan:\n```json\n{\"tasks\":[]}\n```\nDone.",
			want: `{"tasks":[]}`,
			ok:   true,
		},
		{
			name: "fence wins over surrounding braces",
			in:   "{note}\n```json\n{\"a\":1}\n```",
			want: `{"a":1}`,
			ok:   true,
		},
		{
			name: "brace slice fallback",
			in:   "prefix {\"a\": {\"b\": 2}} suffix",
			want: `{"a": {"b": 2}}`,
			ok:   true,
		},
		{
			name: "uppercase fence tag",
			in:   "```JSON\n{\"a\":1}\n```",
			want: `{"a":1}`,
			ok:   true,
		},
		{
			name: "no json at all",
			in:   "nothing here",
			ok:   false,
		},
		{
			name: "empty input",
			in:   "   ",
			ok:   false,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractJSONBlock(tc.in)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestParseReviewOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want ReviewVerdict
		nil_ bool
	}{
		{
			name: "approved first line",
			in:   "APPROVED\nLooks good.",
			want: VerdictApproved,
		},
		{
			name: "changes needed with details",
			in:   "CHANGES_NEEDED: fix null check",
			want: VerdictChangesNeeded,
		},
		{
			name: "lowercase first line",
			in:   "approved, ship it",
			want: VerdictApproved,
		},
		{
			name: "tie breaks to changes needed",
			in:   "Not APPROVED because CHANGES_NEEDED in auth.",
			want: VerdictChangesNeeded,
		},
		{
			name: "substring fallback on later line",
			in:   "After careful review:\nCHANGES_NEEDED in the handler.",
			want: VerdictChangesNeeded,
		},
		{
			name: "no verdict",
			in:   "random text",
			nil_: true,
		},
		{
			name: "empty",
			in:   "",
			nil_: true,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ParseReviewOutcome(tc.in)
			if tc.nil_ {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Verdict)
		})
	}
}

func TestParseReviewOutcomeKeepsFullDetails(t *testing.T) {
	t.Parallel()

	got := ParseReviewOutcome("CHANGES_NEEDED: fix null check\nAlso add a test.")
	require.NotNil(t, got)
	assert.Contains(t, got.Details, "fix null check")
	assert.Contains(t, got.Details, "add a test")
}

func TestParseDecomposePlanFlatTasks(t *testing.T) {
	t.Parallel()

	in := "```json\n{\"tasks\":[{\"title\":\"T1\",\"prompt\":\"P1\"},{\"title\":\"\",\"prompt\":\"\"}]}\n```"
	plan := ParseDecomposePlan(in)
	require.NotNil(t, plan)
	assert.Nil(t, plan.Epics)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "T1", plan.Tasks[0].Title)
	assert.Equal(t, "P1", plan.Tasks[0].Prompt)
}

func TestParseDecomposePlanEpics(t *testing.T) {
	t.Parallel()

	in := `{"epics":[
		{"title":"Auth","tasks":[{"title":"Login","prompt":"Build login","agentId":"a2"}]},
		{"title":"Empty","tasks":[]},
		{"title":"Junk","tasks":[{"title":"","prompt":""}]}
	]}`
	plan := ParseDecomposePlan(in)
	require.NotNil(t, plan)
	assert.Nil(t, plan.Tasks)
	require.Len(t, plan.Epics, 1)
	assert.Equal(t, "Auth", plan.Epics[0].Title)
	require.Len(t, plan.Epics[0].Tasks, 1)
	assert.Equal(t, "a2", plan.Epics[0].Tasks[0].AgentID)
}

func TestParseDecomposePlanRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{name: "no json", in: "no plan here"},
		{name: "invalid json", in: "```json\n{broken\n```"},
		{name: "tasks not an array", in: `{"tasks":"nope"}`},
		{name: "all tasks invalid", in: `{"tasks":[{"title":""},{"prompt":""}]}`},
		{name: "all epics empty", in: `{"epics":[{"title":"E","tasks":[]}]}`},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Nil(t, ParseDecomposePlan(tc.in))
		})
	}
}

func TestParseLearnings(t *testing.T) {
	t.Parallel()

	in := `{"learnings":[
		{"title":"Use leases","content":"Conditional claims beat locks.","kind":"pattern","tags":["queue","  ",42,"scheduling"]},
		{"title":"","content":"dropped"}
	]}`
	got := ParseLearnings(in)
	require.Len(t, got, 1)
	assert.Equal(t, "Use leases", got[0].Title)
	assert.Equal(t, "pattern", got[0].Kind)
	assert.Equal(t, []string{"queue", "scheduling"}, got[0].Tags)
}

func TestParseLearningsAlternateKeys(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"learnings", "knowledge", "items"} {
		in := `{"` + key + `":[{"title":"A","content":"B"}]}`
		got := ParseLearnings(in)
		require.Len(t, got, 1, "key %q", key)
	}

	assert.Nil(t, ParseLearnings(`{"other":[{"title":"A","content":"B"}]}`))
	assert.Nil(t, ParseLearnings("no json"))
}

func TestParseLearningsTagCaps(t *testing.T) {
	t.Parallel()

	long := make([]byte, 60)
	for i := range long {
		long[i] = 'x'
	}
	in := `{"items":[{"title":"A","content":"B","tags":["` + string(long) + `"]}]}`
	got := ParseLearnings(in)
	require.Len(t, got, 1)
	require.Len(t, got[0].Tags, 1)
	assert.Len(t, got[0].Tags[0], 40)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", Truncate("abc", 10))
	got := Truncate("abcdefghij", 4)
	assert.Contains(t, got, "abcd")
	assert.Contains(t, got, "[truncated 6 chars]")
}
