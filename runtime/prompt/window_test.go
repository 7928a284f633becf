package prompt

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func msgs(contents ...string) []Message {
	out := make([]Message, len(contents))
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out[i] = Message{Role: role, Content: c}
	}
	return out
}

func TestWindowZeroTokensMeansEmpty(t *testing.T) {
	require.Nil(t, Window(msgs("hello"), 0))
	require.Nil(t, Window(nil, 100))
}

func TestWindowKeepsNewestWithinBudget(t *testing.T) {
	history := msgs(
		strings.Repeat("a", 400),
		strings.Repeat("b", 400),
		strings.Repeat("c", 400),
	)
	// Budget 250 tokens = 1000 chars: fits c and b, halts before a.
	got := Window(history, 250)
	require.Len(t, got, 2)
	require.Equal(t, strings.Repeat("b", 400), got[0].Content)
	require.Equal(t, strings.Repeat("c", 400), got[1].Content)
}

func TestWindowHaltsAtFirstOverflow(t *testing.T) {
	history := msgs(
		strings.Repeat("x", 10),
		strings.Repeat("y", 900),
		strings.Repeat("z", 100),
	)
	// Budget 50 tokens = 200 chars: z fits, y does not; accumulation halts
	// even though x alone would fit.
	got := Window(history, 50)
	require.Len(t, got, 1)
	require.Equal(t, strings.Repeat("z", 100), got[0].Content)
}

func TestWindowNewestAloneOverBudgetMeansEmpty(t *testing.T) {
	got := Window(msgs(strings.Repeat("a", 500)), 100)
	require.Empty(t, got)
}

func TestWindowTruncatesLongMessages(t *testing.T) {
	long := strings.Repeat("m", 5000)
	got := Window(msgs(long), 1000)
	require.Len(t, got, 1)
	require.Len(t, got[0].Content, maxMessageChars+3)
	require.True(t, strings.HasSuffix(got[0].Content, "..."))
	require.Equal(t, strings.Repeat("m", maxMessageChars), strings.TrimSuffix(got[0].Content, "..."))
}

func TestWindowProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genHistory := gen.SliceOf(gen.IntRange(0, 6000).Map(func(n int) Message {
		return Message{Role: "user", Content: strings.Repeat("w", n)}
	}))

	properties.Property("window never exceeds the character budget", prop.ForAll(
		func(history []Message, maxTokens int) bool {
			total := 0
			for _, m := range Window(history, maxTokens) {
				total += len(m.Content)
			}
			return total <= maxTokens*4
		},
		genHistory, gen.IntRange(0, 2000),
	))

	properties.Property("window is a chronological suffix of the truncated history", prop.ForAll(
		func(history []Message, maxTokens int) bool {
			got := Window(history, maxTokens)
			if len(got) > len(history) {
				return false
			}
			offset := len(history) - len(got)
			for i, m := range got {
				want := history[offset+i].Content
				if len(want) > maxMessageChars {
					want = want[:maxMessageChars] + "..."
				}
				if m.Content != want {
					return false
				}
			}
			return true
		},
		genHistory, gen.IntRange(0, 2000),
	))

	properties.Property("no message exceeds the truncation bound", prop.ForAll(
		func(history []Message, maxTokens int) bool {
			for _, m := range Window(history, maxTokens) {
				if len(m.Content) > maxMessageChars+3 {
					return false
				}
			}
			return true
		},
		genHistory, gen.IntRange(0, 2000),
	))

	properties.TestingRun(t)
}
