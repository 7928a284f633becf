package prompt

// Window selects the conversation context that fits the token budget. The
// budget is maxTokens * 4 characters. Messages are considered newest first;
// accumulation halts before the first message that would exceed the budget,
// and the selection is returned in chronological order. A zero budget, or a
// newest message that alone exceeds it, yields no context. Messages longer
// than maxMessageChars are truncated with an ellipsis marker before
// accounting.
func Window(history []Message, maxTokens int) []Message {
	if maxTokens <= 0 || len(history) == 0 {
		return nil
	}
	budget := maxTokens * 4

	selected := make([]Message, 0, len(history))
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if len(m.Content) > maxMessageChars {
			m.Content = m.Content[:maxMessageChars] + "..."
		}
		cost := len(m.Content)
		if used+cost > budget {
			break
		}
		used += cost
		selected = append(selected, m)
	}

	// Reverse newest-first accumulation back to chronological order.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected
}
