package providers

import "unicode/utf8"

// perMessageOverhead approximates the role and framing tokens of a chat turn
const perMessageOverhead = 3

// EstimateTokens returns a deterministic token estimate for text, roughly
// one token per four characters.
func EstimateTokens(text string) int64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int64((n + 3) / 4)
}

// EstimateMessages estimates the prompt tokens of a conversation
func EstimateMessages(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += EstimateTokens(m.Content) + perMessageOverhead
	}
	return total
}

// fillUsage replaces missing token counts with estimates
func fillUsage(u Usage, messages []Message, content string) Usage {
	if u.InputTokens == 0 && len(messages) > 0 {
		u.InputTokens = EstimateMessages(messages)
		u.Estimated = true
	}
	if u.OutputTokens == 0 && content != "" {
		u.OutputTokens = EstimateTokens(content)
		u.Estimated = true
	}
	return u
}
