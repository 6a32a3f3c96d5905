// Package text prepares prompt text for submission to the chat page.
package text

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Sanitize strips characters outside the Basic Multilingual Plane.
// The chat input surface rejects supplementary-plane characters (emoji,
// rare CJK) when set programmatically.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x10000 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MergeMessages flattens a chat message list into a single prompt with
// role prefixes, separated by blank lines. Empty messages are skipped.
func MergeMessages(messages []openai.ChatCompletionMessage) string {
	var parts []string
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		content = Sanitize(content)
		switch msg.Role {
		case openai.ChatMessageRoleSystem:
			parts = append(parts, "System: "+content)
		case openai.ChatMessageRoleUser:
			parts = append(parts, "Human: "+content)
		case openai.ChatMessageRoleAssistant:
			parts = append(parts, "Assistant: "+content)
		default:
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n")
}
