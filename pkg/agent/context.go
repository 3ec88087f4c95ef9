package agent

import (
	"fmt"
	"strings"

	"github.com/hollycliff/reverie/pkg/memory"
	"github.com/hollycliff/reverie/pkg/providers"
)

const (
	defaultHonorific = "friend"

	summaryPromptMaxLen = 1200
	memoryLineMaxLen    = 180
)

// buildSystemPrompt assembles the augmented system instruction: the persona
// text, an honorific directive, and an optional memory-context block built
// from the rolling summary and the strongest memory slots.
func buildSystemPrompt(personaPrompt, callingName, summaryText string, slots []memory.Slot) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(personaPrompt))

	name := strings.TrimSpace(callingName)
	if name == "" {
		name = defaultHonorific
	}
	fmt.Fprintf(&b, "\n\nAddress the user as %q.", name)

	summaryText = strings.TrimSpace(summaryText)
	if summaryText == "" && len(slots) == 0 {
		return b.String()
	}

	b.WriteString("\n\nWhat you remember about this user:")
	if summaryText != "" {
		b.WriteString("\nConversation so far: ")
		b.WriteString(truncateRunes(summaryText, summaryPromptMaxLen))
	}
	for _, slot := range slots {
		line := fmt.Sprintf("%s: %s", slot.Subject, slot.Value)
		fmt.Fprintf(&b, "\n- [%s] %s", slot.Category, truncateRunes(line, memoryLineMaxLen))
	}
	return b.String()
}

// buildHistory converts stored turns into provider messages, oldest first,
// excluding the just-persisted user turn so it is not sent twice. SYSTEM
// turns never reach the model.
func buildHistory(turns []memory.Turn, excludeID int64) []providers.Message {
	out := make([]providers.Message, 0, len(turns))
	for _, t := range turns {
		if t.ID == excludeID {
			continue
		}
		var role string
		switch t.Sender {
		case memory.SenderUser:
			role = providers.RoleUser
		case memory.SenderCharacter:
			role = providers.RoleAssistant
		default:
			continue
		}
		out = append(out, providers.Message{Role: role, Content: t.Content})
	}
	return out
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
