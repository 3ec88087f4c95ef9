package agent

import (
	"strings"
	"testing"

	"github.com/hollycliff/reverie/pkg/memory"
	"github.com/hollycliff/reverie/pkg/providers"
)

func TestBuildSystemPrompt(t *testing.T) {
	slots := []memory.Slot{
		{Category: memory.CategoryFavorite, Subject: "tea", Value: "user likes green tea"},
		{Category: memory.CategorySchedule, Subject: "dentist", Value: "appointment on the 15th"},
	}
	prompt := buildSystemPrompt("You are Mira.", "Sam", "Long friendship.", slots)

	if !strings.HasPrefix(prompt, "You are Mira.") {
		t.Fatalf("persona must lead the prompt: %q", prompt)
	}
	if !strings.Contains(prompt, `Address the user as "Sam".`) {
		t.Fatalf("honorific directive missing: %q", prompt)
	}
	if !strings.Contains(prompt, "Long friendship.") {
		t.Fatalf("summary missing: %q", prompt)
	}
	if !strings.Contains(prompt, "[FAVORITE] tea: user likes green tea") {
		t.Fatalf("slot line missing: %q", prompt)
	}
	if !strings.Contains(prompt, "[SCHEDULE] dentist") {
		t.Fatalf("schedule slot missing: %q", prompt)
	}
}

func TestBuildSystemPromptDefaults(t *testing.T) {
	prompt := buildSystemPrompt("You are Mira.", "", "", nil)
	if !strings.Contains(prompt, `Address the user as "friend".`) {
		t.Fatalf("default honorific missing: %q", prompt)
	}
	if strings.Contains(prompt, "remember") {
		t.Fatalf("no memory block expected without summary or slots: %q", prompt)
	}
}

func TestBuildSystemPromptTruncatesSummary(t *testing.T) {
	long := strings.Repeat("a very long recollection ", 100)
	prompt := buildSystemPrompt("persona", "", long, nil)
	if len([]rune(prompt)) > len("persona")+summaryPromptMaxLen+200 {
		t.Fatalf("summary not truncated, prompt length %d", len(prompt))
	}
}

func TestBuildHistory(t *testing.T) {
	turns := []memory.Turn{
		{ID: 1, Sender: memory.SenderUser, Content: "hi"},
		{ID: 2, Sender: memory.SenderCharacter, Content: "hello"},
		{ID: 3, Sender: memory.SenderSystem, Content: "internal"},
		{ID: 4, Sender: memory.SenderUser, Content: "latest"},
	}
	history := buildHistory(turns, 4)
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[0] != (providers.Message{Role: providers.RoleUser, Content: "hi"}) {
		t.Fatalf("first = %+v", history[0])
	}
	if history[1] != (providers.Message{Role: providers.RoleAssistant, Content: "hello"}) {
		t.Fatalf("second = %+v", history[1])
	}
}
