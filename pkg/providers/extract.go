package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

const extractionInstructions = `You maintain a rolling summary of a conversation between a user and an AI character, and you extract durable facts about the user.

You will receive the current summary (possibly empty) and a patch of new turns. Each patch line is tagged with the sender and the turn id, e.g. "U#123:" for the user and "A#124:" for the character.

Respond with a single JSON object and nothing else:
{"updatedSummary": "string",
 "memories": [{"category": "FAVORITE|DISLIKE|SCHEDULE", "subject": "string",
               "value": "string", "confidence": 0.0, "strengthSuggest": 1,
               "dueAt": "YYYY-MM-DD or YYYY-MM-DDTHH:mm", "pii": false,
               "meta": {"sourceMid": 0}}]}

Rules:
- updatedSummary replaces the old summary entirely; fold the old content in.
- Extract memories only from the user's own lines, never from the character's.
- meta.sourceMid must be the turn id of the user line the memory came from.
- Set pii true if the value contains personal identifying information.
- dueAt applies only to SCHEDULE memories; omit it otherwise.
- Return an empty memories array when nothing durable was said.`

// buildExtractionMessages assembles the prompt for a summarize-and-extract
// call. The locale only steers the summary language.
func buildExtractionMessages(existingSummary, patch, locale string) (string, string) {
	system := extractionInstructions
	if locale != "" {
		system += fmt.Sprintf("\n- Write updatedSummary in the %q locale.", locale)
	}

	var b strings.Builder
	b.WriteString("CURRENT SUMMARY:\n")
	if strings.TrimSpace(existingSummary) == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(existingSummary)
		b.WriteString("\n")
	}
	b.WriteString("\nNEW TURNS:\n")
	b.WriteString(patch)
	return system, b.String()
}

// extractJSON returns the first balanced {...} block in text, tolerating
// code fences and prose before or after the object. When no complete object
// is found the input is returned unchanged and left for the decoder to
// reject.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text
}

// parseExtraction decodes a summarize-and-extract model response. Unknown
// fields are ignored; a response with no recoverable JSON object decodes to
// an empty summary, which callers treat as "no update".
func parseExtraction(raw string) (string, []MemoryCandidate) {
	var payload struct {
		UpdatedSummary string            `json:"updatedSummary"`
		Memories       []MemoryCandidate `json:"memories"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &payload); err != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.UpdatedSummary), payload.Memories
}
