package agent

import (
	"regexp"
	"strings"
)

const callingNameMaxLen = 32

// Ordered by specificity; the first match wins.
var callingNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcall me ([\p{L}\p{N}][\p{L}\p{N}' -]{0,40})`),
	regexp.MustCompile(`(?i)\bmy name is ([\p{L}\p{N}][\p{L}\p{N}' -]{0,40})`),
	regexp.MustCompile(`(?i)\byou can address me as ([\p{L}\p{N}][\p{L}\p{N}' -]{0,40})`),
}

// extractCallingName pulls a self-declared calling name out of a user
// message. Returns "" when the message contains none; the caller keeps the
// previously stored name in that case.
func extractCallingName(message string) string {
	for _, pattern := range callingNamePatterns {
		match := pattern.FindStringSubmatch(message)
		if match == nil {
			continue
		}
		name := strings.TrimSpace(match[1])
		// Keep only the leading phrase up to sentence punctuation.
		if idx := strings.IndexFunc(name, func(r rune) bool {
			return r == '.' || r == ',' || r == '!' || r == '?' || r == ';'
		}); idx >= 0 {
			name = strings.TrimSpace(name[:idx])
		}
		// Names are short; cut clause continuations like "call me Sam and ...".
		words := strings.Fields(name)
		cut := len(words)
		for i, w := range words {
			switch strings.ToLower(w) {
			case "and", "but", "please", "from", "or":
				cut = i
			}
			if cut < len(words) {
				break
			}
		}
		if cut > 3 {
			cut = 3
		}
		name = strings.Join(words[:cut], " ")
		if name == "" || len([]rune(name)) > callingNameMaxLen {
			continue
		}
		return name
	}
	return ""
}
