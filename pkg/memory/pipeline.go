package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hollycliff/reverie/pkg/providers"
)

const (
	// Trigger thresholds: a run fires on force, on this much accumulated
	// normalized text since the last summary, or on this many new turns.
	summaryCharThreshold = 180
	summaryTurnThreshold = 4

	// How far back the pipeline looks for the delta.
	summaryWindow = 24

	patchLineMaxLen = 600
)

// Summarizer is the summarization pipeline: it folds a conversation's new
// turns into the rolling summary and feeds extracted memory candidates to
// the Bank. Callers on the chat path invoke it through RunBestEffort so a
// pipeline failure never surfaces into the user's request.
type Summarizer struct {
	store   Store
	gateway providers.Gateway
	bank    *Bank
	locale  string
}

func NewSummarizer(store Store, gateway providers.Gateway, bank *Bank, locale string) *Summarizer {
	return &Summarizer{store: store, gateway: gateway, bank: bank, locale: locale}
}

// Run executes one pipeline pass. It reports whether a summary was written;
// ran=true with a non-nil error means the summary landed but candidate
// persistence failed partway. explicitHWM, when greater than the delta's max
// turn id, advances the high-water mark past it (cleanup uses this to cover
// the whole conversation before deleting turns).
func (s *Summarizer) Run(ctx context.Context, conv Conversation, force bool, explicitHWM int64) (bool, error) {
	prev, err := s.store.GetSummary(ctx, conv.ID)
	if err != nil {
		return false, err
	}
	recent, err := s.store.ListRecentTurns(ctx, conv.ID, summaryWindow)
	if err != nil {
		return false, err
	}

	delta := make([]Turn, 0, len(recent))
	for _, t := range recent {
		if t.ID > prev.LastTurnID {
			delta = append(delta, t)
		}
	}
	if len(delta) == 0 {
		return false, nil
	}
	if !force && !triggered(delta) {
		return false, nil
	}

	patch := buildPatch(delta)
	if patch == "" {
		return false, nil
	}

	ext, err := s.gateway.SummarizeAndExtract(ctx, prev.Text, patch, s.locale)
	if err != nil {
		return false, fmt.Errorf("summarize and extract: %w", err)
	}
	if strings.TrimSpace(ext.UpdatedSummary) == "" {
		// An empty summary is never stored; treat the run as a no-op.
		return false, nil
	}

	newHWM := delta[len(delta)-1].ID
	if explicitHWM > newHWM {
		newHWM = explicitHWM
	}
	if err := s.store.UpsertSummary(ctx, conv.ID, ext.UpdatedSummary, newHWM); err != nil {
		return false, fmt.Errorf("upsert summary: %w", err)
	}

	persisted, err := s.bank.AdmitCandidates(ctx, conv, prev.LastTurnID, newHWM, delta, ext.Candidates)
	if err != nil {
		return true, fmt.Errorf("admit candidates: %w", err)
	}

	slog.Info("summarization pipeline run",
		"conversation", conv.ID,
		"delta_turns", len(delta),
		"high_water_mark", newHWM,
		"memories_persisted", persisted,
		"provider", ext.Provider,
		"model", ext.Model)
	return true, nil
}

// RunBestEffort is the fire-and-forget entry point for the chat path: any
// failure is logged and swallowed.
func (s *Summarizer) RunBestEffort(ctx context.Context, conv Conversation, force bool, explicitHWM int64) bool {
	ran, err := s.Run(ctx, conv, force, explicitHWM)
	if err != nil {
		slog.Warn("summarization pipeline failed",
			"conversation", conv.ID, "error", err)
		return false
	}
	return ran
}

func triggered(delta []Turn) bool {
	if len(delta) >= summaryTurnThreshold {
		return true
	}
	total := 0
	for _, t := range delta {
		total += len([]rune(normalizeForCount(t.Content)))
	}
	return total >= summaryCharThreshold
}

// normalizeForCount strips fenced code blocks and collapses whitespace so
// pasted code does not inflate the trigger length.
func normalizeForCount(text string) string {
	parts := strings.Split(text, "```")
	var b strings.Builder
	for i, part := range parts {
		if i%2 == 0 {
			b.WriteString(part)
			b.WriteString(" ")
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// buildPatch renders the delta as one tagged line per turn, e.g.
// "U#123: hello". SYSTEM turns carry no conversational content and are
// skipped.
func buildPatch(delta []Turn) string {
	lines := make([]string, 0, len(delta))
	for _, t := range delta {
		var tag string
		switch t.Sender {
		case SenderUser:
			tag = "U"
		case SenderCharacter:
			tag = "A"
		default:
			continue
		}
		content := strings.Join(strings.Fields(t.Content), " ")
		lines = append(lines, fmt.Sprintf("%s#%d: %s", tag, t.ID, truncateRunes(content, patchLineMaxLen)))
	}
	return strings.Join(lines, "\n")
}
