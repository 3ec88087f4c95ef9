package memory

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/hollycliff/reverie/pkg/providers"
)

const (
	// Admission thresholds for extracted memory candidates.
	minCandidateConfidence = 0.65
	maxCandidatesPerRun    = 4
	subjectNormMaxLen      = 120
	valueMinLen            = 5
	valueMaxLen            = 120
	valueMaxLenSchedule    = 200
	valueHardCap           = 1000

	defaultCapacity = 100
	evictBatchSize  = 5

	// Prompt-side selection.
	promptSlotLimit = 6
)

const dropMetric = "memory_candidate_dropped"

// Drop reasons, recorded as metric labels when a candidate fails admission.
const (
	dropPII           = "pii"
	dropCategory      = "category"
	dropNoProvenance  = "no_provenance"
	dropOutOfRange    = "out_of_range"
	dropNonUserSource = "non_user_source"
	dropLength        = "length"
	dropConfidence    = "confidence"
)

// Bank validates, normalizes and persists long-term memory slots, and keeps
// the per-(user, character) population under a capacity ceiling.
type Bank struct {
	store    Store
	capacity int
}

func NewBank(store Store, capacity int) *Bank {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bank{store: store, capacity: capacity}
}

// AdmitCandidates runs the per-candidate admission chain against one
// pipeline delta and upserts the survivors, at most maxCandidatesPerRun of
// them, in the order returned by the model. The first failing check drops a
// candidate and records the reason; drops are never errors.
func (b *Bank) AdmitCandidates(ctx context.Context, conv Conversation, prevHWM, newHWM int64, delta []Turn, candidates []providers.MemoryCandidate) (int, error) {
	senders := make(map[int64]string, len(delta))
	for _, t := range delta {
		senders[t.ID] = t.Sender
	}

	persisted := 0
	for _, cand := range candidates {
		if persisted >= maxCandidatesPerRun {
			break
		}
		reason, slot := b.admit(conv, prevHWM, newHWM, senders, cand)
		if reason != "" {
			b.recordDrop(ctx, reason)
			continue
		}

		if err := b.ensureCapacity(ctx, conv.UserID, conv.CharacterID); err != nil {
			return persisted, err
		}
		if err := b.store.UpsertSlot(ctx, slot); err != nil {
			return persisted, err
		}
		persisted++
	}
	return persisted, nil
}

// admit applies the checks in order and returns either a drop reason or the
// normalized slot ready for upsert.
func (b *Bank) admit(conv Conversation, prevHWM, newHWM int64, senders map[int64]string, cand providers.MemoryCandidate) (string, Slot) {
	if cand.PII {
		return dropPII, Slot{}
	}
	switch cand.Category {
	case CategoryFavorite, CategoryDislike, CategorySchedule:
	default:
		return dropCategory, Slot{}
	}
	sourceMid := cand.Meta.SourceMid
	if sourceMid == 0 {
		return dropNoProvenance, Slot{}
	}
	// Provenance must lie inside this delta: strictly after the previous
	// high-water mark, at or before the new one.
	if sourceMid <= prevHWM || sourceMid > newHWM {
		return dropOutOfRange, Slot{}
	}
	if senders[sourceMid] != SenderUser {
		return dropNonUserSource, Slot{}
	}

	subjectNorm := normalizeSubject(cand.Subject)
	if n := len([]rune(subjectNorm)); n < 1 || n > subjectNormMaxLen {
		return dropLength, Slot{}
	}
	value := strings.TrimSpace(cand.Value)
	maxLen := valueMaxLen
	if cand.Category == CategorySchedule {
		maxLen = valueMaxLenSchedule
	}
	if n := len([]rune(value)); n < valueMinLen || n > maxLen {
		return dropLength, Slot{}
	}
	if cand.Confidence < minCandidateConfidence {
		return dropConfidence, Slot{}
	}

	var dueAtMS int64
	if cand.Category == CategorySchedule {
		dueAtMS = parseDueDate(cand.DueAt)
	}

	return "", Slot{
		UserID:               conv.UserID,
		CharacterID:          conv.CharacterID,
		Category:             cand.Category,
		Subject:              strings.TrimSpace(cand.Subject),
		SubjectNorm:          subjectNorm,
		Value:                truncateRunes(value, valueHardCap),
		Strength:             clampStrength(cand.StrengthSuggest, cand.Confidence),
		Confidence:           cand.Confidence,
		Source:               "extraction",
		SourceConversationID: conv.ID,
		SourceTurnID:         sourceMid,
		DueAtMS:              dueAtMS,
	}
}

// ensureCapacity evicts a small batch of the weakest/oldest slots when the
// population has reached the ceiling, before the next upsert lands.
func (b *Bank) ensureCapacity(ctx context.Context, userID, characterID string) error {
	count, err := b.store.CountSlots(ctx, userID, characterID)
	if err != nil {
		return err
	}
	if count < b.capacity {
		return nil
	}
	evicted, err := b.store.EvictWeakestOldest(ctx, userID, characterID, evictBatchSize)
	if err != nil {
		return err
	}
	slog.Debug("evicted memory slots at capacity",
		"user", userID, "character", characterID, "evicted", evicted)
	return nil
}

// PromptSlots returns the slots worth injecting into the chat prompt and
// marks them used.
func (b *Bank) PromptSlots(ctx context.Context, userID, characterID string) ([]Slot, error) {
	slots, err := b.store.SelectRecentSlots(ctx, userID, characterID, promptSlotLimit, minCandidateConfidence, nowMS())
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(slots))
	for _, m := range slots {
		ids = append(ids, m.ID)
	}
	if err := b.store.TouchSlotsUsed(ctx, ids); err != nil {
		return nil, err
	}
	return slots, nil
}

func (b *Bank) recordDrop(ctx context.Context, reason string) {
	if err := b.store.AddMetric(ctx, dropMetric, 1, map[string]string{"reason": reason}); err != nil {
		slog.Warn("record candidate drop failed", "reason", reason, "error", err)
	}
}

// normalizeSubject lowercases, strips everything but letters, digits and
// spaces, collapses whitespace and trims trailing "like"/"likes" the
// extraction model tends to append.
func normalizeSubject(subject string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(subject) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	norm := strings.Join(strings.Fields(b.String()), " ")
	for _, suffix := range []string{" likes", " like"} {
		norm = strings.TrimSuffix(norm, suffix)
	}
	return norm
}

// parseDueDate accepts date-only and date-time ISO forms. Anything else
// stores the due date as absent rather than failing the candidate.
func parseDueDate(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	for _, layout := range []string{"2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// clampStrength keeps a suggested strength inside 1..5, deriving one from
// confidence when the model supplied none.
func clampStrength(suggested int, confidence float64) int {
	s := suggested
	if s == 0 {
		s = int(math.Round(confidence * 5))
	}
	if s < 1 {
		return 1
	}
	if s > 5 {
		return 5
	}
	return s
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
