package memory

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "reverie.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, err := store.CreateConversation(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.Status != StatusOpen || !conv.FirstMeeting {
		t.Fatalf("new conversation should be OPEN first-meeting, got %+v", conv)
	}

	got, ok, err := store.LatestConversation(ctx, "u1", "c1")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if got.ID != conv.ID {
		t.Fatalf("latest id = %d, want %d", got.ID, conv.ID)
	}

	if _, ok, _ := store.LatestConversation(ctx, "u1", "other"); ok {
		t.Fatal("latest for unknown pair should report not found")
	}

	second, err := store.CreateConversation(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	got, _, _ = store.LatestConversation(ctx, "u1", "c1")
	if got.ID != second.ID {
		t.Fatalf("latest should be newest conversation, got %d want %d", got.ID, second.ID)
	}

	if err := store.SetConversationStatus(ctx, conv.ID, StatusClosed); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := store.SetFirstMeeting(ctx, conv.ID, false); err != nil {
		t.Fatalf("set first meeting: %v", err)
	}
	if err := store.SetCallingName(ctx, conv.ID, "captain"); err != nil {
		t.Fatalf("set calling name: %v", err)
	}
	got, ok, err = store.GetConversation(ctx, conv.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusClosed || got.FirstMeeting || got.CallingName != "captain" {
		t.Fatalf("unexpected conversation %+v", got)
	}
}

func TestClaimCleanupFlag(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv, _ := store.CreateConversation(ctx, "u1", "c1")

	claimed, err := store.ClaimCleanupFlag(ctx, conv.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed {
		t.Fatal("claim on unflagged conversation should lose")
	}

	if err := store.SetCleanupFlag(ctx, conv.ID, true); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	claimed, err = store.ClaimCleanupFlag(ctx, conv.ID)
	if err != nil || !claimed {
		t.Fatalf("first claim should win: claimed=%v err=%v", claimed, err)
	}
	claimed, err = store.ClaimCleanupFlag(ctx, conv.ID)
	if err != nil || claimed {
		t.Fatalf("second claim should lose: claimed=%v err=%v", claimed, err)
	}
}

func TestFlagIdleOpenConversations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	idle, _ := store.CreateConversation(ctx, "u1", "c1")
	closed, _ := store.CreateConversation(ctx, "u2", "c1")
	_ = store.SetConversationStatus(ctx, closed.ID, StatusClosed)

	n, err := store.FlagIdleOpenConversations(ctx, nowMS()+1)
	if err != nil {
		t.Fatalf("flag idle: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly the open conversation flagged, got %d", n)
	}
	got, _, _ := store.GetConversation(ctx, idle.ID)
	if !got.CleanupFlag {
		t.Fatal("open conversation should carry the cleanup flag")
	}
	got, _, _ = store.GetConversation(ctx, closed.ID)
	if got.CleanupFlag {
		t.Fatal("closed conversation must not be flagged by the idle sweep")
	}
}

func TestTurnsOrderAndCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv, _ := store.CreateConversation(ctx, "u1", "c1")

	var lastID int64
	for i, msg := range []string{"one", "two", "three"} {
		sender := SenderUser
		if i == 1 {
			sender = SenderCharacter
		}
		turn, err := store.InsertTurn(ctx, conv.ID, sender, msg)
		if err != nil {
			t.Fatalf("insert turn: %v", err)
		}
		if turn.ID <= lastID {
			t.Fatalf("turn ids must increase: %d after %d", turn.ID, lastID)
		}
		lastID = turn.ID
	}

	turns, err := store.ListRecentTurns(ctx, conv.ID, 2)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "two" || turns[1].Content != "three" {
		t.Fatalf("expected newest 2 ascending, got %+v", turns)
	}

	if n, _ := store.CountTurns(ctx, conv.ID); n != 3 {
		t.Fatalf("count = %d", n)
	}
	if n, _ := store.CountTurnsBySender(ctx, conv.ID, SenderUser); n != 2 {
		t.Fatalf("user count = %d", n)
	}
	latest, ok, _ := store.LatestTurn(ctx, conv.ID)
	if !ok || latest.Content != "three" {
		t.Fatalf("latest turn = %+v ok=%v", latest, ok)
	}

	deleted, err := store.DeleteTurns(ctx, conv.ID)
	if err != nil || deleted != 3 {
		t.Fatalf("delete turns: n=%d err=%v", deleted, err)
	}
	if _, ok, _ := store.LatestTurn(ctx, conv.ID); ok {
		t.Fatal("turns should be gone")
	}
}

func TestSummaryUpsertMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv, _ := store.CreateConversation(ctx, "u1", "c1")

	sum, err := store.GetSummary(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get empty summary: %v", err)
	}
	if sum.LastTurnID != 0 || sum.Text != "" {
		t.Fatalf("expected zero summary, got %+v", sum)
	}

	if err := store.UpsertSummary(ctx, conv.ID, "first", 10); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertSummary(ctx, conv.ID, "second", 20); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// A stale writer must not move the high-water mark backwards.
	if err := store.UpsertSummary(ctx, conv.ID, "stale", 5); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	sum, _ = store.GetSummary(ctx, conv.ID)
	if sum.LastTurnID != 20 {
		t.Fatalf("high-water mark regressed: %d", sum.LastTurnID)
	}
	if sum.Version != 3 {
		t.Fatalf("version = %d, want 3", sum.Version)
	}
	if sum.Text != "stale" {
		t.Fatalf("summary text should be replaced wholesale, got %q", sum.Text)
	}

	if err := store.UpsertSummary(ctx, conv.ID, "   ", 30); err == nil {
		t.Fatal("empty summary text must be rejected")
	}
}

func TestSlotUpsertDedupe(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := Slot{
		UserID: "u1", CharacterID: "c1",
		Category: CategoryFavorite, Subject: "Strawberries", SubjectNorm: "strawberries",
		Value: "user loves strawberries", Strength: 2, Confidence: 0.7,
		Source: "extraction", SourceTurnID: 10,
	}
	if err := store.UpsertSlot(ctx, base); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	update := base
	update.Value = "user really loves strawberries"
	update.Strength = 4
	update.Confidence = 0.9
	update.SourceTurnID = 12
	if err := store.UpsertSlot(ctx, update); err != nil {
		t.Fatalf("upsert update: %v", err)
	}

	if n, _ := store.CountSlots(ctx, "u1", "c1"); n != 1 {
		t.Fatalf("dedupe failed, count = %d", n)
	}
	slots, _ := store.SelectRecentSlots(ctx, "u1", "c1", 10, 0, nowMS())
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	got := slots[0]
	if got.Value != update.Value || got.Strength != 4 || got.Confidence != 0.9 || got.SourceTurnID != 12 {
		t.Fatalf("unexpected slot after upsert %+v", got)
	}
}

func TestSelectRecentSlotsFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := nowMS()

	mk := func(norm string, confidence float64, dueAt int64) {
		t.Helper()
		err := store.UpsertSlot(ctx, Slot{
			UserID: "u1", CharacterID: "c1",
			Category: CategoryFavorite, Subject: norm, SubjectNorm: norm,
			Value: "value " + norm, Strength: 3, Confidence: confidence, DueAtMS: dueAt,
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", norm, err)
		}
	}
	mk("keep", 0.9, 0)
	mk("low confidence", 0.3, 0)
	mk("expired", 0.9, now-1000)
	mk("future", 0.9, now+60_000)

	slots, err := store.SelectRecentSlots(ctx, "u1", "c1", 10, 0.65, now)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	got := map[string]bool{}
	for _, m := range slots {
		got[m.SubjectNorm] = true
	}
	if !got["keep"] || !got["future"] || got["low confidence"] || got["expired"] {
		t.Fatalf("unexpected selection %v", got)
	}
}

func TestEvictWeakestOldest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mk := func(norm string, strength int, lastUsed int64) {
		t.Helper()
		err := store.UpsertSlot(ctx, Slot{
			UserID: "u1", CharacterID: "c1",
			Category: CategoryFavorite, Subject: norm, SubjectNorm: norm,
			Value: "value " + norm, Strength: strength, Confidence: 0.9,
			LastUsedAtMS: lastUsed,
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", norm, err)
		}
	}
	mk("weak old", 1, 100)
	mk("weak new", 1, 200)
	mk("strong old", 5, 100)

	evicted, err := store.EvictWeakestOldest(ctx, "u1", "c1", 2)
	if err != nil || evicted != 2 {
		t.Fatalf("evict: n=%d err=%v", evicted, err)
	}
	slots, _ := store.SelectRecentSlots(ctx, "u1", "c1", 10, 0, nowMS())
	if len(slots) != 1 || slots[0].SubjectNorm != "strong old" {
		t.Fatalf("expected only the strong slot to survive, got %+v", slots)
	}
}

func TestTouchSlotsUsed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	err := store.UpsertSlot(ctx, Slot{
		UserID: "u1", CharacterID: "c1",
		Category: CategoryFavorite, Subject: "tea", SubjectNorm: "tea",
		Value: "user likes tea", Strength: 3, Confidence: 0.9, LastUsedAtMS: 1,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	slots, _ := store.SelectRecentSlots(ctx, "u1", "c1", 1, 0, nowMS())
	if err := store.TouchSlotsUsed(ctx, []string{slots[0].ID}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	after, _ := store.SelectRecentSlots(ctx, "u1", "c1", 1, 0, nowMS())
	if after[0].LastUsedAtMS <= 1 {
		t.Fatalf("last used not advanced: %d", after[0].LastUsedAtMS)
	}
}

func TestPersonaInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, ok, _ := store.GetPersona(ctx, "c1"); ok {
		t.Fatal("persona should not exist yet")
	}
	if err := store.InsertPersona(ctx, "c1", "first prompt"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Losing a creation race is harmless; the first insert wins.
	if err := store.InsertPersona(ctx, "c1", "second prompt"); err != nil {
		t.Fatalf("conflicting insert should be a no-op: %v", err)
	}
	p, ok, err := store.GetPersona(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if p.Prompt != "first prompt" {
		t.Fatalf("prompt = %q", p.Prompt)
	}
}

func TestAddMetric(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.AddMetric(ctx, dropMetric, 1, map[string]string{"reason": dropPII}); err != nil {
		t.Fatalf("add metric: %v", err)
	}
	if err := store.AddMetric(ctx, "summary_runs", 1, nil); err != nil {
		t.Fatalf("add metric without labels: %v", err)
	}
}
