package memory

import "context"

// Store is the persistence port for conversations, turns, summaries, memory
// slots and personas. The SQLite implementation is canonical; tests may
// substitute fakes for individual call sites.
type Store interface {
	Close() error

	// Conversations.
	CreateConversation(ctx context.Context, userID, characterID string) (Conversation, error)
	LatestConversation(ctx context.Context, userID, characterID string) (Conversation, bool, error)
	GetConversation(ctx context.Context, id int64) (Conversation, bool, error)
	SetConversationStatus(ctx context.Context, id int64, status string) error
	SetFirstMeeting(ctx context.Context, id int64, firstMeeting bool) error
	SetCallingName(ctx context.Context, id int64, name string) error
	TouchConversation(ctx context.Context, id int64) error
	SetCleanupFlag(ctx context.Context, id int64, flagged bool) error
	// ClaimCleanupFlag atomically clears a set cleanup flag and reports
	// whether this caller won the claim. Two concurrent cleanups on the same
	// conversation cannot both claim it.
	ClaimCleanupFlag(ctx context.Context, id int64) (bool, error)
	ListConversationsByStatus(ctx context.Context, status string, limit int) ([]Conversation, error)
	// FlagIdleOpenConversations sets the cleanup flag on OPEN conversations
	// not touched since beforeMS, returning how many were flagged.
	FlagIdleOpenConversations(ctx context.Context, beforeMS int64) (int, error)

	// Turns.
	InsertTurn(ctx context.Context, conversationID int64, sender, content string) (Turn, error)
	ListRecentTurns(ctx context.Context, conversationID int64, limit int) ([]Turn, error)
	CountTurns(ctx context.Context, conversationID int64) (int, error)
	CountTurnsBySender(ctx context.Context, conversationID int64, sender string) (int, error)
	LatestTurn(ctx context.Context, conversationID int64) (Turn, bool, error)
	DeleteTurns(ctx context.Context, conversationID int64) (int, error)

	// Rolling summary. UpsertSummary advances the high-water mark
	// monotonically and bumps the version in the same statement.
	GetSummary(ctx context.Context, conversationID int64) (Summary, error)
	UpsertSummary(ctx context.Context, conversationID int64, text string, lastTurnID int64) error

	// Memory slots.
	UpsertSlot(ctx context.Context, slot Slot) error
	SelectRecentSlots(ctx context.Context, userID, characterID string, limit int, minConfidence float64, nowMS int64) ([]Slot, error)
	CountSlots(ctx context.Context, userID, characterID string) (int, error)
	EvictWeakestOldest(ctx context.Context, userID, characterID string, n int) (int, error)
	TouchSlotsUsed(ctx context.Context, ids []string) error

	// Personas.
	GetPersona(ctx context.Context, characterID string) (Persona, bool, error)
	InsertPersona(ctx context.Context, characterID, prompt string) error

	// Diagnostics.
	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}
